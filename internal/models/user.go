package models

import (
	"github.com/anonto42/elemchat/internal/store"
)

// RoleAdmin marks operator accounts, which are exempt from community
// membership.
const RoleAdmin = "admin"

// Categories is the fixed element enumeration a user belongs to.
var Categories = []string{"fire", "earth", "metal", "water", "air"}

// User is a profile document as the engine sees it.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Category    string   `json:"category"`
	Role        string   `json:"role,omitempty"`
	PhotoURL    string   `json:"photo_url,omitempty"`
	Following   []string `json:"following,omitempty"`
}

// UserFromDoc decodes a user document snapshot.
func UserFromDoc(d store.Document) User {
	return User{
		ID:          d.ID(),
		DisplayName: asString(d.Data["username"]),
		Category:    asString(d.Data["category"]),
		Role:        asString(d.Data["role"]),
		PhotoURL:    asString(d.Data["photoURL"]),
		Following:   asStringSlice(d.Data["following"]),
	}
}

// UserPath returns the profile document path for a user id.
func UserPath(userID string) string { return "users/" + userID }

// ValidCategory reports membership in the category enumeration.
func ValidCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}
