package models

import (
	"time"

	"github.com/anonto42/elemchat/internal/store"
)

// Post is a social-feed entry. Read-only input to the notification
// aggregator; authoring lives outside this engine.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PostFromDoc decodes a post document snapshot.
func PostFromDoc(d store.Document) Post {
	return Post{
		ID:        d.ID(),
		AuthorID:  asString(d.Data["authorId"]),
		Content:   asString(d.Data["content"]),
		CreatedAt: asTime(d.Data["createdAt"]),
	}
}

// Comment is a reply on a post. Read-only input to the aggregator.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CommentFromDoc decodes a comment document snapshot.
func CommentFromDoc(d store.Document) Comment {
	return Comment{
		ID:        d.ID(),
		PostID:    asString(d.Data["postId"]),
		AuthorID:  asString(d.Data["authorId"]),
		Content:   asString(d.Data["content"]),
		CreatedAt: asTime(d.Data["createdAt"]),
	}
}

// SeenSet is a user's acknowledged post/comment notification ids.
// Union-only: concurrent sessions merge, never overwrite.
type SeenSet struct {
	Posts    []string
	Comments []string
}

// SeenSetFromDoc decodes the per-user seen-set document.
func SeenSetFromDoc(d store.Document) SeenSet {
	return SeenSet{
		Posts:    asStringSlice(d.Data["seenPosts"]),
		Comments: asStringSlice(d.Data["seenComments"]),
	}
}

// SeenSetPath returns the per-user seen-set document path.
func SeenSetPath(userID string) string { return "notification_seen/" + userID }

// HasPost reports whether the post id was already acknowledged.
func (s SeenSet) HasPost(id string) bool { return containsString(s.Posts, id) }

// HasComment reports whether the comment id was already acknowledged.
func (s SeenSet) HasComment(id string) bool { return containsString(s.Comments, id) }

func containsString(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}
