// Package filter screens outbound message text against the word
// blocklist before anything reaches the store.
package filter

import (
	"strings"
	"unicode"
)

var defaultBlocklist = []string{
	"fuck", "shit", "bitch", "asshole", "bastard", "dick", "cunt",
	"זונה", "בן זונה", "מניאק", "כוסית", "זין",
}

var bannedEmojis = []string{"\U0001F595"}

// Filter rejects text containing blocked words or banned emojis.
type Filter struct {
	words  map[string]struct{}
	emojis []string
}

// New builds a filter from the default blocklist.
func New() *Filter {
	return NewWithWords(defaultBlocklist)
}

// NewWithWords builds a filter from an explicit word list.
func NewWithWords(words []string) *Filter {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return &Filter{words: set, emojis: bannedEmojis}
}

// IsRejected reports whether the text must not be sent. Matching is
// word-wise on lowercased text with punctuation stripped; emoji
// scanning runs on the raw input.
func (f *Filter) IsRejected(text string) bool {
	if text == "" {
		return false
	}
	for _, emoji := range f.emojis {
		if strings.Contains(text, emoji) {
			return true
		}
	}
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	for _, word := range strings.Fields(normalized) {
		if _, blocked := f.words[word]; blocked {
			return true
		}
	}
	return false
}
