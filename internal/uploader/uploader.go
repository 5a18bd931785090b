// Package uploader streams attachment bytes to blob storage, reporting
// fractional progress the way the chat input renders its upload bar.
package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Progress receives the upload fraction in [0,1]. Callbacks run on the
// uploading goroutine; implementations must not block.
type Progress func(fraction float64)

// Uploader accepts raw bytes under a key and yields a retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, key string, contentType string, data []byte, progress Progress) (string, error)
}

// MessageKey builds the storage key for a media attachment, matching the
// messages/<conversation>/<timestamp>_<name> layout.
func MessageKey(conversationID, fileName string) string {
	return fmt.Sprintf("messages/%s/%d_%s", conversationID, time.Now().UnixMilli(), fileName)
}

// VoiceKey builds the storage key for a voice note.
func VoiceKey(conversationID string) string {
	return fmt.Sprintf("audio_messages/%s/%s.webm", conversationID, uuid.NewString())
}
