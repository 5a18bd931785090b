package uploader

import (
	"context"
	"errors"
	"sync"
)

// ErrUploadRejected is the failure injected by the in-memory uploader.
var ErrUploadRejected = errors.New("uploader: upload rejected")

// MemoryUploader is the test double. It retains uploaded payloads and
// can be told to fail the next upload.
type MemoryUploader struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failNext bool
}

// NewMemoryUploader returns an empty in-memory uploader.
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: make(map[string][]byte)}
}

// FailNext makes the next Upload call return ErrUploadRejected.
func (u *MemoryUploader) FailNext() {
	u.mu.Lock()
	u.failNext = true
	u.mu.Unlock()
}

// Object returns a stored payload by key.
func (u *MemoryUploader) Object(key string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.objects[key]
	return data, ok
}

func (u *MemoryUploader) Upload(ctx context.Context, key, contentType string, data []byte, progress Progress) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u.mu.Lock()
	fail := u.failNext
	u.failNext = false
	if !fail {
		u.objects[key] = append([]byte(nil), data...)
	}
	u.mu.Unlock()
	if fail {
		if progress != nil {
			progress(0.5)
		}
		return "", ErrUploadRejected
	}
	if progress != nil {
		progress(1)
	}
	return "memory://" + key, nil
}
