package uploader

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

const uploadChunkSize = 256 * 1024

// GCSUploader writes attachments to a Cloud Storage bucket.
type GCSUploader struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCSUploader wraps a bucket handle. name is the bucket name used to
// derive public URLs.
func NewGCSUploader(client *storage.Client, name string) *GCSUploader {
	return &GCSUploader{bucket: client.Bucket(name), name: name}
}

// Upload streams data in chunks so progress tracks bytes actually
// handed to the transport, then returns the object's public URL.
func (u *GCSUploader) Upload(ctx context.Context, key, contentType string, data []byte, progress Progress) (string, error) {
	w := u.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = uploadChunkSize

	total := len(data)
	written := 0
	for written < total {
		end := written + uploadChunkSize
		if end > total {
			end = total
		}
		n, err := w.Write(data[written:end])
		written += n
		if progress != nil && total > 0 {
			progress(float64(written) / float64(total))
		}
		if err != nil {
			_ = w.Close()
			return "", fmt.Errorf("upload %s: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if progress != nil {
		progress(1)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.name, key), nil
}
