package storage

import "context"

// Uploader persists a generated artifact and returns the URL clients use to
// fetch it. Workers call it once per produced image.
type Uploader interface {
	Store(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
