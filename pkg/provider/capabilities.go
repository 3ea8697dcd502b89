package provider

import (
	"context"
	"io"
)

// Optional provider capability interfaces.
//
// The batch manager needs put and get; listing providers implement
// Provider as well. Callers use type assertions for feature detection.

// ObjectPutter can create/overwrite objects.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectGetter can download objects as a stream.
//
// Returns ErrNotFound (wrapped) if the key is absent.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectDeleter can remove objects. Deleting an absent key is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectStore is the storage gateway contract consumed by the batch manager.
type ObjectStore interface {
	ObjectPutter
	ObjectGetter
}

// ReadObject downloads a whole object into memory.
func ReadObject(ctx context.Context, g ObjectGetter, key string) ([]byte, error) {
	body, _, err := g.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}
