// Package storage keeps avatar images in an object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/config"
)

// MaxAvatarSize is the largest accepted avatar upload in bytes.
const MaxAvatarSize = 2 << 20

var (
	// ErrObjectNotFound is returned by backends for missing keys.
	ErrObjectNotFound = errors.New("object not found")
	// ErrDisabled is returned when no storage backend is configured.
	ErrDisabled = errors.New("object storage disabled")
	// ErrUnsupportedImage rejects uploads that are not an accepted image type.
	ErrUnsupportedImage = errors.New("unsupported image type")
	// ErrTooLarge rejects uploads above MaxAvatarSize.
	ErrTooLarge = errors.New("avatar too large")
)

// ObjectStorage is implemented by each object store.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

var avatarExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Avatars stores profile images under avatars/<identity>/.
// A nil backend makes every call return ErrDisabled.
type Avatars struct {
	backend ObjectStorage
}

func NewAvatars(backend ObjectStorage) *Avatars {
	return &Avatars{backend: backend}
}

// Enabled reports whether a backend is configured.
func (a *Avatars) Enabled() bool {
	return a != nil && a.backend != nil
}

// Upload stores an image and returns its key. Each upload gets a fresh key
// so that caches never serve a stale image.
func (a *Avatars) Upload(ctx context.Context, identityID uuid.UUID, r io.Reader, size int64, contentType string) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}
	ext, ok := avatarExtensions[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return "", ErrUnsupportedImage
	}
	if size <= 0 || size > MaxAvatarSize {
		return "", ErrTooLarge
	}

	key := fmt.Sprintf("avatars/%s/%s.%s", identityID, uuid.NewString(), ext)
	if err := a.backend.Put(ctx, key, io.LimitReader(r, size), size, contentType); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// Open returns the stored image for key.
func (a *Avatars) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	return a.backend.Get(ctx, key)
}

// Remove deletes key. Missing objects and empty keys are not errors.
func (a *Avatars) Remove(ctx context.Context, key string) error {
	if !a.Enabled() || key == "" {
		return nil
	}
	if err := a.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Open builds the backend named in cfg. An empty backend returns nil, which
// disables avatars.
func Open(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	var (
		backend ObjectStorage
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "":
		return nil, nil
	case "minio":
		backend, err = NewMinioStore(cfg.Minio)
	case "gcs":
		backend, err = NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := backend.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", backend.Bucket(), err)
	}
	return backend, nil
}
