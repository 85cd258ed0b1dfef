// Package blob stores small JSON items (the authorized project list and
// similar externally maintained documents) in a container of named blobs.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hpcacct/pkg/config"
)

// ErrNotFound is returned when a requested blob does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is the blob persistence contract.
type Store interface {
	Read(ctx context.Context, container, item string) ([]byte, error)
	Write(ctx context.Context, container, item string, data []byte) error
}

// ReadJSON fetches a blob and decodes it into out.
func ReadJSON(ctx context.Context, s Store, container, item string, out any) error {
	data, err := s.Read(ctx, container, item)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode blob %s/%s: %w", container, item, err)
	}
	return nil
}

// WriteJSON encodes v and stores it as a blob.
func WriteJSON(ctx context.Context, s Store, container, item string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode blob %s/%s: %w", container, item, err)
	}
	return s.Write(ctx, container, item, data)
}

// NewFromConfig creates a Store for the configured backend type.
func NewFromConfig(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(), nil
	case "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem blob store requires dir to be set")
		}
		return NewFileSystem(cfg.Dir), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 blob store requires s3_bucket to be set")
		}
		return NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}
