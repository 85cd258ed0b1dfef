package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSystem stores blobs as files under root/container/item.
type FileSystem struct {
	root string
}

// NewFileSystem creates a filesystem blob store rooted at root.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

func (f *FileSystem) path(container, item string) string {
	return filepath.Join(f.root, container, item)
}

func (f *FileSystem) Read(ctx context.Context, container, item string) ([]byte, error) {
	data, err := os.ReadFile(f.path(container, item))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s/%s: %w", container, item, err)
	}
	return data, nil
}

func (f *FileSystem) Write(ctx context.Context, container, item string, data []byte) error {
	dir := filepath.Join(f.root, container)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blob container %s: %w", container, err)
	}

	// Write-then-rename so readers never observe a partial blob.
	tmp, err := os.CreateTemp(dir, "."+item+".tmp")
	if err != nil {
		return fmt.Errorf("write blob %s/%s: %w", container, item, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob %s/%s: %w", container, item, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob %s/%s: %w", container, item, err)
	}
	if err := os.Rename(tmp.Name(), f.path(container, item)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob %s/%s: %w", container, item, err)
	}
	return nil
}
