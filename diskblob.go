package scribeq

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskBlobStore keeps artifacts as plain files under a root directory.
// Keys may contain slashes; they become subdirectories. Encryption at
// rest, when required, belongs to the deployment (encrypted volume or a
// different BlobStore), not here.
type DiskBlobStore struct {
	root string
}

func NewDiskBlobStore(root string) (*DiskBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskBlobStore{root: root}, nil
}

func (b *DiskBlobStore) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *DiskBlobStore) Put(ctx context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *DiskBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *DiskBlobStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
