package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// fileBackend keeps one JSON document per dataset in a directory.
// Saves go through a temp file + rename so a crash mid-write never
// leaves a half-written document behind.
type fileBackend struct {
	dir string
}

func openFile(cfg Config) (Backend, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}
	return &fileBackend{dir: cfg.Path}, nil
}

func (b *fileBackend) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

func (b *fileBackend) Load(ctx context.Context, name string) ([]byte, bool, error) {
	_ = ctx
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *fileBackend) Save(ctx context.Context, name string, doc []byte) error {
	_ = ctx
	path := b.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *fileBackend) Close() error { return nil }
