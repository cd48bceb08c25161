package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"stepforge/internal/fileutil"
	"stepforge/internal/services"
)

const localScheme = "local://"

// Local stores objects as files under a root directory.
type Local struct {
	root string
}

// NewLocal prepares a file-system store rooted at root.
func NewLocal(root string) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: storage.local_root is empty", services.ErrConfiguration)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Put writes data atomically and returns a local:// reference.
func (l *Local) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := fileutil.WriteFileAtomic(l.pathFor(cleaned), data); err != nil {
		return "", fmt.Errorf("store %s: %w", cleaned, err)
	}
	return localScheme + cleaned, nil
}

// Get reads the object named by ref.
func (l *Local) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.Path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: object %s", services.ErrNotFound, strings.TrimPrefix(ref, localScheme))
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Delete removes the file behind ref.
func (l *Local) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Path resolves ref to the backing file path without reading it.
func (l *Local) Path(ref string) (string, error) {
	cleaned, err := cleanKey(strings.TrimPrefix(ref, localScheme))
	if err != nil {
		return "", err
	}
	return l.pathFor(cleaned), nil
}

func (l *Local) pathFor(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}
