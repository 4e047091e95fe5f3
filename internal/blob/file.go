package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File keeps objects under a local directory.
type File struct {
	dir    string
	prefix string
}

// NewFile stores objects below dir. urlPrefix is the public base for returned
// URLs; when empty, file:// URLs of the absolute directory are used.
func NewFile(dir, urlPrefix string) (*File, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob dir: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = "file://" + filepath.ToSlash(abs)
	}
	return &File{dir: abs, prefix: strings.TrimRight(urlPrefix, "/")}, nil
}

func (f *File) URL(key string) string { return f.prefix + "/" + key }

func (f *File) Key(url string) (string, error) { return keyFromURL(f.prefix, url) }

func (f *File) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(f.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return f.URL(key), nil
}

func (f *File) Get(_ context.Context, url string) ([]byte, error) {
	key, err := f.Key(url)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return b, err
}

func (f *File) Delete(_ context.Context, url string) (bool, error) {
	key, err := f.Key(url)
	if err != nil {
		return false, err
	}
	err = os.Remove(filepath.Join(f.dir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
