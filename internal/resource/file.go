package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/roach88/stale/internal/digest"
)

// File is a local file or directory.
type File struct {
	address string
	path    string
}

// NewFile builds a file resource. Relative paths are resolved against baseDir.
func NewFile(address, locator, baseDir string) (*File, error) {
	if locator == "" {
		return nil, Malformed(address, "empty path in")
	}
	path := filepath.FromSlash(locator)
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	return &File{address: address, path: filepath.Clean(path)}, nil
}

func (f *File) Address() string { return f.address }
func (f *File) Scheme() string  { return "file" }

// Path returns the filesystem path the address points to.
func (f *File) Path() string { return f.path }

func (f *File) Exists(ctx context.Context) (bool, error) {
	_, err := os.Lstat(f.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", f.address, err)
}

// Signature hashes file content. A directory hashes the relative path and
// content of every regular file below it, in lexical order.
func (f *File) Signature(ctx context.Context) (string, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("signature of %s: %w", f.address, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("signature of %s: %w", f.address, err)
	}

	d := digest.New(digest.DomainFile)
	if !info.IsDir() {
		if err := hashFile(d, f.path, info.Size()); err != nil {
			return "", fmt.Errorf("signature of %s: %w", f.address, err)
		}
		return d.Sum(), nil
	}

	// WalkDir visits entries in lexical order, which makes the digest stable.
	err = filepath.WalkDir(f.path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(f.path, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		d.WriteString(filepath.ToSlash(rel))
		return hashFile(d, path, info.Size())
	})
	if err != nil {
		return "", fmt.Errorf("signature of %s: %w", f.address, err)
	}
	return d.Sum(), nil
}

func hashFile(d *digest.Hasher, path string, size int64) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return d.WriteFrom(fh, size)
}

// Remove deletes the file or the whole directory tree.
func (f *File) Remove(ctx context.Context) error {
	if _, err := os.Lstat(f.path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.address, ErrNotFound)
	}
	if err := os.RemoveAll(f.path); err != nil {
		return fmt.Errorf("remove %s: %w", f.address, err)
	}
	return nil
}
