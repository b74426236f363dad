// Package file implements the object store on a local directory.
//
// Keys are relative slash paths under BaseDir. The filesystem carries no
// object metadata, so a ".gz" suffix stands in for gzip content encoding.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/geoxfer/pkg/objectstore"
)

// Store implements objectstore.Store for local filesystem paths.
type Store struct {
	baseDir string
}

var _ objectstore.Store = (*Store)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts objectstore.PutOptions) error {
	_ = ctx
	_ = size
	_ = opts
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "geoxfer-put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, *objectstore.Entry, error) {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return nil, nil, s.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, nil, s.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, s.wrapError("Get", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, nil, &objectstore.Error{Op: "Get", Store: objectstore.TypeFile, Key: key, Err: objectstore.ErrNotFound}
	}
	e := s.entry(strings.TrimPrefix(key, "/"), st)
	return f, &e, nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]objectstore.Entry, error) {
	_ = ctx
	prefix = strings.TrimPrefix(prefix, "/")

	// Walk from the directory part of the prefix, then filter by the full prefix.
	dir := prefix
	if !strings.HasSuffix(dir, "/") {
		dir = filepath.ToSlash(filepath.Dir(dir))
		if dir == "." {
			dir = ""
		}
	}
	root, err := s.fullPath(dir)
	if err != nil {
		return nil, s.wrapError("Scan", prefix, err)
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []objectstore.Entry{}, nil
		}
		return nil, s.wrapError("Scan", prefix, err)
	}

	var out []objectstore.Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), "geoxfer-put-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, s.entry(key, info))
		return nil
	})
	if err != nil {
		return nil, s.wrapError("Scan", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) DeleteTree(ctx context.Context, prefix string) error {
	entries, err := s.Scan(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full, err := s.fullPath(e.Key)
		if err != nil {
			return s.wrapError("DeleteTree", e.Key, err)
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return s.wrapError("DeleteTree", e.Key, err)
		}
	}
	if strings.HasSuffix(prefix, "/") {
		if full, err := s.fullPath(prefix); err == nil && full != s.baseDir {
			_ = os.RemoveAll(full)
		}
	}
	return nil
}

func (s *Store) entry(key string, info fs.FileInfo) objectstore.Entry {
	e := objectstore.Entry{Key: key, Size: info.Size(), LastModified: info.ModTime()}
	if strings.HasSuffix(strings.ToLower(key), ".gz") {
		e.ContentEncoding = "gzip"
	}
	return e
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &objectstore.Error{Op: op, Store: objectstore.TypeFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = objectstore.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = objectstore.ErrAccessDenied
	}
	return wrapped
}
