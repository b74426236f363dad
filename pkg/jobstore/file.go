package jobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/3leaps/geoxfer/pkg/job"
)

// FileBackend stores one record per job in a directory tree.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//
// Root is expected to be under the app data dir.
type FileBackend struct {
	root string
	mu   sync.RWMutex
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a backend rooted at root.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: strings.TrimSpace(root)}
}

// RootDir returns the backend root.
func (s *FileBackend) RootDir() string { return s.root }

func (s *FileBackend) jobDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FileBackend) jobPath(id string) string {
	return filepath.Join(s.jobDir(id), "job.json")
}

func (s *FileBackend) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	return os.MkdirAll(s.root, 0755)
}

func validID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid job id %q", id)
	}
	return nil
}

// Put writes the job atomically via temp file and rename.
func (s *FileBackend) Put(ctx context.Context, j *job.Job) error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if err := validID(j.ID); err != nil {
		return err
	}
	b, err := Encode(j)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRoot(); err != nil {
		return err
	}
	dir := s.jobDir(j.ID)
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.jobPath(j.ID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get reads one job.
func (s *FileBackend) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

func (s *FileBackend) read(id string) (*job.Job, error) {
	b, err := os.ReadFile(s.jobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, fmt.Errorf("job.json of %s is empty", id)
	}
	return Decode(b)
}

// List returns matching jobs, newest first. Unreadable records are skipped.
func (s *FileBackend) List(ctx context.Context, f Filter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]*job.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j, err := s.read(entry.Name())
		if err != nil {
			continue
		}
		if f.Match(j) {
			out = append(out, j)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Delete removes the job's directory.
func (s *FileBackend) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.jobDir(id)); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close is a no-op.
func (s *FileBackend) Close() error { return nil }
