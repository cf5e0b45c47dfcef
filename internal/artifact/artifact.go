// SPDX-License-Identifier: MIT

// Package artifact manages the shared output directory. Every completed job
// produces exactly one MP4 at OUTPUT_DIR/{job_id}.mp4, published atomically
// so readers never observe a partial file.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ErrNotFound is returned when a job has no artifact on disk.
var ErrNotFound = errors.New("artifact not found")

// Store roots artifact paths under a single output directory.
type Store struct {
	dir string
}

// NewStore ensures the output directory exists and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir %s: %w", dir, err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the artifact root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the canonical artifact path for a job id. Ids containing
// path separators are rejected to keep every artifact confined to the root.
func (s *Store) Path(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(s.dir, jobID+".mp4"), nil
}

// Publish copies the generator's output into place with full durability
// guarantees: write to temp, fsync, atomic rename. Returns the final path.
func (s *Store) Publish(jobID, srcPath string) (string, error) {
	dst, err := s.Path(jobID)
	if err != nil {
		return "", err
	}

	src, err := os.Open(srcPath) // #nosec G304 -- srcPath comes from our own generator scratch dir
	if err != nil {
		return "", fmt.Errorf("open generator output: %w", err)
	}
	defer func() { _ = src.Close() }()

	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return "", fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, src); err != nil {
		return "", fmt.Errorf("write artifact data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("atomically replace artifact: %w", err)
	}

	// The scratch copy is no longer needed.
	_ = os.Remove(srcPath)

	return dst, nil
}

// Open returns a reader over a published artifact plus its size.
func (s *Store) Open(jobID string) (io.ReadSeekCloser, int64, error) {
	path, err := s.Path(jobID)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path) // #nosec G304 -- path is confined by Path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("artifact for job %s: %w", jobID, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// Exists reports whether a published artifact is present and readable.
func (s *Store) Exists(jobID string) bool {
	path, err := s.Path(jobID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the artifact for a job id, if present.
func (s *Store) Remove(jobID string) error {
	path, err := s.Path(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// ScratchPath returns a temp path inside the artifact root for the generator
// to write into before Publish. Same filesystem, so the final rename stays
// atomic.
func (s *Store) ScratchPath(jobID string) (string, error) {
	if _, err := s.Path(jobID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, "."+jobID+".partial"), nil
}
