// Package scratch persists chunk bytes to local disk with an atomic
// write-then-rename and computes their digest in-stream. It is oblivious
// to sessions and strategies; it is a pure cache layer keyed by
// (session, index), the way the teacher's BlobStorage is oblivious to
// tenants and repositories and is keyed only by (tenant, repo, artifact).
package scratch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/securestor/securestor/internal/logger"
)

// Store is the root of the scratch disk tree.
type Store struct {
	root   string
	logger *logger.Logger
}

// Result is what a successful chunk write produces.
type Result struct {
	ScratchPath string
	ByteCount   int64
	Digest      string
}

// New creates a scratch Store rooted at dir, creating it if absent.
func New(dir string, l *logger.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("scratch root is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch root: %w", err)
	}
	return &Store{root: dir, logger: l}, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) chunkDir(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "chunks")
}

// ChunkPath returns the path a chunk occupies once durably staged.
func (s *Store) ChunkPath(sessionID string, index int) string {
	return filepath.Join(s.chunkDir(sessionID), fmt.Sprintf("chunk-%05d", index))
}

func (s *Store) partialPath(sessionID string, index int) string {
	return s.ChunkPath(sessionID, index) + ".partial"
}

// WriteChunk stages reader's bytes for (sessionID, index): writes to
// "<path>.partial", flushes and closes it, then renames it into place.
// A crash between write and rename leaves nothing at the final path, so
// the session is left consistent (spec.md section 4.3).
func (s *Store) WriteChunk(sessionID string, index int, reader io.Reader) (*Result, error) {
	dir := s.chunkDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	partial := s.partialPath(sessionID, index)
	final := s.ChunkPath(sessionID, index)

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial chunk file: %w", err)
	}

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)
	n, copyErr := io.Copy(f, tee)
	if copyErr != nil {
		f.Close()
		s.RemovePartial(sessionID, index)
		return nil, fmt.Errorf("failed to write chunk: %w", copyErr)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.RemovePartial(sessionID, index)
		return nil, fmt.Errorf("failed to flush chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		s.RemovePartial(sessionID, index)
		return nil, fmt.Errorf("failed to close chunk: %w", err)
	}

	if err := os.Rename(partial, final); err != nil {
		s.RemovePartial(sessionID, index)
		return nil, fmt.Errorf("failed to rename chunk into place: %w", err)
	}

	return &Result{
		ScratchPath: final,
		ByteCount:   n,
		Digest:      hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// RemovePartial deletes an orphaned ".partial" file left by a copy error
// inside WriteChunk, before the rename into place happened.
func (s *Store) RemovePartial(sessionID string, index int) {
	os.Remove(s.partialPath(sessionID, index))
}

// RemoveChunk deletes a chunk already renamed into its final path. Used
// when a chunk fails an integrity check (checksum or size mismatch)
// discovered after WriteChunk has already staged it, so no orphan is left
// at the final chunk path.
func (s *Store) RemoveChunk(sessionID string, index int) {
	os.Remove(s.ChunkPath(sessionID, index))
}

// Open opens a previously staged chunk for reading.
func (s *Store) Open(sessionID string, index int) (*os.File, error) {
	return os.Open(s.ChunkPath(sessionID, index))
}

// Stat reports the size of a previously staged chunk.
func (s *Store) Stat(sessionID string, index int) (int64, error) {
	info, err := os.Stat(s.ChunkPath(sessionID, index))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// RemoveSession deletes the entire session subtree. It must succeed even
// if partially populated and is safe to call more than once.
func (s *Store) RemoveSession(sessionID string) error {
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to remove scratch session: %w", err)
	}
	return nil
}
