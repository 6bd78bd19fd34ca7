package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/securestor/securestor/internal/models"
)

// ErrNotFound mirrors the sql.ErrNoRows-to-domain-error translation the
// teacher's ArtifactRepository.GetByID performs.
var ErrNotFound = fmt.Errorf("upload session not found")

// ErrOutOfOrder is returned by AdvanceProgress when the conditional
// update's WHERE clause matched zero rows (spec.md section 4.4).
var ErrOutOfOrder = fmt.Errorf("out of order")

// UploadRepository is the durable row-level store for UploadSession.
type UploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// CreateSession inserts a new session row in status "pending".
func (r *UploadRepository) CreateSession(s *models.UploadSession) error {
	query := `
		INSERT INTO uploads (
			upload_id, owner_id, filename, declared_size, mime_hint, target_path,
			chunk_size, total_chunks, strategy, remote_repo, status,
			received_chunks, received_bytes, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	now := time.Now()
	s.Status = models.StatusPending
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.Exec(query,
		s.ID, s.OwnerID, s.Filename, s.DeclaredSize, s.MimeHint, s.TargetPath,
		s.ChunkSize, s.TotalChunks, string(s.Strategy), s.RemoteRepo, string(s.Status),
		s.ReceivedChunks, s.ReceivedBytes, s.ExpiresAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// GetSession reads a session row scoped to its owner.
func (r *UploadRepository) GetSession(sessionID, ownerID string) (*models.UploadSession, error) {
	query := `
		SELECT upload_id, owner_id, filename, declared_size, mime_hint, target_path,
		       chunk_size, total_chunks, strategy, remote_repo, status,
		       received_chunks, received_bytes, COALESCE(error_message, ''),
		       COALESCE(manifest_path, ''), COALESCE(final_blob_path, ''), COALESCE(final_file_id, ''),
		       expires_at, created_at, updated_at, completed_at
		FROM uploads
		WHERE upload_id = $1 AND owner_id = $2
	`
	s := &models.UploadSession{}
	var strategy, status string
	var completedAt sql.NullTime

	err := r.db.QueryRow(query, sessionID, ownerID).Scan(
		&s.ID, &s.OwnerID, &s.Filename, &s.DeclaredSize, &s.MimeHint, &s.TargetPath,
		&s.ChunkSize, &s.TotalChunks, &strategy, &s.RemoteRepo, &status,
		&s.ReceivedChunks, &s.ReceivedBytes, &s.ErrorMessage,
		&s.ManifestPath, &s.FinalBlobPath, &s.FinalFileID,
		&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	s.Strategy = models.Strategy(strategy)
	s.Status = models.Status(status)
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}

// UpdateStatus performs an unconditional status transition, used for
// transitions that do not race with chunk writes (abort, the move to
// processing at finalize, and every edge to failed), all made while the
// session's lock is held. The edge to completed is made by LinkFile.
func (r *UploadRepository) UpdateStatus(sessionID string, status models.Status, errMessage string) error {
	_, err := r.db.Exec(
		`UPDATE uploads SET status = $1, error_message = NULLIF($2, ''), updated_at = $3 WHERE upload_id = $4`,
		string(status), errMessage, time.Now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update upload session status: %w", err)
	}
	return nil
}

// AdvanceProgress is the conditional update that is the crux of
// single-session ordering under concurrency (spec.md section 4.4): it
// only succeeds when the session's current received_chunks equals
// expectedIndex and status is pending or in_progress.
func (r *UploadRepository) AdvanceProgress(sessionID string, expectedIndex int, chunkBytes int64) error {
	result, err := r.db.Exec(`
		UPDATE uploads
		SET received_chunks = received_chunks + 1,
		    received_bytes = received_bytes + $1,
		    status = CASE WHEN status = 'pending' THEN 'in_progress' ELSE status END,
		    updated_at = $2
		WHERE upload_id = $3 AND received_chunks = $4 AND status IN ('pending', 'in_progress')
	`, chunkBytes, time.Now(), sessionID, expectedIndex)
	if err != nil {
		return fmt.Errorf("failed to advance upload progress: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrOutOfOrder
	}
	return nil
}

// SetManifestPath records where the repo-chunks manifest was written.
func (r *UploadRepository) SetManifestPath(sessionID, path string) error {
	_, err := r.db.Exec(`UPDATE uploads SET manifest_path = $1, updated_at = $2 WHERE upload_id = $3`,
		path, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set manifest path: %w", err)
	}
	return nil
}

// LinkFile marks the session completed and points it at its FileRecord.
// It is idempotent: re-running it against an already-completed session
// with the same file id is a no-op success (spec.md section 4.4).
func (r *UploadRepository) LinkFile(sessionID, fileID, blobPath string) error {
	_, err := r.db.Exec(`
		UPDATE uploads
		SET final_file_id = $1, final_blob_path = $2, status = 'completed',
		    completed_at = COALESCE(completed_at, $3), updated_at = $3
		WHERE upload_id = $4
	`, fileID, blobPath, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to link file to upload session: %w", err)
	}
	return nil
}

// ResetChunks zeroes a session's progress counters. The Session
// Service's abort path does not call it: an aborted session keeps its
// received counts, and only its upload_chunks rows are removed (by
// ChunkRepository.DeleteAll).
func (r *UploadRepository) ResetChunks(sessionID string) error {
	_, err := r.db.Exec(`UPDATE uploads SET received_chunks = 0, received_bytes = 0, updated_at = $1 WHERE upload_id = $2`,
		time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to reset upload progress: %w", err)
	}
	return nil
}

// CountActiveSessions supports the supplemented /uploads/stats endpoint.
func (r *UploadRepository) CountActiveSessions() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM uploads WHERE status IN ('pending', 'in_progress', 'processing')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// OldestPendingAge supports the supplemented /uploads/stats endpoint.
func (r *UploadRepository) OldestPendingAge() (time.Duration, error) {
	var createdAt sql.NullTime
	err := r.db.QueryRow(`
		SELECT MIN(created_at) FROM uploads WHERE status IN ('pending', 'in_progress')
	`).Scan(&createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to query oldest pending session: %w", err)
	}
	if !createdAt.Valid {
		return 0, nil
	}
	return time.Since(createdAt.Time), nil
}
