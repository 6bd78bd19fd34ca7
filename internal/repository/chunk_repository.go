package repository

import (
	"database/sql"
	"fmt"

	"github.com/securestor/securestor/internal/models"
)

// ChunkRepository is the durable row-level store for ChunkRecord.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// RecordChunk upserts a chunk row keyed by (session_id, index). A replay
// of an already-recorded chunk is tolerated as a no-op, the same
// duplicate-as-success idiom as the teacher's
// ArtifactRepository.CreateOrUpdate.
func (r *ChunkRepository) RecordChunk(c *models.ChunkRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO upload_chunks (upload_id, chunk_index, size, client_digest, server_digest, scratch_path, received_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (upload_id, chunk_index) DO NOTHING
	`, c.SessionID, c.Index, c.Size, c.ClientDigest, c.ServerDigest, c.ScratchPath, c.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}
	return nil
}

// ListChunks returns all chunk records for a session, ordered by index.
func (r *ChunkRepository) ListChunks(sessionID string) ([]models.ChunkRecord, error) {
	rows, err := r.db.Query(`
		SELECT upload_id, chunk_index, size, COALESCE(client_digest, ''), server_digest, scratch_path, received_at
		FROM upload_chunks WHERE upload_id = $1 ORDER BY chunk_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.ChunkRecord
	for rows.Next() {
		var c models.ChunkRecord
		if err := rows.Scan(&c.SessionID, &c.Index, &c.Size, &c.ClientDigest, &c.ServerDigest, &c.ScratchPath, &c.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk rows: %w", err)
	}
	return chunks, nil
}

// DeleteAll removes every chunk row for a session, used on abort.
func (r *ChunkRepository) DeleteAll(sessionID string) error {
	_, err := r.db.Exec(`DELETE FROM upload_chunks WHERE upload_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete chunk rows: %w", err)
	}
	return nil
}
