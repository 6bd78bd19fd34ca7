package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/securestor/securestor/internal/models"
)

// FileRepository is the durable row-level store for FileRecord.
type FileRepository struct {
	db *sql.DB
}

func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

// InsertFileRecord creates the FileRecord a completed session points to.
func (r *FileRepository) InsertFileRecord(f *models.FileRecord) (string, error) {
	metaJSON, err := json.Marshal(f.StrategyMeta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal strategy metadata: %w", err)
	}

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now()

	_, err = r.db.Exec(`
		INSERT INTO files (file_id, owner_id, display_name, logical_path, remote_repo, blob_reference, strategy, strategy_metadata, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, f.ID, f.OwnerID, f.DisplayName, f.LogicalPath, f.RemoteRepo, f.BlobReference, string(f.Strategy), metaJSON, f.Size, f.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert file record: %w", err)
	}
	return f.ID, nil
}

// GetByID reads a FileRecord back, used to make finalize idempotent on replay.
func (r *FileRepository) GetByID(fileID string) (*models.FileRecord, error) {
	f := &models.FileRecord{}
	var strategyStr string
	var metaJSON []byte

	err := r.db.QueryRow(`
		SELECT file_id, owner_id, display_name, logical_path, remote_repo, blob_reference, strategy, strategy_metadata, size, created_at
		FROM files WHERE file_id = $1
	`, fileID).Scan(&f.ID, &f.OwnerID, &f.DisplayName, &f.LogicalPath, &f.RemoteRepo, &f.BlobReference, &strategyStr, &metaJSON, &f.Size, &f.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	f.Strategy = models.Strategy(strategyStr)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &f.StrategyMeta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal strategy metadata: %w", err)
		}
	}
	return f, nil
}
