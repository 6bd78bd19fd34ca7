package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UploadAuditRepository records one row per finalize/abort call, a
// supplemented feature grounded on the teacher's AuditRepository /
// audit_logs table (internal/repository/audit_repository.go).
type UploadAuditRepository struct {
	db *sql.DB
}

func NewUploadAuditRepository(db *sql.DB) *UploadAuditRepository {
	return &UploadAuditRepository{db: db}
}

// Record appends an audit row; failures here never block the upload
// operation itself, mirroring the teacher's "best effort" audit logging.
func (r *UploadAuditRepository) Record(ctx context.Context, sessionID, ownerID, action, result, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_audit_log (upload_id, owner_id, action, result, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sessionID, ownerID, action, result, detail, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record upload audit entry: %w", err)
	}
	return nil
}
