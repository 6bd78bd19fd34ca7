package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// RunMigrations creates the upload-core schema: uploads, upload_chunks,
// files, and upload_audit_log. Grounded on the teacher's
// advisory-lock-guarded, CREATE-TABLE-IF-NOT-EXISTS migration runner.
func RunMigrations(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("Starting upload-core database migrations...")

	// Lock ID: 247810991 (arbitrary but consistent), same pattern the
	// teacher uses to prevent concurrent migrations across replicas.
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock(247810991)"); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := db.Exec("SELECT pg_advisory_unlock(247810991)"); err != nil {
			log.Printf("WARNING: failed to release migration lock: %v", err)
		}
	}()

	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		log.Printf("WARNING: uuid extension already exists or error: %v", err)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS uploads (
			upload_id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			filename VARCHAR(1024) NOT NULL,
			declared_size BIGINT NOT NULL,
			mime_hint VARCHAR(255),
			target_path TEXT,
			chunk_size BIGINT NOT NULL,
			total_chunks INTEGER NOT NULL,
			strategy VARCHAR(32) NOT NULL,
			remote_repo VARCHAR(512) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			received_chunks INTEGER NOT NULL DEFAULT 0,
			received_bytes BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			manifest_path TEXT,
			final_blob_path TEXT,
			final_file_id VARCHAR(64),
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_uploads_owner ON uploads(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_expires_at ON uploads(expires_at)`,

		`CREATE TABLE IF NOT EXISTS upload_chunks (
			upload_id VARCHAR(64) NOT NULL REFERENCES uploads(upload_id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			size BIGINT NOT NULL,
			client_digest VARCHAR(64),
			server_digest VARCHAR(64) NOT NULL,
			scratch_path TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (upload_id, chunk_index)
		)`,

		`CREATE TABLE IF NOT EXISTS files (
			file_id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			display_name VARCHAR(1024) NOT NULL,
			logical_path TEXT,
			remote_repo VARCHAR(512) NOT NULL,
			blob_reference TEXT NOT NULL,
			strategy VARCHAR(32) NOT NULL,
			strategy_metadata JSONB DEFAULT '{}',
			size BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id)`,

		`CREATE TABLE IF NOT EXISTS upload_audit_log (
			id BIGSERIAL PRIMARY KEY,
			upload_id VARCHAR(64) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			action VARCHAR(32) NOT NULL,
			result VARCHAR(32) NOT NULL,
			detail TEXT,
			occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_upload_audit_log_upload ON upload_audit_log(upload_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w\nSQL: %s", i, err, migration)
		}
	}

	log.Println("Upload-core database migrations completed successfully")
	return nil
}
