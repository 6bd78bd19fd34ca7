package models

import (
	"time"
)

// Strategy names the remote materialization strategy chosen for a session.
type Strategy string

const (
	StrategyRepoChunks   Strategy = "repo-chunks"
	StrategyReleaseAsset Strategy = "release-asset"
	StrategyInlineBlob   Strategy = "inline-blob"
	StrategyGitLFS       Strategy = "git-lfs"
)

// Status is the UploadSession lifecycle state (spec.md section 4.2).
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusAborted     Status = "aborted"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further mutable-field transition is legal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// UploadSession is the durable row backing one resumable upload.
type UploadSession struct {
	ID              string     `json:"upload_id"`
	OwnerID         string     `json:"owner_id"`
	Filename        string     `json:"filename"`
	DeclaredSize    int64      `json:"declared_size"`
	MimeHint        string     `json:"mime_hint"`
	TargetPath      string     `json:"target_path"`
	ChunkSize       int64      `json:"chunk_size"`
	TotalChunks     int        `json:"total_chunks"`
	Strategy        Strategy   `json:"strategy"`
	RemoteRepo      string     `json:"remote_repo"`
	Status          Status     `json:"status"`
	ReceivedChunks  int        `json:"received_chunks"`
	ReceivedBytes   int64      `json:"received_bytes"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ManifestPath    string     `json:"manifest_path,omitempty"`
	FinalBlobPath   string     `json:"final_blob_path,omitempty"`
	FinalFileID     string     `json:"final_file_id,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NextExpectedChunk is the single integer resume clients re-derive an
// offset from (spec.md section 4.2, "Resumption contract").
func (s *UploadSession) NextExpectedChunk() int {
	return s.ReceivedChunks
}

// Expired reports whether the session has passed its expiration without
// reaching a terminal status.
func (s *UploadSession) Expired(now time.Time) bool {
	return !s.Status.IsTerminal() && now.After(s.ExpiresAt)
}

// ChunkRecord is one successfully staged chunk, uniquely keyed by
// (session_id, chunk_index).
type ChunkRecord struct {
	SessionID      string    `json:"session_id"`
	Index          int       `json:"index"`
	Size           int64     `json:"size"`
	ClientDigest   string    `json:"client_digest,omitempty"`
	ServerDigest   string    `json:"server_digest"`
	ScratchPath    string    `json:"scratch_path"`
	ReceivedAt     time.Time `json:"received_at"`
}

// FileRecord is created once at successful finalization.
type FileRecord struct {
	ID             string                 `json:"file_id"`
	OwnerID        string                 `json:"owner_id"`
	DisplayName    string                 `json:"display_name"`
	LogicalPath    string                 `json:"logical_path"`
	RemoteRepo     string                 `json:"remote_repo"`
	BlobReference  string                 `json:"blob_reference"`
	Strategy       Strategy               `json:"strategy"`
	StrategyMeta   map[string]interface{} `json:"strategy_metadata"`
	Size           int64                  `json:"size"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ChunkManifestEntry is one chunk's row within the repo-chunks manifest.
type ChunkManifestEntry struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Path     string `json:"path"`
}

// ChunkManifest is the canonical JSON document written alongside a
// repo-chunks strategy upload (spec.md section 6).
type ChunkManifest struct {
	SchemaVersion string                `json:"schemaVersion"`
	Strategy      string                `json:"strategy"`
	UploadID      string                `json:"uploadId"`
	UserID        string                `json:"userId"`
	FileName      string                `json:"fileName"`
	SizeBytes     int64                 `json:"sizeBytes"`
	ChunkSize     int64                 `json:"chunkSize"`
	TotalChunks   int                   `json:"totalChunks"`
	ChunksPath    string                `json:"chunksPath"`
	Chunks        []ChunkManifestEntry  `json:"chunks"`
	CreatedAt     string                `json:"createdAt"`
}

const ManifestSchemaVersion = "2024-11-01"
