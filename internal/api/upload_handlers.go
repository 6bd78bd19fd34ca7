package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/securestor/securestor/internal/logger"
	"github.com/securestor/securestor/internal/middleware"
	"github.com/securestor/securestor/internal/models"
	"github.com/securestor/securestor/internal/sessionerr"
)

// SessionService is the subset of *session.Service an UploadHandler
// drives, so handlers can be tested against a fake instead of a
// database- and Redis-backed Service.
type SessionService interface {
	Init(ctx context.Context, ownerID, filename string, size int64, mimeHint, targetPath, remoteRepo string) (*models.UploadSession, error)
	PutChunk(ctx context.Context, sessionID, ownerID string, index int, clientDigest string, body io.Reader) (receivedChunk int, nextChunk int, isComplete bool, err error)
	Finalize(ctx context.Context, sessionID, ownerID string) (*models.FileRecord, error)
	Abort(ctx context.Context, sessionID, ownerID string) error
	Status(ctx context.Context, sessionID, ownerID string) (*models.UploadSession, error)
}

// AuditRecorder appends one row per finalize/abort call; a nil
// AuditRecorder is valid and silently skips recording.
type AuditRecorder interface {
	Record(ctx context.Context, sessionID, ownerID, action, result, detail string) error
}

// UploadHandler adapts the Session Service to Gin, grounded on the
// teacher's chunked_upload_handler.go request/response shapes
// (handleInitiateChunkedUpload, handleUploadChunk,
// handleCompleteChunkedUpload, handleGetUploadProgress) but delegating
// state entirely to the Session Service instead of an in-memory map.
type UploadHandler struct {
	sessions   SessionService
	remoteRepo string
	audit      AuditRecorder
	logger     *logger.Logger
}

func NewUploadHandler(sessions SessionService, remoteRepo string, audit AuditRecorder, l *logger.Logger) *UploadHandler {
	return &UploadHandler{sessions: sessions, remoteRepo: remoteRepo, audit: audit, logger: l}
}

// recordAudit is best-effort: a logging failure must never fail the
// finalize/abort call it is describing, mirroring the teacher's
// audit_middleware.go treatment of its own audit writes.
func (h *UploadHandler) recordAudit(ctx context.Context, sessionID, ownerID, action, result, detail string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, sessionID, ownerID, action, result, detail); err != nil && h.logger != nil {
		h.logger.Printf("failed to record upload audit entry for session %s: %v", sessionID, err)
	}
}

type initRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Folder   string `json:"folder"`
}

type initResponse struct {
	UploadID      string `json:"uploadId"`
	ChunkSize     int64  `json:"chunkSize"`
	TotalChunks   int    `json:"totalChunks"`
	Strategy      string `json:"strategy"`
	RepoName      string `json:"repoName"`
	MaxUploadSize int64  `json:"maxUploadSize"`
	ExpiresAt     string `json:"expiresAt"`
}

// HandleInit handles POST /uploads/init.
func (h *UploadHandler) HandleInit(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, err := h.sessions.Init(c.Request.Context(), middleware.OwnerID(c), req.Filename, req.Size, req.MimeType, req.Folder, h.remoteRepo)
	if err != nil {
		writeSessionErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, initResponse{
		UploadID:      sess.ID,
		ChunkSize:     sess.ChunkSize,
		TotalChunks:   sess.TotalChunks,
		Strategy:      string(sess.Strategy),
		RepoName:      sess.RemoteRepo,
		MaxUploadSize: req.Size, // echoes the accepted size; policy max is enforced server-side
		ExpiresAt:     sess.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

const (
	headerChunkIndex    = "X-Chunk-Index"
	headerChunkChecksum = "X-Chunk-Checksum"
)

type chunkResponse struct {
	ReceivedChunk  int  `json:"receivedChunk"`
	NextChunkIndex int  `json:"nextChunkIndex"`
	IsComplete     bool `json:"isComplete"`
}

// HandlePutChunk handles POST /uploads/{id}/chunks. The body is streamed
// straight into the Session Service rather than buffered here. No byte
// limit is applied while reading; the Session Service rejects a chunk of
// the wrong size after it has been staged.
func (h *UploadHandler) HandlePutChunk(c *gin.Context) {
	uploadID := c.Param("id")

	indexStr := c.GetHeader(headerChunkIndex)
	if indexStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Chunk-Index header is required"})
		return
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid X-Chunk-Index header"})
		return
	}

	checksum := c.GetHeader(headerChunkChecksum)

	received, next, complete, err := h.sessions.PutChunk(c.Request.Context(), uploadID, middleware.OwnerID(c), index, checksum, c.Request.Body)
	if err != nil {
		writeSessionErr(c, err)
		return
	}

	c.JSON(http.StatusOK, chunkResponse{
		ReceivedChunk:  received,
		NextChunkIndex: next,
		IsComplete:     complete,
	})
}

type finalizeResponse struct {
	FileID      string `json:"fileId"`
	Path        string `json:"path"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	CompletedAt string `json:"completedAt"`
}

// HandleFinalize handles POST /uploads/{id}/finalize.
func (h *UploadHandler) HandleFinalize(c *gin.Context) {
	uploadID := c.Param("id")

	ownerID := middleware.OwnerID(c)
	file, err := h.sessions.Finalize(c.Request.Context(), uploadID, ownerID)
	if err != nil {
		h.recordAudit(c.Request.Context(), uploadID, ownerID, "finalize", "failed", err.Error())
		writeSessionErr(c, err)
		return
	}
	h.recordAudit(c.Request.Context(), uploadID, ownerID, "finalize", "succeeded", file.ID)

	c.JSON(http.StatusOK, finalizeResponse{
		FileID:      file.ID,
		Path:        file.LogicalPath,
		Name:        file.DisplayName,
		Size:        file.Size,
		CompletedAt: file.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// HandleAbort handles POST /uploads/{id}/abort.
func (h *UploadHandler) HandleAbort(c *gin.Context) {
	uploadID := c.Param("id")
	ownerID := middleware.OwnerID(c)

	if err := h.sessions.Abort(c.Request.Context(), uploadID, ownerID); err != nil {
		h.recordAudit(c.Request.Context(), uploadID, ownerID, "abort", "failed", err.Error())
		writeSessionErr(c, err)
		return
	}
	h.recordAudit(c.Request.Context(), uploadID, ownerID, "abort", "succeeded", "")

	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

type statusResponse struct {
	UploadID       string `json:"uploadId"`
	Status         string `json:"status"`
	Strategy       string `json:"strategy"`
	ReceivedBytes  int64  `json:"receivedBytes"`
	ReceivedChunks int    `json:"receivedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	ChunkSize      int64  `json:"chunkSize"`
	NextChunk      int    `json:"nextChunk"`
}

// HandleStatus handles GET /uploads/{id}.
func (h *UploadHandler) HandleStatus(c *gin.Context) {
	uploadID := c.Param("id")

	sess, err := h.sessions.Status(c.Request.Context(), uploadID, middleware.OwnerID(c))
	if err != nil {
		writeSessionErr(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		UploadID:       sess.ID,
		Status:         string(sess.Status),
		Strategy:       string(sess.Strategy),
		ReceivedBytes:  sess.ReceivedBytes,
		ReceivedChunks: sess.ReceivedChunks,
		TotalChunks:    sess.TotalChunks,
		ChunkSize:      sess.ChunkSize,
		NextChunk:      sess.NextExpectedChunk(),
	})
}

// writeSessionErr maps a sessionerr.Kind to the HTTP status spec.md
// section 7 assigns it; any other error is treated as infrastructure.
func writeSessionErr(c *gin.Context, err error) {
	if se, ok := sessionerr.As(err); ok {
		c.JSON(sessionerr.HTTPStatus(se.Kind), gin.H{"error": se.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
