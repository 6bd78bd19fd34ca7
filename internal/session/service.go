// Package session implements the Session Service: the sole owner of
// UploadSession state transitions (spec.md section 4.2). It generalizes
// the teacher's ambient, per-process ChunkedUploadSession map into an
// explicit service whose mutable state lives only in the metadata store,
// guarded by a per-session mutex for same-process callers and a Redis
// lock for cross-process callers, the re-architecture spec.md section 9
// calls for.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/securestor/securestor/internal/logger"
	"github.com/securestor/securestor/internal/models"
	"github.com/securestor/securestor/internal/repository"
	"github.com/securestor/securestor/internal/scratch"
	"github.com/securestor/securestor/internal/sessionerr"
	"github.com/securestor/securestor/internal/strategy"
)

// Materializer turns a complete chunk set into a durable remote object
// and the metadata needed to create its FileRecord. Implemented by
// internal/materialize; declared here to avoid an import cycle between
// the service that calls it and the package that performs the work.
type Materializer interface {
	Materialize(ctx context.Context, s *models.UploadSession, chunks []models.ChunkRecord) (*MaterializeResult, error)
}

// MaterializeResult is everything the Session Service needs to build the
// FileRecord for a completed session.
type MaterializeResult struct {
	BlobReference string
	ManifestPath  string
	StrategyMeta  map[string]interface{}
}

// UploadRepo is the subset of repository.UploadRepository the service
// needs; declared as an interface so tests can substitute a fake instead
// of a live database/sql.DB.
type UploadRepo interface {
	CreateSession(s *models.UploadSession) error
	GetSession(sessionID, ownerID string) (*models.UploadSession, error)
	UpdateStatus(sessionID string, status models.Status, errMessage string) error
	AdvanceProgress(sessionID string, expectedIndex int, chunkBytes int64) error
	SetManifestPath(sessionID, path string) error
	LinkFile(sessionID, fileID, blobPath string) error
}

// ChunkRepo is the subset of repository.ChunkRepository the service needs.
type ChunkRepo interface {
	RecordChunk(c *models.ChunkRecord) error
	ListChunks(sessionID string) ([]models.ChunkRecord, error)
	DeleteAll(sessionID string) error
}

// FileRepo is the subset of repository.FileRepository the service needs.
type FileRepo interface {
	InsertFileRecord(f *models.FileRecord) (string, error)
	GetByID(fileID string) (*models.FileRecord, error)
}

// DistributedLock is the cross-process mutual-exclusion primitive used
// to serialize chunk writes for one session across multiple instances
// (spec.md section 4.2, "single-writer actor per session"). Implemented
// by internal/cache.RedisClient.
type DistributedLock interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

const lockTTL = 30 * time.Second

// Service is the single owner of every UploadSession state transition.
type Service struct {
	uploads      UploadRepo
	chunks       ChunkRepo
	files        FileRepo
	scratchStore *scratch.Store
	redis        DistributedLock
	materializer Materializer
	policy       strategy.Policy
	expiration   time.Duration
	logger       *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Service. expiration is how far past init a session that
// has not reached a terminal state is treated as failed (default 24h,
// per spec.md section 4.2). redis may be nil, in which case only the
// in-process lock serializes chunk writes (single-instance deployments).
func New(
	uploads UploadRepo,
	chunks ChunkRepo,
	files FileRepo,
	scratchStore *scratch.Store,
	redis DistributedLock,
	materializer Materializer,
	policy strategy.Policy,
	expiration time.Duration,
	l *logger.Logger,
) *Service {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &Service{
		uploads:      uploads,
		chunks:       chunks,
		files:        files,
		scratchStore: scratchStore,
		redis:        redis,
		materializer: materializer,
		policy:       policy,
		expiration:   expiration,
		logger:       l,
		locks:        make(map[string]*sync.Mutex),
	}
}

// sessionLock returns (creating if absent) the in-process mutex for a
// session id. This is the fast path; AcquireLock below additionally
// takes the cross-process Redis lock so two instances cannot race.
func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// withSessionLock serializes mutations on one session across goroutines
// in this process and, via Redis SETNX, across processes sharing the
// same metadata store (spec.md section 4.2, "Concurrency on a single
// session").
func (s *Service) withSessionLock(ctx context.Context, sessionID string, fn func() error) error {
	local := s.sessionLock(sessionID)
	local.Lock()
	defer local.Unlock()

	if s.redis != nil {
		lockKey := "upload-lock:" + sessionID
		ok, err := s.redis.AcquireLock(ctx, lockKey, lockTTL)
		if err != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to acquire session lock", err)
		}
		if !ok {
			return sessionerr.New(sessionerr.KindState, "session is being mutated by another request")
		}
		defer s.redis.ReleaseLock(ctx, lockKey)
	}

	return fn()
}

// Init creates a new session in status pending.
func (s *Service) Init(ctx context.Context, ownerID, filename string, size int64, mimeHint, targetPath, remoteRepo string) (*models.UploadSession, error) {
	if ownerID == "" {
		return nil, sessionerr.New(sessionerr.KindAuthorization, "missing owner id")
	}
	if filename == "" {
		return nil, sessionerr.New(sessionerr.KindValidation, "filename is required")
	}
	if size <= 0 {
		return nil, sessionerr.New(sessionerr.KindValidation, "size must be greater than zero")
	}
	if s.policy.MaxUploadSize > 0 && size > s.policy.MaxUploadSize {
		return nil, sessionerr.New(sessionerr.KindValidation, "size exceeds the maximum allowed upload size")
	}

	chunkSize := strategy.ChunkSize(size, s.policy)
	totalChunks := strategy.TotalChunks(size, chunkSize)
	strat := strategy.Select(size, s.policy)

	now := time.Now()
	sess := &models.UploadSession{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Filename:     filename,
		DeclaredSize: size,
		MimeHint:     mimeHint,
		TargetPath:   targetPath,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		Strategy:     strat,
		RemoteRepo:   remoteRepo,
		Status:       models.StatusPending,
		ExpiresAt:    now.Add(s.expiration),
	}

	if err := s.uploads.CreateSession(sess); err != nil {
		return nil, sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to create upload session", err)
	}
	return sess, nil
}

// load fetches a session scoped to its owner and applies the expiration
// rule: a non-terminal session past its expiration is marked failed on
// the next touch (spec.md section 4.2, "Expiration").
func (s *Service) load(sessionID, ownerID string) (*models.UploadSession, error) {
	sess, err := s.uploads.GetSession(sessionID, ownerID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, sessionerr.New(sessionerr.KindNotFound, "upload session not found")
		}
		return nil, sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to load upload session", err)
	}

	if sess.Expired(time.Now()) {
		_ = s.uploads.UpdateStatus(sess.ID, models.StatusFailed, "session expired before completion")
		_ = s.scratchStore.RemoveSession(sess.ID)
		sess.Status = models.StatusFailed
		return sess, sessionerr.New(sessionerr.KindExpired, "upload session has expired")
	}
	return sess, nil
}

// PutChunk stages one chunk's bytes and advances session progress.
// Ordering follows spec.md section 4.2 exactly: index == received_chunks
// is accepted, index < received_chunks is an idempotent success, index >
// received_chunks is rejected as out of order.
func (s *Service) PutChunk(ctx context.Context, sessionID, ownerID string, index int, clientDigest string, body io.Reader) (receivedChunk int, nextChunk int, isComplete bool, err error) {
	writeErr := s.withSessionLock(ctx, sessionID, func() error {
		sess, loadErr := s.load(sessionID, ownerID)
		if loadErr != nil {
			return loadErr
		}
		if sess.Status.IsTerminal() {
			return sessionerr.New(sessionerr.KindState, fmt.Sprintf("session is %s and cannot accept chunks", sess.Status))
		}
		if index < 0 || index >= sess.TotalChunks {
			return sessionerr.New(sessionerr.KindValidation, "chunk index out of range")
		}

		if index < sess.ReceivedChunks {
			// Idempotent replay: the client retried a chunk we already
			// advanced past. Report success without re-writing.
			receivedChunk = index
			nextChunk = sess.ReceivedChunks
			isComplete = sess.ReceivedChunks == sess.TotalChunks
			return nil
		}
		if index > sess.ReceivedChunks {
			return sessionerr.New(sessionerr.KindOrdering, "chunk index is ahead of the next expected index")
		}

		result, writeErr := s.scratchStore.WriteChunk(sessionID, index, body)
		if writeErr != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to write chunk to scratch store", writeErr)
		}

		if clientDigest != "" && !digestsEqual(clientDigest, result.Digest) {
			s.scratchStore.RemoveChunk(sessionID, index)
			return sessionerr.New(sessionerr.KindIntegrity, "checksum mismatch")
		}

		expectedSize := sess.ChunkSize
		if index == sess.TotalChunks-1 {
			expectedSize = sess.DeclaredSize - int64(index)*sess.ChunkSize
		}
		if result.ByteCount != expectedSize {
			s.scratchStore.RemoveChunk(sessionID, index)
			return sessionerr.New(sessionerr.KindIntegrity, "chunk size does not match the expected size for this position")
		}

		if err := s.chunks.RecordChunk(&models.ChunkRecord{
			SessionID:    sessionID,
			Index:        index,
			Size:         result.ByteCount,
			ClientDigest: clientDigest,
			ServerDigest: result.Digest,
			ScratchPath:  result.ScratchPath,
			ReceivedAt:   time.Now(),
		}); err != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to record chunk", err)
		}

		if err := s.uploads.AdvanceProgress(sessionID, index, result.ByteCount); err != nil {
			if err == repository.ErrOutOfOrder {
				return sessionerr.New(sessionerr.KindOrdering, "chunk index is ahead of the next expected index")
			}
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to advance upload progress", err)
		}

		receivedChunk = index
		nextChunk = index + 1
		isComplete = nextChunk == sess.TotalChunks
		return nil
	})
	if writeErr != nil {
		return 0, 0, false, writeErr
	}
	return receivedChunk, nextChunk, isComplete, nil
}

func digestsEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return a == b
}

// Finalize transitions a session with a complete chunk set through
// processing to completed (or failed), calling the Materializer exactly
// once per terminal outcome. It is idempotent: calling it again on an
// already-completed session returns the same FileRecord coordinates.
func (s *Service) Finalize(ctx context.Context, sessionID, ownerID string) (*models.FileRecord, error) {
	var file *models.FileRecord
	err := s.withSessionLock(ctx, sessionID, func() error {
		sess, loadErr := s.load(sessionID, ownerID)
		if loadErr != nil {
			return loadErr
		}

		if sess.Status == models.StatusCompleted {
			existing, getErr := s.files.GetByID(sess.FinalFileID)
			if getErr != nil {
				return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to reload completed file record", getErr)
			}
			file = existing
			return nil
		}
		if sess.Status == models.StatusAborted || sess.Status == models.StatusFailed {
			return sessionerr.New(sessionerr.KindState, fmt.Sprintf("session is %s and cannot be finalized", sess.Status))
		}
		if sess.ReceivedChunks != sess.TotalChunks {
			return sessionerr.New(sessionerr.KindIntegrity, "not all chunks have been received")
		}

		if err := s.uploads.UpdateStatus(sessionID, models.StatusProcessing, ""); err != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to mark session processing", err)
		}

		chunkList, err := s.chunks.ListChunks(sessionID)
		if err != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to list chunks", err)
		}
		if int64(len(chunkList)) != int64(sess.TotalChunks) {
			_ = s.uploads.UpdateStatus(sessionID, models.StatusFailed, "chunk count mismatch at finalize")
			return sessionerr.New(sessionerr.KindIntegrity, "chunk count mismatch at finalize")
		}
		var sum int64
		for _, c := range chunkList {
			sum += c.Size
		}
		if sum != sess.DeclaredSize {
			_ = s.uploads.UpdateStatus(sessionID, models.StatusFailed, "total byte count mismatch at finalize")
			return sessionerr.New(sessionerr.KindIntegrity, "total byte count mismatch at finalize")
		}

		result, err := s.materializer.Materialize(ctx, sess, chunkList)
		if err != nil {
			_ = s.uploads.UpdateStatus(sessionID, models.StatusFailed, err.Error())
			if se, ok := sessionerr.As(err); ok {
				return se
			}
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "materialization failed", err)
		}

		fileID, err := s.files.InsertFileRecord(&models.FileRecord{
			OwnerID:       sess.OwnerID,
			DisplayName:   sess.Filename,
			LogicalPath:   sess.TargetPath,
			RemoteRepo:    sess.RemoteRepo,
			BlobReference: result.BlobReference,
			Strategy:      sess.Strategy,
			StrategyMeta:  result.StrategyMeta,
			Size:          sess.DeclaredSize,
		})
		if err != nil {
			_ = s.uploads.UpdateStatus(sessionID, models.StatusFailed, err.Error())
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to persist file record", err)
		}

		if result.ManifestPath != "" {
			_ = s.uploads.SetManifestPath(sessionID, result.ManifestPath)
		}
		if err := s.uploads.LinkFile(sessionID, fileID, result.BlobReference); err != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to link file to session", err)
		}
		_ = s.chunks.DeleteAll(sessionID)
		_ = s.scratchStore.RemoveSession(sessionID)

		file, err = s.files.GetByID(fileID)
		if err != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to reload file record", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Abort moves a non-terminal session to aborted and releases its scratch
// artifacts. Calling it twice is a no-op success.
func (s *Service) Abort(ctx context.Context, sessionID, ownerID string) error {
	return s.withSessionLock(ctx, sessionID, func() error {
		sess, err := s.uploads.GetSession(sessionID, ownerID)
		if err != nil {
			if err == repository.ErrNotFound {
				return sessionerr.New(sessionerr.KindNotFound, "upload session not found")
			}
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to load upload session", err)
		}

		if sess.Status == models.StatusAborted {
			return nil
		}
		if sess.Status.IsTerminal() {
			return sessionerr.New(sessionerr.KindState, fmt.Sprintf("session is %s and cannot be aborted", sess.Status))
		}

		if err := s.uploads.UpdateStatus(sessionID, models.StatusAborted, ""); err != nil {
			return sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to abort upload session", err)
		}
		_ = s.chunks.DeleteAll(sessionID)
		if err := s.scratchStore.RemoveSession(sessionID); err != nil {
			s.logger.Error("failed to remove scratch artifacts on abort", err)
		}
		return nil
	})
}

// Status returns a session snapshot sufficient to resume (spec.md
// section 4.2, "Resumption contract").
func (s *Service) Status(ctx context.Context, sessionID, ownerID string) (*models.UploadSession, error) {
	return s.load(sessionID, ownerID)
}
