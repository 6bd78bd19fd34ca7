// Package materialize turns a complete chunk set into a durable remote
// object plus the strategy metadata a FileRecord needs, implementing
// spec.md section 4.6's three strategies. It is the only package that
// writes through internal/remote, and it owns the assemble-loop the teacher's
// handleCompleteChunkedUpload performs (download/read each chunk in
// ascending index, accumulate, delete afterward) retargeted at the
// Remote Client instead of local BlobStorage.
package materialize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/securestor/securestor/internal/models"
	"github.com/securestor/securestor/internal/remote"
	"github.com/securestor/securestor/internal/scratch"
	"github.com/securestor/securestor/internal/session"
	"github.com/securestor/securestor/internal/sessionerr"
)

// remoteStore is the subset of *remote.Client a Materializer drives; it
// exists so tests can substitute a fake without standing up an HTTP
// server, the same way internal/session's repository interfaces let the
// Session Service be tested without a live database.
type remoteStore interface {
	PutFile(ctx context.Context, repo, path string, content []byte, message string) (string, error)
	DeletePath(ctx context.Context, repo, path, sha, message string) error
	EnsureRelease(ctx context.Context, repo, tag, name string) (*github.RepositoryRelease, error)
	UploadReleaseAsset(ctx context.Context, repo string, releaseID int64, name, assembledPath string) (*github.ReleaseAsset, error)
}

// Materializer implements session.Materializer against a configured
// Remote Client and scratch store.
type Materializer struct {
	remote  remoteStore
	scratch *scratch.Store
}

func New(remoteClient *remote.Client, scratchStore *scratch.Store) *Materializer {
	return &Materializer{remote: remoteClient, scratch: scratchStore}
}

var _ session.Materializer = (*Materializer)(nil)

// Materialize dispatches to the strategy recorded on the session at
// init time; the strategy is immutable for the life of the session
// (spec.md section 3, "Strategy").
func (m *Materializer) Materialize(ctx context.Context, s *models.UploadSession, chunks []models.ChunkRecord) (*session.MaterializeResult, error) {
	switch s.Strategy {
	case models.StrategyReleaseAsset:
		return m.materializeReleaseAsset(ctx, s, chunks)
	case models.StrategyInlineBlob:
		return m.materializeInlineBlob(ctx, s, chunks)
	case models.StrategyRepoChunks, models.StrategyGitLFS:
		return m.materializeRepoChunks(ctx, s, chunks)
	default:
		return nil, sessionerr.New(sessionerr.KindInfrastructure, fmt.Sprintf("unknown materialization strategy %q", s.Strategy))
	}
}

func basePrefix(s *models.UploadSession) string {
	return fmt.Sprintf("uploads/%s/%s", s.OwnerID, s.ID)
}

// materializeRepoChunks uploads each chunk as its own file under
// uploads/<owner>/<session>/chunks/chunk-<05d> and writes a manifest
// alongside it, matching spec.md section 6's manifest schema exactly.
// git-lfs is treated as an alias (spec.md section 9, Open Questions).
func (m *Materializer) materializeRepoChunks(ctx context.Context, s *models.UploadSession, chunks []models.ChunkRecord) (*session.MaterializeResult, error) {
	prefix := basePrefix(s)
	entries := make([]models.ChunkManifestEntry, 0, len(chunks))
	written := make([]writtenFile, 0, len(chunks)+1)

	for _, c := range chunks {
		data, err := os.ReadFile(c.ScratchPath)
		if err != nil {
			m.rollbackRepoChunks(ctx, s.RemoteRepo, written)
			return nil, sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to read staged chunk", err)
		}
		chunkPath := fmt.Sprintf("%s/chunks/chunk-%05d", prefix, c.Index)
		sha, err := m.remote.PutFile(ctx, s.RemoteRepo, chunkPath, data, fmt.Sprintf("upload chunk %d for %s", c.Index, s.ID))
		if err != nil {
			m.rollbackRepoChunks(ctx, s.RemoteRepo, written)
			return nil, classifyRemoteErr(err)
		}
		written = append(written, writtenFile{path: chunkPath, sha: sha})
		entries = append(entries, models.ChunkManifestEntry{
			Index:    c.Index,
			Size:     c.Size,
			Checksum: c.ServerDigest,
			Path:     chunkPath,
		})
	}

	manifest := models.ChunkManifest{
		SchemaVersion: models.ManifestSchemaVersion,
		Strategy:      string(models.StrategyRepoChunks),
		UploadID:      s.ID,
		UserID:        s.OwnerID,
		FileName:      s.Filename,
		SizeBytes:     s.DeclaredSize,
		ChunkSize:     s.ChunkSize,
		TotalChunks:   s.TotalChunks,
		ChunksPath:    fmt.Sprintf("%s/chunks", prefix),
		Chunks:        entries,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		m.rollbackRepoChunks(ctx, s.RemoteRepo, written)
		return nil, sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to marshal manifest", err)
	}
	manifestPath := fmt.Sprintf("%s/manifest.json", prefix)
	if _, err := m.remote.PutFile(ctx, s.RemoteRepo, manifestPath, manifestJSON, fmt.Sprintf("upload manifest for %s", s.ID)); err != nil {
		m.rollbackRepoChunks(ctx, s.RemoteRepo, written)
		return nil, classifyRemoteErr(err)
	}

	return &session.MaterializeResult{
		BlobReference: manifestPath,
		ManifestPath:  manifestPath,
		StrategyMeta: map[string]interface{}{
			"chunksPath": manifest.ChunksPath,
			"totalChunks": manifest.TotalChunks,
		},
	}, nil
}

type writtenFile struct {
	path string
	sha  string
}

// rollbackRepoChunks deletes every chunk already written once a later
// chunk or the manifest fails to write, in reverse order, so a failed
// upload never leaves a partial chunk set live in the remote repo
// (spec.md section 4.7, rollback on partial materialization). Best
// effort: a rollback failure is logged-equivalent by being swallowed,
// since the caller is already returning the original failure.
func (m *Materializer) rollbackRepoChunks(ctx context.Context, repo string, written []writtenFile) {
	for i := len(written) - 1; i >= 0; i-- {
		w := written[i]
		_ = m.remote.DeletePath(ctx, repo, w.path, w.sha, fmt.Sprintf("roll back partial upload: remove %s", w.path))
	}
}

// materializeInlineBlob assembles every chunk into one byte stream and
// writes it as a single file; no manifest.
func (m *Materializer) materializeInlineBlob(ctx context.Context, s *models.UploadSession, chunks []models.ChunkRecord) (*session.MaterializeResult, error) {
	assembled, digest, err := m.assemble(chunks)
	if err != nil {
		return nil, err
	}
	defer os.Remove(assembled)

	data, err := os.ReadFile(assembled)
	if err != nil {
		return nil, sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to read assembled blob", err)
	}

	blobPath := fmt.Sprintf("%s/%s", basePrefix(s), s.Filename)
	if _, err := m.remote.PutFile(ctx, s.RemoteRepo, blobPath, data, fmt.Sprintf("upload %s", s.Filename)); err != nil {
		return nil, classifyRemoteErr(err)
	}

	return &session.MaterializeResult{
		BlobReference: blobPath,
		StrategyMeta: map[string]interface{}{
			"digest": digest,
		},
	}, nil
}

// materializeReleaseAsset assembles every chunk into one file and
// uploads it as the single asset of a release tagged upload-<session>
// (spec.md section 8, scenario 6).
func (m *Materializer) materializeReleaseAsset(ctx context.Context, s *models.UploadSession, chunks []models.ChunkRecord) (*session.MaterializeResult, error) {
	assembled, digest, err := m.assemble(chunks)
	if err != nil {
		return nil, err
	}
	defer os.Remove(assembled)

	tag := fmt.Sprintf("upload-%s", s.ID)
	release, err := m.remote.EnsureRelease(ctx, s.RemoteRepo, tag, tag)
	if err != nil {
		return nil, classifyRemoteErr(err)
	}

	asset, err := m.remote.UploadReleaseAsset(ctx, s.RemoteRepo, release.GetID(), s.Filename, assembled)
	if err != nil {
		return nil, classifyRemoteErr(err)
	}

	return &session.MaterializeResult{
		BlobReference: fmt.Sprintf("release:%s/%s", tag, asset.GetName()),
		StrategyMeta: map[string]interface{}{
			"releaseTag": tag,
			"assetId":    asset.GetID(),
			"digest":     digest,
		},
	}, nil
}

// assemble concatenates the scratch files for chunks, in ascending
// index order, into one temp file, computing a running SHA-256 over
// the full byte stream in the same pass (mirrors the teacher's
// handleCompleteChunkedUpload loop: read each chunk, append, hash,
// discard the source).
func (m *Materializer) assemble(chunks []models.ChunkRecord) (path string, digest string, err error) {
	tmp, err := os.CreateTemp("", "upload-assemble-*")
	if err != nil {
		return "", "", sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to create assembly temp file", err)
	}
	defer tmp.Close()

	hasher := sha256.New()
	for _, c := range chunks {
		if readErr := appendChunk(tmp, hasher, c.ScratchPath); readErr != nil {
			os.Remove(tmp.Name())
			return "", "", sessionerr.Wrap(sessionerr.KindInfrastructure, "failed to assemble chunk", readErr)
		}
	}
	return tmp.Name(), hex.EncodeToString(hasher.Sum(nil)), nil
}

func appendChunk(dst io.Writer, hasher io.Writer, chunkPath string) error {
	f, err := os.Open(chunkPath)
	if err != nil {
		return err
	}
	defer f.Close()

	mw := io.MultiWriter(dst, hasher)
	_, err = io.Copy(mw, f)
	return err
}

// classifyRemoteErr maps a remote-client failure into the session error
// kinds, treating rate-limit/5xx as Infrastructure (retries already
// exhausted inside internal/remote by the time this is reached).
func classifyRemoteErr(err error) error {
	if se, ok := sessionerr.As(err); ok {
		return se
	}
	if remote.IsNotFound(err) {
		return sessionerr.Wrap(sessionerr.KindInfrastructure, "remote repository or path not found", err)
	}
	if remote.IsRateLimited(err) {
		return sessionerr.Wrap(sessionerr.KindInfrastructure, "remote store rate limited", err)
	}
	return sessionerr.Wrap(sessionerr.KindInfrastructure, "remote store write failed", err)
}
