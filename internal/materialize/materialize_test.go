package materialize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/go-github/v62/github"
	"github.com/securestor/securestor/internal/logger"
	"github.com/securestor/securestor/internal/models"
	"github.com/securestor/securestor/internal/scratch"
	"github.com/securestor/securestor/internal/sessionerr"
)

type fakeRemote struct {
	files        map[string][]byte
	releases     map[string]*github.RepositoryRelease
	nextRelease  int64
	putErr       error
	failPutAfter int
	puts         int
	deleted      []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:    make(map[string][]byte),
		releases: make(map[string]*github.RepositoryRelease),
	}
}

func (f *fakeRemote) PutFile(ctx context.Context, repo, path string, content []byte, message string) (string, error) {
	f.puts++
	if f.putErr != nil {
		return "", f.putErr
	}
	if f.failPutAfter > 0 && f.puts > f.failPutAfter {
		return "", fmt.Errorf("simulated write failure")
	}
	key := repo + ":" + path
	f.files[key] = append([]byte(nil), content...)
	return "sha-" + path, nil
}

func (f *fakeRemote) DeletePath(ctx context.Context, repo, path, sha, message string) error {
	key := repo + ":" + path
	delete(f.files, key)
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeRemote) EnsureRelease(ctx context.Context, repo, tag, name string) (*github.RepositoryRelease, error) {
	if r, ok := f.releases[repo+":"+tag]; ok {
		return r, nil
	}
	f.nextRelease++
	r := &github.RepositoryRelease{ID: github.Int64(f.nextRelease), TagName: github.String(tag), Name: github.String(name)}
	f.releases[repo+":"+tag] = r
	return r, nil
}

func (f *fakeRemote) UploadReleaseAsset(ctx context.Context, repo string, releaseID int64, name, assembledPath string) (*github.ReleaseAsset, error) {
	data, err := os.ReadFile(assembledPath)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:release-%d:%s", repo, releaseID, name)
	f.files[key] = data
	return &github.ReleaseAsset{ID: github.Int64(99), Name: github.String(name)}, nil
}

func newTestMaterializer(t *testing.T) (*Materializer, *fakeRemote) {
	t.Helper()
	store, err := scratch.New(t.TempDir(), logger.New())
	if err != nil {
		t.Fatalf("scratch.New failed: %v", err)
	}
	fr := newFakeRemote()
	return &Materializer{remote: fr, scratch: store}, fr
}

func writeChunks(t *testing.T, store *scratch.Store, sessionID string, payloads [][]byte) []models.ChunkRecord {
	t.Helper()
	chunks := make([]models.ChunkRecord, 0, len(payloads))
	for i, p := range payloads {
		result, err := store.WriteChunk(sessionID, i, bytes.NewReader(p))
		if err != nil {
			t.Fatalf("WriteChunk(%d) failed: %v", i, err)
		}
		chunks = append(chunks, models.ChunkRecord{
			SessionID:    sessionID,
			Index:        i,
			Size:         result.ByteCount,
			ServerDigest: result.Digest,
			ScratchPath:  result.ScratchPath,
		})
	}
	return chunks
}

func testSession(id, strategy string) *models.UploadSession {
	return &models.UploadSession{
		ID:           id,
		OwnerID:      "owner-1",
		Filename:     "report.bin",
		DeclaredSize: 8,
		ChunkSize:    4,
		TotalChunks:  2,
		Strategy:     models.Strategy(strategy),
		RemoteRepo:   "artifacts",
	}
}

func TestMaterialize_RepoChunksWritesChunksAndManifest(t *testing.T) {
	m, fr := newTestMaterializer(t)
	sess := testSession("sess-repo", string(models.StrategyRepoChunks))
	chunks := writeChunks(t, m.scratch, sess.ID, [][]byte{[]byte("aaaa"), []byte("bbbb")})

	result, err := m.Materialize(context.Background(), sess, chunks)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if result.ManifestPath == "" {
		t.Fatal("expected a manifest path for repo-chunks strategy")
	}

	manifestKey := "artifacts:" + result.ManifestPath
	raw, ok := fr.files[manifestKey]
	if !ok {
		t.Fatalf("manifest not written at %s", manifestKey)
	}
	var manifest models.ChunkManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest did not unmarshal: %v", err)
	}
	if len(manifest.Chunks) != 2 {
		t.Errorf("manifest lists %d chunks, want 2", len(manifest.Chunks))
	}
	if manifest.UploadID != sess.ID {
		t.Errorf("manifest upload id = %s, want %s", manifest.UploadID, sess.ID)
	}

	if _, ok := fr.files["artifacts:uploads/owner-1/sess-repo/chunks/chunk-00000"]; !ok {
		t.Error("expected chunk 0 to be written under its own path")
	}
	if _, ok := fr.files["artifacts:uploads/owner-1/sess-repo/chunks/chunk-00001"]; !ok {
		t.Error("expected chunk 1 to be written under its own path")
	}
}

func TestMaterialize_GitLFSAliasesRepoChunks(t *testing.T) {
	m, fr := newTestMaterializer(t)
	sess := testSession("sess-lfs", string(models.StrategyGitLFS))
	chunks := writeChunks(t, m.scratch, sess.ID, [][]byte{[]byte("aaaa"), []byte("bbbb")})

	result, err := m.Materialize(context.Background(), sess, chunks)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if result.ManifestPath == "" {
		t.Fatal("git-lfs should produce a manifest the same way repo-chunks does")
	}
	if len(fr.files) != 3 {
		t.Errorf("expected 2 chunk files + 1 manifest, got %d files", len(fr.files))
	}
}

func TestMaterialize_InlineBlobWritesAssembledFile(t *testing.T) {
	m, fr := newTestMaterializer(t)
	sess := testSession("sess-inline", string(models.StrategyInlineBlob))
	chunks := writeChunks(t, m.scratch, sess.ID, [][]byte{[]byte("aaaa"), []byte("bbbb")})

	result, err := m.Materialize(context.Background(), sess, chunks)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if result.ManifestPath != "" {
		t.Error("inline-blob should not produce a manifest")
	}

	want := sha256.Sum256([]byte("aaaabbbb"))
	wantDigest := hex.EncodeToString(want[:])
	if result.StrategyMeta["digest"] != wantDigest {
		t.Errorf("digest = %v, want %s", result.StrategyMeta["digest"], wantDigest)
	}

	blobKey := "artifacts:" + result.BlobReference
	data, ok := fr.files[blobKey]
	if !ok {
		t.Fatalf("blob not written at %s", blobKey)
	}
	if string(data) != "aaaabbbb" {
		t.Errorf("assembled blob = %q, want %q", data, "aaaabbbb")
	}
}

func TestMaterialize_ReleaseAssetUploadsToNewRelease(t *testing.T) {
	m, fr := newTestMaterializer(t)
	sess := testSession("sess-release", string(models.StrategyReleaseAsset))
	chunks := writeChunks(t, m.scratch, sess.ID, [][]byte{[]byte("aaaa"), []byte("bbbb")})

	result, err := m.Materialize(context.Background(), sess, chunks)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if result.StrategyMeta["releaseTag"] != "upload-sess-release" {
		t.Errorf("releaseTag = %v, want upload-sess-release", result.StrategyMeta["releaseTag"])
	}
	if len(fr.releases) != 1 {
		t.Errorf("expected exactly one release created, got %d", len(fr.releases))
	}

	assetKey := "artifacts:release-1:report.bin"
	if _, ok := fr.files[assetKey]; !ok {
		t.Fatalf("release asset not uploaded at %s", assetKey)
	}
}

func TestMaterialize_UnknownStrategyRejected(t *testing.T) {
	m, _ := newTestMaterializer(t)
	sess := testSession("sess-bad", "nonsense")
	chunks := writeChunks(t, m.scratch, sess.ID, [][]byte{[]byte("aaaa")})

	if _, err := m.Materialize(context.Background(), sess, chunks); err == nil {
		t.Fatal("expected an error for an unrecognized strategy")
	}
}

func TestMaterialize_RepoChunksRollsBackWrittenChunksOnManifestFailure(t *testing.T) {
	m, fr := newTestMaterializer(t)
	// Two chunk writes should succeed; the third PutFile call (the
	// manifest) is made to fail.
	fr.failPutAfter = 2
	sess := testSession("sess-rollback", string(models.StrategyRepoChunks))
	chunks := writeChunks(t, m.scratch, sess.ID, [][]byte{[]byte("aaaa"), []byte("bbbb")})

	if _, err := m.Materialize(context.Background(), sess, chunks); err == nil {
		t.Fatal("expected materialize to fail when the manifest write fails")
	}

	if len(fr.files) != 0 {
		t.Errorf("expected rollback to remove all written chunks, %d files remain", len(fr.files))
	}
	if len(fr.deleted) != 2 {
		t.Errorf("expected 2 chunks rolled back, got %d", len(fr.deleted))
	}
}

func TestMaterialize_RemoteFailureIsClassified(t *testing.T) {
	m, fr := newTestMaterializer(t)
	fr.putErr = fmt.Errorf("connection reset")
	sess := testSession("sess-fail", string(models.StrategyInlineBlob))
	chunks := writeChunks(t, m.scratch, sess.ID, [][]byte{[]byte("aaaa"), []byte("bbbb")})

	_, err := m.Materialize(context.Background(), sess, chunks)
	if err == nil {
		t.Fatal("expected materialize to fail when the remote store rejects the write")
	}
	if se, ok := sessionerr.As(err); !ok || se.Kind != sessionerr.KindInfrastructure {
		t.Errorf("expected KindInfrastructure, got %v", err)
	}
}
