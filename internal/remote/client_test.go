package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v62/github"
	"github.com/securestor/securestor/internal/logger"
)

// newTestClient points a Client at an httptest server instead of the
// real GitHub API, the same way go-github's own tests override BaseURL.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	c := New("", "test-owner", logger.New())
	c.gh.BaseURL = base
	return c, srv
}

func TestIsNotFound(t *testing.T) {
	notFound := &github.ErrorResponse{Response: &http.Response{StatusCode: 404}}
	unprocessable := &github.ErrorResponse{Response: &http.Response{StatusCode: 422}}

	if !IsNotFound(notFound) {
		t.Error("expected 404 ErrorResponse to be not-found")
	}
	if IsNotFound(unprocessable) {
		t.Error("422 ErrorResponse should not be not-found")
	}
	if IsNotFound(fmt.Errorf("plain error")) {
		t.Error("plain error should not be not-found")
	}
}

func TestIsUnprocessable(t *testing.T) {
	unprocessable := &github.ErrorResponse{Response: &http.Response{StatusCode: 422}}
	notFound := &github.ErrorResponse{Response: &http.Response{StatusCode: 404}}

	if !IsUnprocessable(unprocessable) {
		t.Error("expected 422 ErrorResponse to be unprocessable")
	}
	if IsUnprocessable(notFound) {
		t.Error("404 ErrorResponse should not be unprocessable")
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(&github.RateLimitError{}) {
		t.Error("expected RateLimitError to be rate limited")
	}
	if !IsRateLimited(&github.AbuseRateLimitError{}) {
		t.Error("expected AbuseRateLimitError to be rate limited")
	}
	if IsRateLimited(fmt.Errorf("plain error")) {
		t.Error("plain error should not be rate limited")
	}
}

func TestPutFile_CreatesWhenAbsent(t *testing.T) {
	var createCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/test-owner/myrepo/contents/uploads/owner-1/sess-1/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		createCalled = true
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(github.RepositoryContentResponse{
			Content: &github.RepositoryContent{SHA: github.String("abc123")},
		})
	})

	c, srv := newTestClient(t, mux)
	defer srv.Close()

	sha, err := c.PutFile(context.Background(), "myrepo", "uploads/owner-1/sess-1/manifest.json", []byte("{}"), "add manifest")
	if err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if !createCalled {
		t.Error("expected create endpoint to be called")
	}
	if sha != "abc123" {
		t.Errorf("sha = %s, want abc123", sha)
	}
}

func TestPutFile_UpdatesOnConflict(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/test-owner/myrepo/contents/chunks/chunk-00000", func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.Method {
		case http.MethodPut:
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			if _, hasSHA := body["sha"]; hasSHA {
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(github.RepositoryContentResponse{
					Content: &github.RepositoryContent{SHA: github.String("updated-sha")},
				})
				return
			}
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(github.ErrorResponse{Message: "already exists"})
		case http.MethodGet:
			json.NewEncoder(w).Encode(github.RepositoryContent{SHA: github.String("existing-sha")})
		}
	})

	c, srv := newTestClient(t, mux)
	defer srv.Close()

	sha, err := c.PutFile(context.Background(), "myrepo", "chunks/chunk-00000", []byte("data"), "rewrite chunk")
	if err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if sha != "updated-sha" {
		t.Errorf("sha = %s, want updated-sha", sha)
	}
	if calls < 3 {
		t.Errorf("expected create(422)+get+update sequence, got %d calls", calls)
	}
}

func TestEnsureRelease_CreatesWhenTagMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/test-owner/myrepo/releases/tags/upload-sess-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(github.ErrorResponse{Message: "not found"})
	})
	mux.HandleFunc("/repos/test-owner/myrepo/releases", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(github.RepositoryRelease{
			ID:      github.Int64(42),
			TagName: github.String("upload-sess-1"),
		})
	})

	c, srv := newTestClient(t, mux)
	defer srv.Close()

	release, err := c.EnsureRelease(context.Background(), "myrepo", "upload-sess-1", "upload-sess-1")
	if err != nil {
		t.Fatalf("EnsureRelease failed: %v", err)
	}
	if release.GetID() != 42 {
		t.Errorf("release id = %d, want 42", release.GetID())
	}
}

func TestEnsureRelease_ReturnsExistingWhenPresent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/test-owner/myrepo/releases/tags/upload-sess-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(github.RepositoryRelease{
			ID:      github.Int64(7),
			TagName: github.String("upload-sess-2"),
		})
	})

	c, srv := newTestClient(t, mux)
	defer srv.Close()

	release, err := c.EnsureRelease(context.Background(), "myrepo", "upload-sess-2", "upload-sess-2")
	if err != nil {
		t.Fatalf("EnsureRelease failed: %v", err)
	}
	if release.GetID() != 7 {
		t.Errorf("release id = %d, want 7 (should not have created a new one)", release.GetID())
	}
}

func TestWithRetry_StopsOnUnprocessable(t *testing.T) {
	c := New("", "test-owner", logger.New())
	attempts := 0
	err := c.withRetry(context.Background(), "op", func() error {
		attempts++
		return &github.ErrorResponse{Response: &http.Response{StatusCode: 422}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a permanent error, got %d", attempts)
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	c := New("", "test-owner", logger.New())
	attempts := 0
	err := c.withRetry(context.Background(), "op", func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}
