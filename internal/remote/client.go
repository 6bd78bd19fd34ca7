// Package remote is the thin wrapper around the GitHub API that acts as
// the Remote Object Store for completed uploads (spec.md section 4.7).
// Retry policy is concentrated here, the way spec.md section 9 asks
// ("Ad-hoc retry loops scattered across components ... concentrate retry
// policy in the Remote Client"), grounded on the teacher's
// RetryAndFallbackHandler.ExecuteWithRetry (internal/api/proxy_request_router.go).
package remote

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/securestor/securestor/internal/logger"
)

const (
	maxRetries  = 3
	baseBackoff = 1 * time.Second
)

// Client wraps a github.Client scoped to one configured owner. A single
// Client may be shared across sessions; its HTTP connection pool is
// shared and this package owns rate-limit/backoff handling for it
// (spec.md section 4.3, "Shared-resource policy").
type Client struct {
	gh     *github.Client
	owner  string
	logger *logger.Logger
}

// New builds a Client authenticated with a personal/installation token
// against the configured owner (spec.md section 9, Open Questions: a
// single configured owner, no per-caller override).
func New(token, owner string, l *logger.Logger) *Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{gh: gh, owner: owner, logger: l}
}

// withRetry runs fn up to maxRetries+1 times with doubling backoff,
// breaking early on errors ExecuteWithRetry would also treat as
// permanent (not found, unprocessable, validation-shaped errors).
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsNotFound(lastErr) || IsUnprocessable(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}
		c.logger.Error(fmt.Sprintf("%s attempt %d failed, retrying in %s", op, attempt+1, backoff), lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

// PutFile writes content at path in repo, creating it or updating it in
// place if it already exists (the create-or-update-on-422 dance the
// GitHub contents API requires).
func (c *Client) PutFile(ctx context.Context, repo, path string, content []byte, message string) (sha string, err error) {
	err = c.withRetry(ctx, "put file "+path, func() error {
		opts := &github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: content,
		}

		created, _, createErr := c.gh.Repositories.CreateFile(ctx, c.owner, repo, path, opts)
		if createErr == nil {
			if created != nil && created.Content != nil {
				sha = created.Content.GetSHA()
			}
			return nil
		}
		if !IsUnprocessable(createErr) {
			return createErr
		}

		existing, _, _, getErr := c.gh.Repositories.GetContents(ctx, c.owner, repo, path, nil)
		if getErr != nil {
			return fmt.Errorf("file exists but could not be read for update: %w", getErr)
		}
		opts.SHA = github.String(existing.GetSHA())
		updated, _, updateErr := c.gh.Repositories.UpdateFile(ctx, c.owner, repo, path, opts)
		if updateErr != nil {
			return updateErr
		}
		if updated != nil && updated.Content != nil {
			sha = updated.Content.GetSHA()
		}
		return nil
	})
	return sha, err
}

// DeletePath removes a file written by PutFile, used to roll back a
// partially materialized repo-chunks upload.
func (c *Client) DeletePath(ctx context.Context, repo, path, sha, message string) error {
	return c.withRetry(ctx, "delete "+path, func() error {
		_, _, err := c.gh.Repositories.DeleteFile(ctx, c.owner, repo, path, &github.RepositoryContentFileOptions{
			Message: github.String(message),
			SHA:     github.String(sha),
		})
		return err
	})
}

// EnsureRelease fetches the release tagged tag, creating it if absent.
func (c *Client) EnsureRelease(ctx context.Context, repo, tag, name string) (*github.RepositoryRelease, error) {
	var release *github.RepositoryRelease
	err := c.withRetry(ctx, "ensure release "+tag, func() error {
		existing, resp, err := c.gh.Repositories.GetReleaseByTag(ctx, c.owner, repo, tag)
		if err == nil {
			release = existing
			return nil
		}
		if resp == nil || resp.StatusCode != 404 {
			return err
		}

		created, _, createErr := c.gh.Repositories.CreateRelease(ctx, c.owner, repo, &github.RepositoryRelease{
			TagName: github.String(tag),
			Name:    github.String(name),
		})
		if createErr != nil {
			return createErr
		}
		release = created
		return nil
	})
	return release, err
}

// UploadReleaseAsset attaches the file at assembledPath as an asset of
// the given release. go-github's upload call needs an *os.File (it
// stats the file for content length), so materialize assembles chunks
// into a local temp file before calling this.
func (c *Client) UploadReleaseAsset(ctx context.Context, repo string, releaseID int64, name, assembledPath string) (*github.ReleaseAsset, error) {
	var asset *github.ReleaseAsset
	err := c.withRetry(ctx, "upload release asset "+name, func() error {
		f, openErr := os.Open(assembledPath)
		if openErr != nil {
			return openErr
		}
		defer f.Close()

		uploaded, _, uploadErr := c.gh.Repositories.UploadReleaseAsset(ctx, c.owner, repo, releaseID, &github.UploadOptions{
			Name: name,
		}, f)
		if uploadErr != nil {
			return uploadErr
		}
		asset = uploaded
		return nil
	})
	return asset, err
}

// IsNotFound reports whether err is GitHub's 404 response.
func IsNotFound(err error) bool {
	if errResp, ok := err.(*github.ErrorResponse); ok {
		return errResp.Response != nil && errResp.Response.StatusCode == 404
	}
	return false
}

// IsUnprocessable reports whether err is GitHub's 422 response, the
// signal that a contents-API create failed because the path exists.
func IsUnprocessable(err error) bool {
	if errResp, ok := err.(*github.ErrorResponse); ok {
		return errResp.Response != nil && errResp.Response.StatusCode == 422
	}
	return false
}

// IsRateLimited reports whether err is a rate-limit or secondary
// rate-limit response.
func IsRateLimited(err error) bool {
	switch err.(type) {
	case *github.RateLimitError, *github.AbuseRateLimitError:
		return true
	default:
		return false
	}
}
