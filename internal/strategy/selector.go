// Package strategy picks a storage strategy and chunk size purely from
// declared size and configured policy (spec.md section 4.5). It mirrors
// the teacher's boolean-flag-driven feature selection
// (config.Config.EncryptionEnabled/EncryptionEnforced) generalized to
// release-assets/git-lfs toggles.
package strategy

import "github.com/securestor/securestor/internal/models"

const (
	MinChunkSize     = 1 << 20       // 1 MiB
	MaxChunkSize     = 50 << 20      // 50 MiB
	DefaultChunkSize = 8 << 20       // 8 MiB
)

// Policy is the subset of configuration the selector needs.
type Policy struct {
	ReleaseAssetsEnabled bool
	ReleaseMaxBytes      int64
	GitLFSEnabled        bool
	LFSThresholdBytes    int64
	DefaultChunkSize     int64
	MinChunkSize         int64
	MaxChunkSize         int64
	MaxUploadSize        int64
}

// Select chooses the storage strategy for a declared upload size.
func Select(size int64, p Policy) models.Strategy {
	if p.ReleaseAssetsEnabled && size <= p.ReleaseMaxBytes {
		return models.StrategyReleaseAsset
	}
	if p.GitLFSEnabled && size <= p.LFSThresholdBytes {
		// git-lfs is treated as an alias of repo-chunks unless a true LFS
		// writer exists (spec.md section 9, Open Questions).
		return models.StrategyRepoChunks
	}
	return models.StrategyRepoChunks
}

// ChunkSize returns the chunk size for a declared upload size: the
// configured default, clamped to [MinChunkSize, MaxChunkSize], and never
// larger than the declared size itself.
func ChunkSize(size int64, p Policy) int64 {
	minSize, maxSize := p.MinChunkSize, p.MaxChunkSize
	if minSize <= 0 {
		minSize = MinChunkSize
	}
	if maxSize <= 0 {
		maxSize = MaxChunkSize
	}

	cs := p.DefaultChunkSize
	if cs <= 0 {
		cs = DefaultChunkSize
	}
	if cs < minSize {
		cs = minSize
	}
	if cs > maxSize {
		cs = maxSize
	}
	if cs > size {
		cs = size
	}
	return cs
}

// TotalChunks returns ceil(size / chunkSize).
func TotalChunks(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}
