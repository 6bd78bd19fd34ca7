package strategy

import (
	"testing"

	"github.com/securestor/securestor/internal/models"
)

func TestSelect_ReleaseAsset(t *testing.T) {
	p := Policy{ReleaseAssetsEnabled: true, ReleaseMaxBytes: 2 << 30}

	t.Run("within release max", func(t *testing.T) {
		got := Select(100<<20, p)
		if got != models.StrategyReleaseAsset {
			t.Errorf("expected %s, got %s", models.StrategyReleaseAsset, got)
		}
	})

	t.Run("exceeds release max falls back to repo-chunks", func(t *testing.T) {
		got := Select(3<<30, p)
		if got != models.StrategyRepoChunks {
			t.Errorf("expected %s, got %s", models.StrategyRepoChunks, got)
		}
	})
}

func TestSelect_GitLFSAliasesRepoChunks(t *testing.T) {
	p := Policy{GitLFSEnabled: true, LFSThresholdBytes: 10 << 20}
	got := Select(5<<20, p)
	if got != models.StrategyRepoChunks {
		t.Errorf("expected git-lfs to alias repo-chunks, got %s", got)
	}
}

func TestSelect_DefaultsToRepoChunks(t *testing.T) {
	got := Select(1<<30, Policy{})
	if got != models.StrategyRepoChunks {
		t.Errorf("expected %s, got %s", models.StrategyRepoChunks, got)
	}
}

func TestChunkSize_ClampsToBounds(t *testing.T) {
	cases := []struct {
		name     string
		size     int64
		policy   Policy
		expected int64
	}{
		{"below minimum clamps up", 500 << 20, Policy{DefaultChunkSize: 512 * 1024}, MinChunkSize},
		{"above maximum clamps down", 500 << 20, Policy{DefaultChunkSize: 200 << 20}, MaxChunkSize},
		{"never exceeds declared size", 2 << 20, Policy{DefaultChunkSize: DefaultChunkSize}, 2 << 20},
		{"zero default falls back", 500 << 20, Policy{}, DefaultChunkSize},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ChunkSize(tc.size, tc.policy)
			if got != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, got)
			}
		})
	}
}

func TestTotalChunks(t *testing.T) {
	cases := []struct {
		size, chunkSize int64
		expected        int
	}{
		{12_500_000, 5 << 20, 3},
		{10 << 20, 5 << 20, 2},
		{1, 5 << 20, 1},
		{0, 5 << 20, 0},
	}

	for _, tc := range cases {
		got := TotalChunks(tc.size, tc.chunkSize)
		if got != tc.expected {
			t.Errorf("TotalChunks(%d, %d) = %d, want %d", tc.size, tc.chunkSize, got, tc.expected)
		}
	}
}
