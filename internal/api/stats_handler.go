package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// statsSource is the subset of *repository.UploadRepository the stats
// handler drives, grounded on the teacher's GetStorageStats-style
// aggregate endpoints generalized to this pipeline's two operational
// signals (spec.md's idle-chunk sweep is a Non-goal, but the read-only
// visibility into it is useful enough to keep, per SPEC_FULL.md).
type statsSource interface {
	CountActiveSessions() (int, error)
	OldestPendingAge() (time.Duration, error)
}

type StatsHandler struct {
	uploads statsSource
}

func NewStatsHandler(uploads statsSource) *StatsHandler {
	return &StatsHandler{uploads: uploads}
}

type statsResponse struct {
	ActiveSessions      int    `json:"activeSessions"`
	OldestPendingAgeSec int64  `json:"oldestPendingAgeSeconds"`
	OldestPending       string `json:"oldestPending"`
}

// HandleStats handles GET /uploads/stats (service-credential only).
func (h *StatsHandler) HandleStats(c *gin.Context) {
	active, err := h.uploads.CountActiveSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session stats"})
		return
	}

	age, err := h.uploads.OldestPendingAge()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session stats"})
		return
	}

	c.JSON(http.StatusOK, statsResponse{
		ActiveSessions:      active,
		OldestPendingAgeSec: int64(age.Seconds()),
		OldestPending:       age.String(),
	})
}
