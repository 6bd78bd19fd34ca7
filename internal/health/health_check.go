package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/securestor/securestor/internal/cache"
	"github.com/securestor/securestor/internal/logger"
	"github.com/securestor/securestor/internal/remote"
)

// HealthStatus represents overall system health.
type HealthStatus struct {
	Timestamp    time.Time       `json:"timestamp"`
	Overall      string          `json:"overall"` // "healthy", "degraded", "unhealthy"
	Database     ComponentHealth `json:"database"`
	Cache        ComponentHealth `json:"cache"`
	Remote       ComponentHealth `json:"remote"`
	ResponseTime string          `json:"response_time"`
}

// ComponentHealth represents health of a system component.
type ComponentHealth struct {
	Status    string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// HealthChecker performs comprehensive health checks for the metadata
// store, session cache, and remote object store.
type HealthChecker struct {
	db     *sql.DB
	redis  *cache.RedisClient
	remote *remote.Client
	logger *logger.Logger
	mutex  sync.RWMutex
	cache  *HealthStatus
}

var (
	healthChecker *HealthChecker
	once          sync.Once
)

// InitHealthChecker initializes the singleton health checker and starts
// its periodic background check.
func InitHealthChecker(database *sql.DB, redisClient *cache.RedisClient, remoteClient *remote.Client, l *logger.Logger) *HealthChecker {
	once.Do(func() {
		healthChecker = &HealthChecker{
			db:     database,
			redis:  redisClient,
			remote: remoteClient,
			logger: l,
		}
		go healthChecker.startPeriodicCheck()
	})
	return healthChecker
}

// GetInstance returns the singleton health checker.
func GetInstance() *HealthChecker {
	return healthChecker
}

// GetHealthStatus runs a fresh health check.
func (hc *HealthChecker) GetHealthStatus() *HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hc.checkHealth(ctx)
}

func (hc *HealthChecker) checkHealth(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{Timestamp: time.Now()}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); status.Database = hc.checkDatabase(ctx) }()
	go func() { defer wg.Done(); status.Cache = hc.checkCache(ctx) }()
	go func() { defer wg.Done(); status.Remote = hc.checkRemote(ctx) }()
	wg.Wait()

	status.Overall = hc.determineOverallStatus(status)
	status.ResponseTime = time.Since(start).String()

	hc.mutex.Lock()
	hc.cache = status
	hc.mutex.Unlock()

	return status
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	health := ComponentHealth{LastCheck: time.Now()}
	if err := hc.db.PingContext(ctx); err != nil {
		health.Status = "unhealthy"
		health.Message = fmt.Sprintf("metadata store unreachable: %v", err)
		return health
	}
	health.Status = "healthy"
	health.Message = "metadata store reachable"
	return health
}

func (hc *HealthChecker) checkCache(ctx context.Context) ComponentHealth {
	health := ComponentHealth{LastCheck: time.Now()}
	if hc.redis == nil {
		health.Status = "degraded"
		health.Message = "session cache not configured; falling back to in-process locking only"
		return health
	}
	if err := hc.redis.Health(ctx); err != nil {
		health.Status = "unhealthy"
		health.Message = fmt.Sprintf("session cache unreachable: %v", err)
		return health
	}
	health.Status = "healthy"
	health.Message = "session cache reachable"
	return health
}

// checkRemote does not make a network call on every health probe (that
// would burn the same rate-limit budget materialization needs); it only
// reports whether a remote client was configured.
func (hc *HealthChecker) checkRemote(ctx context.Context) ComponentHealth {
	health := ComponentHealth{LastCheck: time.Now()}
	if hc.remote == nil {
		health.Status = "unhealthy"
		health.Message = "remote object store client not configured"
		return health
	}
	health.Status = "healthy"
	health.Message = "remote object store client configured"
	return health
}

func (hc *HealthChecker) determineOverallStatus(status *HealthStatus) string {
	if status.Database.Status == "unhealthy" || status.Remote.Status == "unhealthy" {
		return "unhealthy"
	}
	if status.Database.Status == "degraded" || status.Cache.Status == "degraded" || status.Remote.Status == "degraded" {
		return "degraded"
	}
	return "healthy"
}

func (hc *HealthChecker) startPeriodicCheck() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		hc.checkHealth(ctx)
		cancel()
	}
}

// GetCachedStatus returns the last periodic check's result without
// blocking on a fresh one.
func (hc *HealthChecker) GetCachedStatus() *HealthStatus {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	if hc.cache == nil {
		return &HealthStatus{Overall: "unknown", Timestamp: time.Now()}
	}
	return hc.cache
}
