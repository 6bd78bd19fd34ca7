package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/securestor/securestor/internal/api"
	"github.com/securestor/securestor/internal/cache"
	"github.com/securestor/securestor/internal/config"
	"github.com/securestor/securestor/internal/database"
	"github.com/securestor/securestor/internal/health"
	"github.com/securestor/securestor/internal/logger"
	"github.com/securestor/securestor/internal/materialize"
	"github.com/securestor/securestor/internal/middleware"
	"github.com/securestor/securestor/internal/remote"
	"github.com/securestor/securestor/internal/repository"
	"github.com/securestor/securestor/internal/scratch"
	"github.com/securestor/securestor/internal/session"
	"github.com/securestor/securestor/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	l := logger.New()

	db, err := database.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	redisClient, err := cache.NewRedisClient(cache.RedisConfig{URL: cfg.RedisURL}, l.Logger)
	if err != nil {
		l.Printf("session cache unavailable, falling back to in-process locking only: %v", err)
		redisClient = nil
	}

	scratchStore, err := scratch.New(cfg.ScratchRoot, l)
	if err != nil {
		log.Fatalf("failed to open scratch store: %v", err)
	}

	remoteClient := remote.New(cfg.RemoteAccessToken, cfg.RemoteOwner, l)

	uploadRepo := repository.NewUploadRepository(db)
	chunkRepo := repository.NewChunkRepository(db)
	fileRepo := repository.NewFileRepository(db)
	auditRepo := repository.NewUploadAuditRepository(db)

	materializer := materialize.New(remoteClient, scratchStore)

	policy := strategy.Policy{
		ReleaseAssetsEnabled: cfg.ReleaseAssetsEnabled,
		ReleaseMaxBytes:      cfg.ReleaseMaxBytes,
		GitLFSEnabled:        cfg.GitLFSEnabled,
		LFSThresholdBytes:    cfg.LFSThresholdBytes,
		DefaultChunkSize:     cfg.DefaultChunkSize,
		MinChunkSize:         cfg.MinChunkSize,
		MaxChunkSize:         cfg.MaxChunkSize,
		MaxUploadSize:        cfg.MaxUploadSize,
	}

	var lock session.DistributedLock
	if redisClient != nil {
		lock = redisClient
	}

	sessionService := session.New(uploadRepo, chunkRepo, fileRepo, scratchStore, lock, materializer, policy, 24*time.Hour, l)

	health.InitHealthChecker(db, redisClient, remoteClient, l)

	uploadHandler := api.NewUploadHandler(sessionService, cfg.RemoteRepo, auditRepo, l)
	statsHandler := api.NewStatsHandler(uploadRepo)
	cred := middleware.NewServiceCredential(cfg.ServiceAPIKey)

	server := api.NewServer(cfg, db, uploadHandler, statsHandler, cred, l)

	go func() {
		l.Printf("starting server on port %s", cfg.Port)
		if err := server.Start(); err != nil {
			l.Printf("server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	l.Printf("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		l.Printf("error during shutdown: %v", err)
	}
}
