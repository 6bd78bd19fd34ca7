package config

import (
	"strconv"
)

// Config holds every environment-derived setting the upload core needs
// at startup (spec.md section 6's configuration table).
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	Environment string

	ServiceAPIKey string

	RemoteAccessToken string
	RemoteOwner       string
	RemoteRepo        string

	DefaultChunkSize int64
	MinChunkSize     int64
	MaxChunkSize     int64
	MaxUploadSize    int64

	ReleaseAssetsEnabled bool
	ReleaseMaxBytes      int64
	GitLFSEnabled        bool
	LFSThresholdBytes    int64

	ScratchRoot      string
	IdleChunkTimeout int // seconds
}

func Load() (*Config, error) {
	LoadEnvOnce()

	defaultChunkSize, _ := strconv.ParseInt(GetEnvWithFallback("DEFAULT_CHUNK_SIZE_BYTES", "5242880"), 10, 64)     // 5MiB
	minChunkSize, _ := strconv.ParseInt(GetEnvWithFallback("MIN_CHUNK_SIZE_BYTES", "1048576"), 10, 64)             // 1MiB
	maxChunkSize, _ := strconv.ParseInt(GetEnvWithFallback("MAX_CHUNK_SIZE_BYTES", "52428800"), 10, 64)            // 50MiB
	maxUploadSize, _ := strconv.ParseInt(GetEnvWithFallback("MAX_UPLOAD_SIZE_BYTES", "5368709120"), 10, 64)        // 5GiB
	releaseMaxBytes, _ := strconv.ParseInt(GetEnvWithFallback("RELEASE_MAX_BYTES", "2147483648"), 10, 64)          // 2GiB
	lfsThresholdBytes, _ := strconv.ParseInt(GetEnvWithFallback("LFS_THRESHOLD_BYTES", "104857600"), 10, 64)       // 100MiB
	releaseAssetsEnabled, _ := strconv.ParseBool(GetEnvWithFallback("ENABLE_RELEASE_ASSETS", "true"))
	gitLFSEnabled, _ := strconv.ParseBool(GetEnvWithFallback("ENABLE_GIT_LFS", "false"))
	idleChunkTimeout, _ := strconv.Atoi(GetEnvWithFallback("IDLE_CHUNK_TIMEOUT_SECONDS", "3600"))

	return &Config{
		Port:        GetEnvWithFallback("PORT", "8080"),
		DatabaseURL: GetEnvWithFallback("DATABASE_URL", "postgresql://localhost:5432/uploadcore?sslmode=disable"),
		RedisURL:    GetEnvWithFallback("REDIS_URL", "redis://localhost:6379/0"),
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),

		ServiceAPIKey: GetEnvWithFallback("SERVICE_API_KEY", "dev-service-key"),

		RemoteAccessToken: MustGetEnv("REMOTE_ACCESS_TOKEN"),
		RemoteOwner:       GetEnvWithFallback("REMOTE_OWNER", ""),
		RemoteRepo:        GetEnvWithFallback("REMOTE_REPO", ""),

		DefaultChunkSize: defaultChunkSize,
		MinChunkSize:     minChunkSize,
		MaxChunkSize:     maxChunkSize,
		MaxUploadSize:    maxUploadSize,

		ReleaseAssetsEnabled: releaseAssetsEnabled,
		ReleaseMaxBytes:      releaseMaxBytes,
		GitLFSEnabled:        gitLFSEnabled,
		LFSThresholdBytes:    lfsThresholdBytes,

		ScratchRoot:      GetEnvWithFallback("SCRATCH_ROOT", "./data/scratch"),
		IdleChunkTimeout: idleChunkTimeout,
	}, nil
}
