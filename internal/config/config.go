package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Blob     BlobConfig
	Queue    QueueConfig
	Pipeline PipelineConfig
	Upload   UploadConfig
	Audit    AuditConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr string
}

// CacheConfig holds variant cache configuration
type CacheConfig struct {
	Backend   string // "memory" or "redis"
	TTL       time.Duration
	RedisAddr string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string
}

// BlobConfig holds blob storage configuration. Backend "local" stores under
// Path; backend "minio" uses the S3-compatible endpoint settings.
type BlobConfig struct {
	Backend   string // "local", "minio", or "memory"
	Path      string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// QueueConfig holds processing queue configuration.
type QueueConfig struct {
	Backend    string // "memory" or "nats"
	NATSURL    string
	Stream     string
	Subject    string
	Consumer   string
	MaxDeliver int
	BaseDelay  time.Duration
}

// PipelineConfig holds variant pipeline configuration.
type PipelineConfig struct {
	MaxAttempts int
	GuardTTL    time.Duration
	StaleAfter  time.Duration
}

// UploadConfig holds validation limit overrides.
type UploadConfig struct {
	MaxSizeBytes int64
	MaxDimension int
}

// AuditConfig holds audit sink configuration.
type AuditConfig struct {
	Backend string // "log" or "nats"
	NATSURL string
	Stream  string
	Subject string
}

// Load parses flags and environment variables to build configuration
func Load() *Config {
	cfg := &Config{}

	// Define flags with defaults
	httpAddr := flag.String("http", ":8080", "HTTP server address")
	cacheTTL := flag.Duration("cache-ttl", 15*time.Minute, "Variant cache TTL")
	cacheBackend := flag.String("cache-backend", "memory", "Cache backend: memory or redis")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis server address")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	dbHost := flag.String("db-host", "localhost", "PostgreSQL host")
	dbPort := flag.Int("db-port", 5432, "PostgreSQL port")
	dbUser := flag.String("db-user", "postgres", "PostgreSQL user")
	dbPassword := flag.String("db-password", "postgres", "PostgreSQL password")
	dbName := flag.String("db-name", "shutterwell", "PostgreSQL database name")
	dbSSLMode := flag.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	blobBackend := flag.String("blob-backend", "local", "Blob backend: local, minio, or memory")
	blobPath := flag.String("blob-path", "./data/blobs", "Local blob storage root")
	queueBackend := flag.String("queue-backend", "memory", "Queue backend: memory or nats")
	natsURL := flag.String("nats-url", "nats://localhost:4222", "NATS server URL")

	flag.Parse()

	// Apply environment variable overrides
	applyEnvOverrides(httpAddr, cacheTTL, cacheBackend, redisAddr, logLevel,
		dbHost, dbPort, dbUser, dbPassword, dbName, dbSSLMode,
		blobBackend, blobPath, queueBackend, natsURL)

	// Build config struct
	cfg.Server = ServerConfig{
		HTTPAddr: *httpAddr,
	}

	cfg.Cache = CacheConfig{
		Backend:   *cacheBackend,
		TTL:       *cacheTTL,
		RedisAddr: *redisAddr,
	}

	cfg.Database = DatabaseConfig{
		Host:     *dbHost,
		Port:     *dbPort,
		User:     *dbUser,
		Password: *dbPassword,
		Database: *dbName,
		SSLMode:  *dbSSLMode,
	}

	cfg.Logging = LoggingConfig{
		Level: *logLevel,
	}

	cfg.Blob = loadBlobConfig(*blobBackend, *blobPath)
	cfg.Queue = loadQueueConfig(*queueBackend, *natsURL)
	cfg.Pipeline = loadPipelineConfig()
	cfg.Upload = loadUploadConfig()
	cfg.Audit = loadAuditConfig(*natsURL)

	return cfg
}

func loadBlobConfig(backend, path string) BlobConfig {
	return BlobConfig{
		Backend:   backend,
		Path:      path,
		Endpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    getEnvOrDefault("MINIO_BUCKET", "shutterwell-images"),
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
	}
}

func loadQueueConfig(backend, natsURL string) QueueConfig {
	maxDeliver := 3
	if v := os.Getenv("QUEUE_MAX_DELIVER"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			maxDeliver = parsed
		}
	}

	baseDelay := 2 * time.Second
	if v := os.Getenv("QUEUE_BASE_DELAY"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			baseDelay = parsed
		}
	}

	return QueueConfig{
		Backend:    backend,
		NATSURL:    natsURL,
		Stream:     getEnvOrDefault("QUEUE_STREAM", "SHUTTERWELL_PROCESSING"),
		Subject:    getEnvOrDefault("QUEUE_SUBJECT", "shutterwell.processing"),
		Consumer:   getEnvOrDefault("QUEUE_CONSUMER", "shutterwell-worker"),
		MaxDeliver: maxDeliver,
		BaseDelay:  baseDelay,
	}
}

func loadPipelineConfig() PipelineConfig {
	maxAttempts := 3
	if v := os.Getenv("PIPELINE_MAX_ATTEMPTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			maxAttempts = parsed
		}
	}

	guardTTL := 5 * time.Minute
	if v := os.Getenv("PIPELINE_GUARD_TTL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			guardTTL = parsed
		}
	}

	staleAfter := 10 * time.Minute
	if v := os.Getenv("PIPELINE_STALE_AFTER"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			staleAfter = parsed
		}
	}

	return PipelineConfig{
		MaxAttempts: maxAttempts,
		GuardTTL:    guardTTL,
		StaleAfter:  staleAfter,
	}
}

func loadUploadConfig() UploadConfig {
	var cfg UploadConfig
	if v := os.Getenv("UPLOAD_MAX_SIZE_BYTES"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			cfg.MaxSizeBytes = parsed
		}
	}
	if v := os.Getenv("UPLOAD_MAX_DIMENSION"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.MaxDimension = parsed
		}
	}
	return cfg
}

func loadAuditConfig(natsURL string) AuditConfig {
	backend := strings.ToLower(strings.TrimSpace(getEnvOrDefault("AUDIT_BACKEND", "log")))
	return AuditConfig{
		Backend: backend,
		NATSURL: getEnvOrDefault("AUDIT_NATS_URL", natsURL),
		Stream:  getEnvOrDefault("AUDIT_STREAM", "SHUTTERWELL_AUDIT"),
		Subject: getEnvOrDefault("AUDIT_SUBJECT", "shutterwell.audit"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func applyEnvOverrides(
	httpAddr *string,
	cacheTTL *time.Duration,
	cacheBackend *string,
	redisAddr *string,
	logLevel *string,
	dbHost *string,
	dbPort *int,
	dbUser *string,
	dbPassword *string,
	dbName *string,
	dbSSLMode *string,
	blobBackend *string,
	blobPath *string,
	queueBackend *string,
	natsURL *string,
) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		*httpAddr = v
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*cacheTTL = d
		}
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		*cacheBackend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*logLevel = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		*dbHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dbPort = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		*dbUser = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		*dbPassword = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		*dbName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		*dbSSLMode = v
	}
	if v := os.Getenv("BLOB_BACKEND"); v != "" {
		*blobBackend = v
	}
	if v := os.Getenv("BLOB_PATH"); v != "" {
		*blobPath = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		*queueBackend = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		*natsURL = v
	}
}
