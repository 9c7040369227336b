// Package config centralizes how cardvault reads its settings and exposes
// them as strongly typed Go values. Values come from defaults, then an
// optional YAML file named by CARDVAULT_CONFIG, then environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends understood by blobstore.Open.
const (
	StorageS3     = "s3"
	StorageLocal  = "local"
	StorageMemory = "memory"
)

// Config represents runtime configuration for the API server, the worker and
// cardctl.
type Config struct {
	Address string `yaml:"address"`
	LogMode string `yaml:"logMode"`
	// PublicBaseURL prefixes blob URLs handed to clients and identifies media
	// that is already hosted locally.
	PublicBaseURL string `yaml:"publicBaseURL"`

	MaxFileSize    int64 `yaml:"maxFileSize"`
	MaxSessionSize int64 `yaml:"maxSessionSize"`
	MinPartSize    int64 `yaml:"minPartSize"`

	DatabaseURL string `yaml:"databaseURL"`

	StorageBackend  string `yaml:"storageBackend"`
	LocalStorageDir string `yaml:"localStorageDir"`
	S3Endpoint      string `yaml:"s3Endpoint"`
	S3AccessKey     string `yaml:"s3AccessKey"`
	S3SecretKey     string `yaml:"s3SecretKey"`
	S3Bucket        string `yaml:"s3Bucket"`
	S3Region        string `yaml:"s3Region"`
	S3UseSSL        bool   `yaml:"s3UseSSL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	CacheSize int           `yaml:"cacheSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`

	SigningSecret   []byte        `yaml:"-"`
	PartTokenTTL    time.Duration `yaml:"partTokenTTL"`
	FinalizeTimeout time.Duration `yaml:"finalizeTimeout"` // processing sessions older than this count as abandoned

	ProcessingPool    int           `yaml:"processingPool"`
	MediaFetchTimeout time.Duration `yaml:"mediaFetchTimeout"`
	MediaMaxBytes     int64         `yaml:"mediaMaxBytes"`
	MediaWaitLimit    time.Duration `yaml:"mediaWaitLimit"`
	ThumbnailMaxDim   int           `yaml:"thumbnailMaxDim"`
}

type fileSecrets struct {
	SigningSecret string `yaml:"signingSecret"`
}

const (
	defaultAddress         = ":8080"
	defaultMaxFileSize     = 25 << 20  // 25 MiB
	defaultMaxSessionSize  = 2 << 30   // 2 GiB
	defaultMinPartSize     = 5 << 20   // S3 minimum for every part but the last
	defaultMediaMaxBytes   = 10 << 20  // 10 MiB
	defaultCacheSize       = 2048
	defaultCacheTTL        = 2 * time.Minute
	defaultPartTokenTTL    = 24 * time.Hour
	defaultFinalizeTimeout = 15 * time.Minute
	defaultWorkerCount     = 2
	defaultFetchTimeout    = 15 * time.Second
	defaultWaitLimit       = 10 * time.Second
	defaultThumbnailDim    = 512
	defaultLocalDir        = "./data/blobs"
	defaultBucket          = "cards"
)

func defaults() *Config {
	return &Config{
		Address:           defaultAddress,
		LogMode:           "dev",
		MaxFileSize:       defaultMaxFileSize,
		MaxSessionSize:    defaultMaxSessionSize,
		MinPartSize:       defaultMinPartSize,
		StorageBackend:    StorageLocal,
		LocalStorageDir:   defaultLocalDir,
		S3Bucket:          defaultBucket,
		S3Region:          "us-east-1",
		CacheSize:         defaultCacheSize,
		CacheTTL:          defaultCacheTTL,
		PartTokenTTL:      defaultPartTokenTTL,
		FinalizeTimeout:   defaultFinalizeTimeout,
		ProcessingPool:    defaultWorkerCount,
		MediaFetchTimeout: defaultFetchTimeout,
		MediaMaxBytes:     defaultMediaMaxBytes,
		MediaWaitLimit:    defaultWaitLimit,
		ThumbnailMaxDim:   defaultThumbnailDim,
	}
}

// Load reads configuration falling back to defaults. A malformed config file
// is an error; malformed individual env values fall back to the prior value.
func Load() (*Config, error) {
	cfg := defaults()
	if path := readEnv("CARDVAULT_CONFIG", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if cfg.SigningSecret == nil {
		cfg.SigningSecret = randomSecret()
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	var secrets fileSecrets
	if err := yaml.Unmarshal(raw, &secrets); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if secrets.SigningSecret != "" {
		cfg.SigningSecret = []byte(secrets.SigningSecret)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Address = readEnv("CARDVAULT_ADDRESS", cfg.Address)
	cfg.LogMode = readEnv("CARDVAULT_LOG_MODE", cfg.LogMode)
	cfg.PublicBaseURL = readEnv("CARDVAULT_PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.MaxFileSize = parseInt64("CARDVAULT_MAX_FILE_BYTES", cfg.MaxFileSize)
	cfg.MaxSessionSize = parseInt64("CARDVAULT_MAX_SESSION_BYTES", cfg.MaxSessionSize)
	cfg.MinPartSize = parseInt64("CARDVAULT_MIN_PART_BYTES", cfg.MinPartSize)
	cfg.DatabaseURL = readEnv("CARDVAULT_DATABASE_URL", cfg.DatabaseURL)
	cfg.StorageBackend = strings.ToLower(readEnv("CARDVAULT_STORAGE", cfg.StorageBackend))
	cfg.LocalStorageDir = readEnv("CARDVAULT_STORAGE_DIR", cfg.LocalStorageDir)
	cfg.S3Endpoint = readEnv("CARDVAULT_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = readEnv("CARDVAULT_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = readEnv("CARDVAULT_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Bucket = readEnv("CARDVAULT_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = readEnv("CARDVAULT_S3_REGION", cfg.S3Region)
	cfg.S3UseSSL = parseBool("CARDVAULT_S3_USE_SSL", cfg.S3UseSSL)
	cfg.RedisAddr = readEnv("CARDVAULT_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = readEnv("CARDVAULT_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseInt("CARDVAULT_REDIS_DB", cfg.RedisDB)
	cfg.CacheSize = parseInt("CARDVAULT_CACHE_SIZE", cfg.CacheSize)
	cfg.CacheTTL = parseDuration("CARDVAULT_CACHE_TTL", cfg.CacheTTL)
	if secret := parseSecret("CARDVAULT_SIGNING_SECRET"); secret != nil {
		cfg.SigningSecret = secret
	}
	cfg.PartTokenTTL = parseDuration("CARDVAULT_PART_TOKEN_TTL", cfg.PartTokenTTL)
	cfg.FinalizeTimeout = parseDuration("CARDVAULT_FINALIZE_TIMEOUT", cfg.FinalizeTimeout)
	cfg.ProcessingPool = parseInt("CARDVAULT_WORKERS", cfg.ProcessingPool)
	cfg.MediaFetchTimeout = parseDuration("CARDVAULT_MEDIA_FETCH_TIMEOUT", cfg.MediaFetchTimeout)
	cfg.MediaMaxBytes = parseInt64("CARDVAULT_MEDIA_MAX_BYTES", cfg.MediaMaxBytes)
	cfg.MediaWaitLimit = parseDuration("CARDVAULT_MEDIA_WAIT_LIMIT", cfg.MediaWaitLimit)
	cfg.ThumbnailMaxDim = parseInt("CARDVAULT_THUMBNAIL_MAX_DIM", cfg.ThumbnailMaxDim)
}

func (c *Config) normalize() error {
	switch c.StorageBackend {
	case StorageS3, StorageLocal, StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.StorageBackend == StorageS3 && c.S3Endpoint == "" {
		return fmt.Errorf("CARDVAULT_S3_ENDPOINT is required for the s3 backend")
	}
	d := defaults()
	if c.ProcessingPool <= 0 {
		c.ProcessingPool = d.ProcessingPool
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.MaxSessionSize < c.MaxFileSize {
		c.MaxSessionSize = c.MaxFileSize
	}
	if c.MinPartSize <= 0 {
		c.MinPartSize = d.MinPartSize
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.PartTokenTTL <= 0 {
		c.PartTokenTTL = d.PartTokenTTL
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	if c.MediaFetchTimeout <= 0 {
		c.MediaFetchTimeout = d.MediaFetchTimeout
	}
	if c.MediaMaxBytes <= 0 {
		c.MediaMaxBytes = d.MediaMaxBytes
	}
	if c.MediaWaitLimit <= 0 {
		c.MediaWaitLimit = d.MediaWaitLimit
	}
	if c.ThumbnailMaxDim <= 0 {
		c.ThumbnailMaxDim = d.ThumbnailMaxDim
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return nil
}

// UseRedis reports whether shared Redis-backed components (asynq, listing
// cache) are configured.
func (c *Config) UseRedis() bool {
	return c.RedisAddr != ""
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
