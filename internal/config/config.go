// Package config loads process configuration from the environment. Unlike
// the teacher's persisted, hot-reloadable Store, this system's configuration
// is load-once-at-startup: there is no durable config store and no live
// reconfiguration in scope.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config describes the tunables of a running instance, with defaults
// matching the documented environment variables.
type Config struct {
	Addr             string
	UploadsPath      string
	ChunkSize        int64
	MaxChunks        int
	ChunkTimeout     time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	JWTSecret        []byte
	LogLevel         string
}

// Load reads configuration from the environment, applying defaults for any
// variable that is unset.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		UploadsPath:      getEnv("UPLOADS_PATH", "./uploads"),
		ChunkSize:        1048576,
		MaxChunks:        1000,
		ChunkTimeout:     30 * time.Minute,
		RetryBaseDelay:   1000 * time.Millisecond,
		RetryMaxDelay:    30000 * time.Millisecond,
		RetryMaxAttempts: 3,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ChunkSize, err = getEnvInt64("CHUNK_SIZE", cfg.ChunkSize); err != nil {
		return nil, err
	}
	if cfg.MaxChunks, err = getEnvInt("MAX_CHUNKS", cfg.MaxChunks); err != nil {
		return nil, err
	}
	if cfg.ChunkTimeout, err = getEnvMillis("CHUNK_TIMEOUT_MS", cfg.ChunkTimeout); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getEnvMillis("RETRY_BASE_MS", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = getEnvMillis("RETRY_MAX_MS", cfg.RetryMaxDelay); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return nil, err
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change-me"
	}
	cfg.JWTSecret = []byte(secret)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.MaxChunks <= 0 {
		return fmt.Errorf("MAX_CHUNKS must be positive, got %d", c.MaxChunks)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_MS must be >= RETRY_BASE_MS")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}
