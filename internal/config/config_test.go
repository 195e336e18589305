package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ADDR", "UPLOADS_PATH", "CHUNK_SIZE", "MAX_CHUNKS", "CHUNK_TIMEOUT_MS",
		"RETRY_BASE_MS", "RETRY_MAX_MS", "RETRY_MAX_ATTEMPTS", "JWT_SECRET", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != 1048576 {
		t.Errorf("ChunkSize: expected 1048576, got %d", cfg.ChunkSize)
	}
	if cfg.MaxChunks != 1000 {
		t.Errorf("MaxChunks: expected 1000, got %d", cfg.MaxChunks)
	}
	if cfg.ChunkTimeout != 30*time.Minute {
		t.Errorf("ChunkTimeout: expected 30m, got %v", cfg.ChunkTimeout)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts: expected 3, got %d", cfg.RetryMaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHUNK_SIZE", "2048")
	t.Setenv("MAX_CHUNKS", "10")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != 2048 {
		t.Errorf("ChunkSize: expected 2048, got %d", cfg.ChunkSize)
	}
	if cfg.MaxChunks != 10 {
		t.Errorf("MaxChunks: expected 10, got %d", cfg.MaxChunks)
	}
	if cfg.RetryMaxAttempts != 5 {
		t.Errorf("RetryMaxAttempts: expected 5, got %d", cfg.RetryMaxAttempts)
	}
}

func TestLoadInvalidChunkSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHUNK_SIZE", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero CHUNK_SIZE")
	}
}

func TestLoadInvalidRetryBounds(t *testing.T) {
	clearEnv(t)
	t.Setenv("RETRY_BASE_MS", "5000")
	t.Setenv("RETRY_MAX_MS", "1000")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when RETRY_MAX_MS < RETRY_BASE_MS")
	}
}
