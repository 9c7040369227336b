package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CARDVAULT_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != defaultAddress {
		t.Fatalf("address = %q", cfg.Address)
	}
	if cfg.StorageBackend != StorageLocal {
		t.Fatalf("storage = %q", cfg.StorageBackend)
	}
	if len(cfg.SigningSecret) == 0 {
		t.Fatalf("expected generated signing secret")
	}
	if cfg.FinalizeTimeout != defaultFinalizeTimeout {
		t.Fatalf("finalize timeout = %s", cfg.FinalizeTimeout)
	}
	if cfg.UseRedis() {
		t.Fatalf("redis must be off by default")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cardvault.yaml")
	body := []byte("address: \":9000\"\ncacheTTL: 30s\nstorageBackend: memory\nsigningSecret: filesecret\nmaxFileSize: 1024\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CARDVAULT_CONFIG", path)
	t.Setenv("CARDVAULT_ADDRESS", ":9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":9100" {
		t.Fatalf("env must override file, got %q", cfg.Address)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Fatalf("cache ttl = %v", cfg.CacheTTL)
	}
	if cfg.StorageBackend != StorageMemory {
		t.Fatalf("storage = %q", cfg.StorageBackend)
	}
	if string(cfg.SigningSecret) != "filesecret" {
		t.Fatalf("secret = %q", cfg.SigningSecret)
	}
	if cfg.MaxSessionSize < cfg.MaxFileSize {
		t.Fatalf("session limit must not be below direct limit")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CARDVAULT_CONFIG", "")
	t.Setenv("CARDVAULT_STORAGE", "ftp")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestS3RequiresEndpoint(t *testing.T) {
	t.Setenv("CARDVAULT_CONFIG", "")
	t.Setenv("CARDVAULT_STORAGE", "s3")
	t.Setenv("CARDVAULT_S3_ENDPOINT", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without endpoint")
	}
}
