package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("REPOSITORY_BACKEND", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("VALIDATION_TIMEOUT_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RepositoryBackend != "memory" || cfg.QueueBackend != "inproc" || cfg.BlobBackend != "localfs" {
		t.Fatalf("unexpected backends: %+v", cfg)
	}
	if cfg.ValidationTimeout != 2*time.Minute {
		t.Fatalf("expected default validation timeout 2m, got %s", cfg.ValidationTimeout)
	}
	if cfg.ValidationWorkers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.ValidationWorkers)
	}
	if cfg.RecoveryInterval != time.Minute || cfg.RecoveryGrace != 5*time.Minute {
		t.Fatalf("unexpected recovery defaults: %s/%s", cfg.RecoveryInterval, cfg.RecoveryGrace)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("VALIDATION_TIMEOUT_SECONDS", "15")
	t.Setenv("API_BACKPRESSURE_WAIT_MS", "1.5s")
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("RESILIENCE_BREAKER_ENABLED", "false")
	t.Setenv("VALIDATION_WORKERS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ValidationTimeout != 15*time.Second {
		t.Fatalf("expected 15s, got %s", cfg.ValidationTimeout)
	}
	if cfg.APIBackpressureWait != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", cfg.APIBackpressureWait)
	}
	if cfg.APIRateLimitRPS != 2.5 || cfg.ResilienceBreakerEnabled {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.ValidationWorkers != 4 {
		t.Fatalf("invalid int must fall back, got %d", cfg.ValidationWorkers)
	}
}

func TestLoadLayersYAMLUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "API_PORT: 9000\nVALIDATION_BACKEND: http\nVALIDATION_URL: http://validator:8090\nINPROC_QUEUE_SIZE: 64\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_PORT", "")
	t.Setenv("VALIDATION_URL", "http://override:1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIPort != "9000" || cfg.ValidationBackend != "http" || cfg.InprocQueueSize != 64 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ValidationURL != "http://override:1" {
		t.Fatalf("environment must win over file, got %q", cfg.ValidationURL)
	}
}

func TestLoadRejectsInvalidCombinations(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("QUEUE_BACKEND", "nats")
	t.Setenv("REPOSITORY_BACKEND", "memory")
	t.Setenv("BLOB_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"S3_BUCKET", "REPOSITORY_BACKEND=postgres"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error, got %v", want, err)
		}
	}
}

func TestLoadRejectsNestedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("s3:\n  bucket: x\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for nested yaml")
	}
}
