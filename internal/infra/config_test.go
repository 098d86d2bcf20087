package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "")
	t.Setenv("MAX_CONCURRENT_JOBS", "")
	t.Setenv("QUEUE_CAPACITY", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port mismatch: got %q want %q", cfg.Port, "8080")
	}
	if cfg.MaxConcurrentJobs != 3 {
		t.Fatalf("MaxConcurrentJobs mismatch: got %d want 3", cfg.MaxConcurrentJobs)
	}
	if cfg.QueueCapacity != 100 {
		t.Fatalf("QueueCapacity mismatch: got %d want 100", cfg.QueueCapacity)
	}
	if cfg.JobTimeout != 600*time.Second {
		t.Fatalf("JobTimeout mismatch: got %v", cfg.JobTimeout)
	}
	if cfg.JobRetention != 24*time.Hour {
		t.Fatalf("JobRetention mismatch: got %v", cfg.JobRetention)
	}
	if cfg.ClientPollInterval != 2*time.Second {
		t.Fatalf("ClientPollInterval mismatch: got %v", cfg.ClientPollInterval)
	}
}

func TestLoadConfigClientPollIndependentFromBackendPoll(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BACKEND_POLL_SECONDS", "1")
	t.Setenv("CLIENT_POLL_INTERVAL_MS", "5000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.BackendPoll != time.Second {
		t.Fatalf("BackendPoll mismatch: got %v", cfg.BackendPoll)
	}
	if cfg.ClientPollInterval != 5*time.Second {
		t.Fatalf("ClientPollInterval mismatch: got %v", cfg.ClientPollInterval)
	}
}

func TestLoadConfigParsesLists(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("COMFY_EMBEDDINGS", "char-1=emb_token_a, char-2=emb_token_b, malformed")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.example.com" {
		t.Fatalf("AllowedOrigins mismatch: %v", cfg.AllowedOrigins)
	}
	if len(cfg.ComfyEmbeddings) != 2 || cfg.ComfyEmbeddings["char-1"] != "emb_token_a" {
		t.Fatalf("ComfyEmbeddings mismatch: %v", cfg.ComfyEmbeddings)
	}
}

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when JWT_SECRET is missing")
	}
}

func TestLoadConfigRejectsZeroWorkers(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("MAX_CONCURRENT_JOBS", "0")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when MAX_CONCURRENT_JOBS is zero")
	}
}

func TestLoadConfigHonorsOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("MAX_CONCURRENT_JOBS", "8")
	t.Setenv("JOB_TIMEOUT_SECONDS", "90")
	t.Setenv("COST_PER_IMAGE", "5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MaxConcurrentJobs != 8 {
		t.Fatalf("MaxConcurrentJobs mismatch: got %d want 8", cfg.MaxConcurrentJobs)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Fatalf("JobTimeout mismatch: got %v", cfg.JobTimeout)
	}
	if cfg.CostPerImage != 5 {
		t.Fatalf("CostPerImage mismatch: got %d", cfg.CostPerImage)
	}
}
