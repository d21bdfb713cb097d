package config

import (
	"os"
	"strings"
	"testing"
)

var configEnvPrefixes = []string{
	"G2_", "ASSISTANT_", "POLL_", "IPC_", "SCHEDULER_", "CONTAINER_",
	"IDLE_", "MAX_CONCURRENT", "MOUNT_ALLOWLIST", "TZ",
}

func clearG2Env(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		key, _, _ := strings.Cut(e, "=")
		for _, prefix := range configEnvPrefixes {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			old, had := os.LookupEnv(key)
			os.Unsetenv(key)
			if had {
				t.Cleanup(func() { os.Setenv(key, old) })
			}
			break
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearG2Env(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Assistant.Name != "G2" {
		t.Fatalf("expected default assistant name G2, got %q", cfg.Assistant.Name)
	}
	if cfg.Container.MaxConcurrent != 4 {
		t.Fatalf("expected default max concurrent 4, got %d", cfg.Container.MaxConcurrent)
	}
	if cfg.Container.DockerBinary != "docker" {
		t.Fatalf("expected default docker binary, got %q", cfg.Container.DockerBinary)
	}
}

func TestLoadHonorsLegacyEnvNames(t *testing.T) {
	clearG2Env(t)
	os.Setenv("ASSISTANT_NAME", "Custom")
	os.Setenv("MAX_CONCURRENT_CONTAINERS", "9")
	t.Cleanup(func() {
		os.Unsetenv("ASSISTANT_NAME")
		os.Unsetenv("MAX_CONCURRENT_CONTAINERS")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Assistant.Name != "Custom" {
		t.Fatalf("expected legacy ASSISTANT_NAME honored, got %q", cfg.Assistant.Name)
	}
	if cfg.Container.MaxConcurrent != 9 {
		t.Fatalf("expected legacy MAX_CONCURRENT_CONTAINERS honored, got %d", cfg.Container.MaxConcurrent)
	}
}

func TestLoadRejectsNonPositiveMaxConcurrent(t *testing.T) {
	clearG2Env(t)
	os.Setenv("MAX_CONCURRENT_CONTAINERS", "0")
	t.Cleanup(func() { os.Unsetenv("MAX_CONCURRENT_CONTAINERS") })

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for maxConcurrent=0")
	}
}
