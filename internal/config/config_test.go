package config

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Chunker.AvgBytes != DefaultConfig().Chunker.AvgBytes {
		t.Fatalf("expected default chunker avg, got %d", cfg.Chunker.AvgBytes)
	}
}

func TestSaveDefaultThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if _, err := SaveDefault(path); err != nil {
		t.Fatalf("SaveDefault: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Pack.MaxEntries != DefaultConfig().Pack.MaxEntries {
		t.Fatalf("expected round-tripped max entries, got %d", cfg.Pack.MaxEntries)
	}
}

func TestValidateRejectsUnorderedChunkSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chunker.MaxBytes = cfg.Chunker.MinBytes - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for max < min")
	}
}

func TestValidateRejectsBadEndpointConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoints = []EndpointConfig{{EndpointID: "telegram.mtproto/home", MaxConcurrentUploads: 0}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero concurrency")
	}
}

func TestIndexPathIsScopedByEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	got := cfg.IndexPath("home")
	want := filepath.Join("/data", "index", "index.home.sqlite")
	if got != want {
		t.Fatalf("IndexPath = %q, want %q", got, want)
	}
}
