package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NoConfigFile(t *testing.T) {
	snap, err := Load(LoaderOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Default()
	if snap.SOCKSPort != want.SOCKSPort || snap.HTTPPort != want.HTTPPort {
		t.Errorf("expected defaults, got %+v", snap)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revampd.toml")
	content := `
socks_port = 1081
remove_ads = true
ad_domains = ["ads.example.com", "tracker.example.net"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	snap, err := Load(LoaderOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.SOCKSPort != 1081 {
		t.Errorf("expected socks_port 1081, got %d", snap.SOCKSPort)
	}
	if !snap.RemoveAds {
		t.Errorf("expected remove_ads true")
	}
	if len(snap.AdDomains) != 2 {
		t.Errorf("expected 2 ad domains, got %d", len(snap.AdDomains))
	}
	// untouched fields keep their defaults
	if snap.HTTPPort != Default().HTTPPort {
		t.Errorf("expected http_port to remain at default")
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(LoaderOptions{ConfigPath: "/nonexistent/revampd.toml"})
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revampd.toml")
	if err := os.WriteFile(path, []byte("socks_port = 1081\n"), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	port := 1090
	snap, err := Load(LoaderOptions{
		ConfigPath: path,
		Overrides:  FlagOverrides{SOCKSPort: &port},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.SOCKSPort != 1090 {
		t.Errorf("expected flag override 1090, got %d", snap.SOCKSPort)
	}
}

func TestLoad_InvalidCompressionLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revampd.toml")
	if err := os.WriteFile(path, []byte("compression_level = 42\n"), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(LoaderOptions{ConfigPath: path})
	if err == nil {
		t.Fatalf("expected validation error for out-of-range compression_level")
	}
}
