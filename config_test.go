package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigPrecedence(t *testing.T) {
	t.Setenv("GW_TEST_STR", "from-env")
	if got := getConfigString("GW_TEST_STR", "from-file", "from-default"); got != "from-env" {
		t.Fatalf("env should win: got %q", got)
	}
	t.Setenv("GW_TEST_STR", "")
	if got := getConfigString("GW_TEST_STR", "from-file", "from-default"); got != "from-file" {
		t.Fatalf("file should beat default: got %q", got)
	}
	if got := getConfigString("GW_TEST_STR", "", "from-default"); got != "from-default" {
		t.Fatalf("default fallback: got %q", got)
	}

	t.Setenv("GW_TEST_INT", "12")
	if got := getConfigInt("GW_TEST_INT", 5, 1); got != 12 {
		t.Fatalf("env int should win: got %d", got)
	}
	t.Setenv("GW_TEST_INT", "not-a-number")
	if got := getConfigInt("GW_TEST_INT", 5, 1); got != 5 {
		t.Fatalf("unparseable env falls through to file: got %d", got)
	}

	t.Setenv("GW_TEST_BOOL", "true")
	if !getConfigBool("GW_TEST_BOOL", false, false) {
		t.Fatalf("env bool should win")
	}
	t.Setenv("GW_TEST_BOOL", "0")
	if getConfigBool("GW_TEST_BOOL", false, true) {
		t.Fatalf("explicit env false should override the default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	if cfg, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.toml")); err != nil || cfg != nil {
		t.Fatalf("missing file = (%v, %v), want (nil, nil)", cfg, err)
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen_addr = "0.0.0.0:9000"
api_key = "k"

[retry]
max_request_retries = 7

[cache]
session_ttl_seconds = 120
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" || cfg.Retry.MaxRequestRetries != 7 || cfg.Cache.SessionTTLSeconds != 120 {
		t.Fatalf("parsed config = %+v", cfg)
	}
}
