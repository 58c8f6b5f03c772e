package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "WS_MAX_MESSAGE_BYTES",
		"STORE_DIR", "STORE_ENABLED",
		"ARK_API_KEY", "ARK_ACCESS_KEY", "ARK_SECRET_KEY", "ARK_MODEL",
		"ARK_MAX_RETRIES", "ARK_RETRY_BACKOFF_MS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Server.MaxMessageBytes != 1<<20 {
		t.Errorf("unexpected message limit: %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Store.Dir != "data/switchboard" || !cfg.Store.Enabled {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.AI.MaxRetries != 3 || cfg.AI.RetryBackoff != 500*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.AI)
	}
	if cfg.AI.Enabled() {
		t.Error("AI must be disabled without credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("WS_MAX_MESSAGE_BYTES", "4096")
	t.Setenv("STORE_ENABLED", "false")
	t.Setenv("STORE_DIR", "/tmp/sb")
	t.Setenv("ARK_MAX_RETRIES", "1")
	t.Setenv("ARK_RETRY_BACKOFF_MS", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":9000" || cfg.Server.MaxMessageBytes != 4096 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Enabled || cfg.Store.Dir != "/tmp/sb" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.AI.MaxRetries != 1 || cfg.AI.RetryBackoff != 50*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.AI)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STORE_ENABLED", "maybe")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad STORE_ENABLED")
	}
	t.Setenv("STORE_ENABLED", "")

	t.Setenv("WS_MAX_MESSAGE_BYTES", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad WS_MAX_MESSAGE_BYTES")
	}
	t.Setenv("WS_MAX_MESSAGE_BYTES", "")

	t.Setenv("PORT", "80 80")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad PORT")
	}
}

func TestAIConfigEnabled(t *testing.T) {
	cases := []struct {
		cfg  AIConfig
		want bool
	}{
		{AIConfig{}, false},
		{AIConfig{Model: "m"}, false},
		{AIConfig{APIKey: "k"}, false},
		{AIConfig{Model: "m", APIKey: "k"}, true},
		{AIConfig{Model: "m", AccessKey: "ak"}, false},
		{AIConfig{Model: "m", AccessKey: "ak", SecretKey: "sk"}, true},
	}
	for i, tc := range cases {
		if got := tc.cfg.Enabled(); got != tc.want {
			t.Errorf("case %d: got %v, want %v", i, got, tc.want)
		}
	}
}
