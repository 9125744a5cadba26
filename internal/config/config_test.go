package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHORUS_OPENROUTER_API_KEY", "sk-test")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != 4000 || cfg.Server.MCPPort != 4001 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Scoring.TopN != 3 || !cfg.Scoring.OnlyFree {
		t.Errorf("scoring defaults = %+v", cfg.Scoring)
	}
	if cfg.Proactive.Inactivity != "24h" {
		t.Errorf("proactive defaults = %+v", cfg.Proactive)
	}
	if cfg.Pipeline.GenTimeout != "60s" {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Roles.FriendTemp != 0.9 || cfg.Roles.TechTemp != 0.1 {
		t.Errorf("role temp defaults = %+v", cfg.Roles)
	}
	if cfg.Provider.OpenRouterAPIKey != "sk-test" {
		t.Errorf("api key not picked up from env")
	}
}

func TestLoadMissingAPIKeyFatal(t *testing.T) {
	t.Setenv("CHORUS_OPENROUTER_API_KEY", "")

	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("CHORUS_OPENROUTER_API_KEY", "sk-test")

	path := writeConfigFile(t, `{
		"server.port": 8080,
		"scoring.quality_threshold": 1.5,
		"scoring.only_free": false,
		"pipeline.remove_emojis": false,
		"pipeline.gen_timeout": "90s",
		"roles.friend_temp": 0.7,
		"log.level": "debug"
	}`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scoring.QualityThreshold != 1.5 || cfg.Scoring.OnlyFree {
		t.Errorf("scoring = %+v", cfg.Scoring)
	}
	if cfg.Pipeline.RemoveEmojis {
		t.Error("remove_emojis override not applied")
	}
	if cfg.Pipeline.GenTimeout != "90s" {
		t.Errorf("gen_timeout = %q, want 90s", cfg.Pipeline.GenTimeout)
	}
	if cfg.Roles.FriendTemp != 0.7 {
		t.Errorf("friend temp = %v, want 0.7", cfg.Roles.FriendTemp)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	// Untouched keys keep defaults.
	if cfg.Server.MCPPort != 4001 {
		t.Errorf("mcp port = %d, want default 4001", cfg.Server.MCPPort)
	}
}

// TestEnvOverridesFile verifies precedence: defaults < file < env.
func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CHORUS_OPENROUTER_API_KEY", "sk-test")
	t.Setenv("CHORUS_SERVER_PORT", "9999")
	t.Setenv("CHORUS_SCORING_ONLY_FREE", "true")

	path := writeConfigFile(t, `{"server.port": 8080, "scoring.only_free": false}`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("env should beat file: port = %d", cfg.Server.Port)
	}
	if !cfg.Scoring.OnlyFree {
		t.Error("env should beat file: only_free = false")
	}
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("CHORUS_OPENROUTER_API_KEY", "sk-test")
	t.Setenv("CHORUS_QUEUE_WORKERS", "many")

	path := writeConfigFile(t, `{"server.port": "eighty"}`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("bad file value should keep default: port = %d", cfg.Server.Port)
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("bad env value should keep default: workers = %d", cfg.Queue.Workers)
	}
}

func TestInvalidConfigFile(t *testing.T) {
	t.Setenv("CHORUS_OPENROUTER_API_KEY", "sk-test")
	path := writeConfigFile(t, `{not json`)

	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}

func TestRoleTempsMap(t *testing.T) {
	cfg := defaults()
	temps := cfg.Roles.Temps()
	if temps["agitator"] != 0.5 || temps["operator"] != 0.3 {
		t.Errorf("temps map = %v", temps)
	}
}
