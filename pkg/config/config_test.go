package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_MergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"store": {"type": "file", "path": "sessions"},
		"engine": {"max_attempts": 5, "phase_timeout": "45s", "max_backoff": 30},
		"providers": {"openrouter": {"api_key": "k", "model": "m", "enabled": true}},
		"gateways": {"telegram": {"token": "t", "chat_id": "42", "enabled": true}}
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Engine.MaxAttempts != 5 || cfg.Engine.PhaseTimeout.Duration != 45*time.Second {
		t.Errorf("engine: %+v", cfg.Engine)
	}
	if cfg.Engine.MaxBackoff.Duration != 30*time.Second {
		t.Errorf("numeric duration: got %v", cfg.Engine.MaxBackoff)
	}
	if cfg.Engine.MaxReplans != 2 || cfg.Engine.FlushEvery != 2 {
		t.Errorf("defaults lost: %+v", cfg.Engine)
	}
	if name, p := cfg.GetDefaultProvider(); name != "openrouter" || p.Model != "m" {
		t.Errorf("provider: %s %+v", name, p)
	}
	if g, ok := cfg.GetGateway("telegram"); !ok || g.ChatID != "42" {
		t.Errorf("telegram gateway: %+v", g)
	}
	if _, ok := cfg.GetGateway("discord"); ok {
		t.Error("discord should be disabled")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.com/api/webhooks/1/abc")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	name, p := cfg.GetDefaultProvider()
	if name != "openai" || p.APIKey != "sk-test" {
		t.Errorf("env provider: %s %+v", name, p)
	}
	if _, ok := cfg.GetGateway("discord"); !ok {
		t.Error("discord should be enabled from env")
	}
	if cfg.Store.Type != "sqlite" || cfg.Engine.PhaseTimeout.Duration != 120*time.Second {
		t.Errorf("defaults: %+v %+v", cfg.Store, cfg.Engine)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad json":     `{`,
		"bad store":    `{"store": {"type": "redis"}}`,
		"bad attempts": `{"engine": {"max_attempts": 0}}`,
		"bad duration": `{"engine": {"phase_timeout": "soon"}}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
