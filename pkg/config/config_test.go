package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestDefaultConfig_Memory verifies scoring and proactive defaults
func TestDefaultConfig_Memory(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Memory.SimilarityWeight != 0.7 || cfg.Memory.RecencyWeight != 0.3 {
		t.Errorf("unexpected weights: %v/%v", cfg.Memory.SimilarityWeight, cfg.Memory.RecencyWeight)
	}
	if cfg.Memory.DefaultTimeWeight != 0.1 {
		t.Errorf("DefaultTimeWeight = %v, want 0.1", cfg.Memory.DefaultTimeWeight)
	}
	if cfg.Memory.MergeThreshold != 0.8 {
		t.Errorf("MergeThreshold = %v, want 0.8", cfg.Memory.MergeThreshold)
	}
	if cfg.Memory.ProactiveMinConfidence != 0.8 || cfg.Memory.ProactiveLimit != 5 {
		t.Error("proactive defaults should be 0.8 confidence and 5 results")
	}
	if len(cfg.Memory.ReminderTypes) != 4 {
		t.Errorf("expected 4 default reminder types, got %v", cfg.Memory.ReminderTypes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

// TestDefaultConfig_Server verifies server defaults
func TestDefaultConfig_Server(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "0.0.0.0" {
		t.Error("Server host should have default value")
	}
	if cfg.Server.Port == 0 {
		t.Error("Server port should have default value")
	}
	if !strings.HasSuffix(cfg.ListenAddr(), ":18791") {
		t.Errorf("unexpected listen addr %q", cfg.ListenAddr())
	}
}

// TestDefaultConfig_Providers verifies provider credentials are empty
func TestDefaultConfig_Providers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Providers.Embedding.APIKey != "" {
		t.Error("Embedding API key should be empty by default")
	}
	if cfg.Providers.Emotion.APIKey != "" {
		t.Error("Emotion API key should be empty by default")
	}
	if cfg.Providers.Embedding.Provider != "local" || cfg.Providers.Emotion.Provider != "lexicon" {
		t.Error("offline providers should be the default")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("DOTAVATAR_MEMORY_BACKEND", "memory")
	t.Setenv("DOTAVATAR_MEMORY_REMINDER_TYPES", "birthday,medication")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Memory.Backend; got != "memory" {
		t.Fatalf("expected env override backend, got %q", got)
	}
	if got := cfg.Memory.ReminderTypes; len(got) != 2 || got[1] != "medication" {
		t.Fatalf("expected reminder types from env, got %v", got)
	}
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
memory:
  backend: memory
  merge_threshold: 0.9
providers:
  embedding:
    provider: openai
    model: text-embedding-3-small
    dimensions: 1536
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DOTAVATAR_PROVIDERS_EMBEDDING_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Memory.MergeThreshold != 0.9 {
		t.Fatalf("expected merge threshold from yaml, got %v", cfg.Memory.MergeThreshold)
	}
	if cfg.Providers.Embedding.Dimensions != 1536 || cfg.Providers.Embedding.APIKey != "sk-test" {
		t.Fatalf("unexpected embedding config: %#v", cfg.Providers.Embedding)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Memory.SimilarityWeight != 0.7 {
		t.Fatalf("expected default similarity weight, got %v", cfg.Memory.SimilarityWeight)
	}
}

func TestLoadConfig_JSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Memory.ConsolidateSchedule = "*/15 * * * *"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Memory.ConsolidateSchedule != "*/15 * * * *" {
		t.Fatalf("schedule not persisted: %q", loaded.Memory.ConsolidateSchedule)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"time weight above one", func(c *Config) { c.Memory.DefaultTimeWeight = 1.5 }},
		{"zero weights", func(c *Config) { c.Memory.SimilarityWeight, c.Memory.RecencyWeight = 0, 0 }},
		{"negative weight", func(c *Config) { c.Memory.RecencyWeight = -0.1 }},
		{"zero threshold", func(c *Config) { c.Memory.MergeThreshold = 0 }},
		{"bad backend", func(c *Config) { c.Memory.Backend = "redis" }},
		{"bad schedule", func(c *Config) { c.Memory.ConsolidateSchedule = "every day" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("DOTAVATAR_SERVER_PORT", "9000")
	cfg, err := DefaultConfigFromEnv()
	if err != nil {
		t.Fatalf("DefaultConfigFromEnv failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if cfg.Memory.MergeThreshold != 0.8 {
		t.Fatalf("expected default threshold, got %v", cfg.Memory.MergeThreshold)
	}
}
