package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Log       LogConfig       `json:"log" yaml:"log"`
	mu        sync.RWMutex
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"DOTAVATAR_SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"DOTAVATAR_SERVER_PORT"`
}

type MemoryConfig struct {
	Workspace              string   `json:"workspace" yaml:"workspace" env:"DOTAVATAR_MEMORY_WORKSPACE"`
	Backend                string   `json:"backend" yaml:"backend" env:"DOTAVATAR_MEMORY_BACKEND"`
	Dimension              int      `json:"dimension" yaml:"dimension" env:"DOTAVATAR_MEMORY_DIMENSION"`
	SimilarityWeight       float64  `json:"similarity_weight" yaml:"similarity_weight" env:"DOTAVATAR_MEMORY_SIMILARITY_WEIGHT"`
	RecencyWeight          float64  `json:"recency_weight" yaml:"recency_weight" env:"DOTAVATAR_MEMORY_RECENCY_WEIGHT"`
	DefaultTimeWeight      float64  `json:"default_time_weight" yaml:"default_time_weight" env:"DOTAVATAR_MEMORY_DEFAULT_TIME_WEIGHT"`
	MergeThreshold         float64  `json:"merge_threshold" yaml:"merge_threshold" env:"DOTAVATAR_MEMORY_MERGE_THRESHOLD"`
	SummaryLength          int      `json:"summary_length" yaml:"summary_length" env:"DOTAVATAR_MEMORY_SUMMARY_LENGTH"`
	MaxMemoriesPerUser     int      `json:"max_memories_per_user" yaml:"max_memories_per_user" env:"DOTAVATAR_MEMORY_MAX_MEMORIES_PER_USER"`
	ReminderTypes          []string `json:"reminder_types" yaml:"reminder_types" env:"DOTAVATAR_MEMORY_REMINDER_TYPES" envSeparator:","`
	ProactiveMinConfidence float64  `json:"proactive_min_confidence" yaml:"proactive_min_confidence" env:"DOTAVATAR_MEMORY_PROACTIVE_MIN_CONFIDENCE"`
	ProactiveLimit         int      `json:"proactive_limit" yaml:"proactive_limit" env:"DOTAVATAR_MEMORY_PROACTIVE_LIMIT"`
	AutoConsolidate        bool     `json:"auto_consolidate" yaml:"auto_consolidate" env:"DOTAVATAR_MEMORY_AUTO_CONSOLIDATE"`
	ConsolidateSchedule    string   `json:"consolidate_schedule" yaml:"consolidate_schedule" env:"DOTAVATAR_MEMORY_CONSOLIDATE_SCHEDULE"`
	WorkerPollMS           int      `json:"worker_poll_ms" yaml:"worker_poll_ms" env:"DOTAVATAR_MEMORY_WORKER_POLL_MS"`
	WorkerLeaseSeconds     int      `json:"worker_lease_seconds" yaml:"worker_lease_seconds" env:"DOTAVATAR_MEMORY_WORKER_LEASE_SECONDS"`
}

type ProvidersConfig struct {
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Emotion   EmotionConfig   `json:"emotion" yaml:"emotion"`
}

type EmbeddingConfig struct {
	Provider       string  `json:"provider" yaml:"provider" env:"DOTAVATAR_PROVIDERS_EMBEDDING_PROVIDER"`
	APIKey         string  `json:"api_key" yaml:"api_key" env:"DOTAVATAR_PROVIDERS_EMBEDDING_API_KEY"`
	APIBase        string  `json:"api_base" yaml:"api_base" env:"DOTAVATAR_PROVIDERS_EMBEDDING_API_BASE"`
	Model          string  `json:"model" yaml:"model" env:"DOTAVATAR_PROVIDERS_EMBEDDING_MODEL"`
	Dimensions     int     `json:"dimensions" yaml:"dimensions" env:"DOTAVATAR_PROVIDERS_EMBEDDING_DIMENSIONS"`
	TimeoutMS      int     `json:"timeout_ms" yaml:"timeout_ms" env:"DOTAVATAR_PROVIDERS_EMBEDDING_TIMEOUT_MS"`
	RetryBackoffMS int     `json:"retry_backoff_ms" yaml:"retry_backoff_ms" env:"DOTAVATAR_PROVIDERS_EMBEDDING_RETRY_BACKOFF_MS"`
	RatePerSecond  float64 `json:"rate_per_second" yaml:"rate_per_second" env:"DOTAVATAR_PROVIDERS_EMBEDDING_RATE_PER_SECOND"`
	Burst          int     `json:"burst" yaml:"burst" env:"DOTAVATAR_PROVIDERS_EMBEDDING_BURST"`
	CacheEntries   int64   `json:"cache_entries" yaml:"cache_entries" env:"DOTAVATAR_PROVIDERS_EMBEDDING_CACHE_ENTRIES"`
	CacheTTLSec    int     `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" env:"DOTAVATAR_PROVIDERS_EMBEDDING_CACHE_TTL_SECONDS"`
}

type EmotionConfig struct {
	Provider  string `json:"provider" yaml:"provider" env:"DOTAVATAR_PROVIDERS_EMOTION_PROVIDER"`
	APIKey    string `json:"api_key" yaml:"api_key" env:"DOTAVATAR_PROVIDERS_EMOTION_API_KEY"`
	APIBase   string `json:"api_base,omitempty" yaml:"api_base,omitempty" env:"DOTAVATAR_PROVIDERS_EMOTION_API_BASE"`
	Model     string `json:"model" yaml:"model" env:"DOTAVATAR_PROVIDERS_EMOTION_MODEL"`
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms" env:"DOTAVATAR_PROVIDERS_EMOTION_TIMEOUT_MS"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"DOTAVATAR_LOG_LEVEL"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18791,
		},
		Memory: MemoryConfig{
			Workspace:              "~/.dotavatar/workspace",
			Backend:                "sqlite",
			Dimension:              0,
			SimilarityWeight:       0.7,
			RecencyWeight:          0.3,
			DefaultTimeWeight:      0.1,
			MergeThreshold:         0.8,
			SummaryLength:          100,
			MaxMemoriesPerUser:     10000,
			ReminderTypes:          []string{"birthday", "anniversary", "event", "reminder"},
			ProactiveMinConfidence: 0.8,
			ProactiveLimit:         5,
			AutoConsolidate:        true,
			ConsolidateSchedule:    "0 3 * * *",
			WorkerPollMS:           800,
			WorkerLeaseSeconds:     45,
		},
		Providers: ProvidersConfig{
			Embedding: EmbeddingConfig{
				Provider:       "local",
				Model:          "dotavatar-chargram-384-v1",
				Dimensions:     384,
				TimeoutMS:      10000,
				RetryBackoffMS: 250,
				RatePerSecond:  0,
				Burst:          10,
				CacheEntries:   4096,
				CacheTTLSec:    600,
			},
			Emotion: EmotionConfig{
				Provider:  "lexicon",
				Model:     "claude-3-5-haiku-latest",
				TimeoutMS: 10000,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultConfigFromEnv returns the defaults with DOTAVATAR_* overrides applied.
func DefaultConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// then applies DOTAVATAR_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings the memory engine cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.Memory
	if m.SimilarityWeight < 0 || m.SimilarityWeight > 1 || m.RecencyWeight < 0 || m.RecencyWeight > 1 {
		return fmt.Errorf("memory weights must be within [0,1]")
	}
	if m.SimilarityWeight+m.RecencyWeight <= 0 {
		return fmt.Errorf("memory weights must not both be zero")
	}
	if m.DefaultTimeWeight < 0 || m.DefaultTimeWeight > 1 {
		return fmt.Errorf("memory.default_time_weight must be within [0,1], got %v", m.DefaultTimeWeight)
	}
	if m.MergeThreshold <= 0 || m.MergeThreshold > 1 {
		return fmt.Errorf("memory.merge_threshold must be within (0,1], got %v", m.MergeThreshold)
	}
	if m.ProactiveMinConfidence < 0 || m.ProactiveMinConfidence > 1 {
		return fmt.Errorf("memory.proactive_min_confidence must be within [0,1], got %v", m.ProactiveMinConfidence)
	}
	switch strings.ToLower(m.Backend) {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown memory.backend %q", m.Backend)
	}
	if m.ConsolidateSchedule != "" && !gronx.New().IsValid(m.ConsolidateSchedule) {
		return fmt.Errorf("memory.consolidate_schedule %q is not a valid cron expression", m.ConsolidateSchedule)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.Workspace)
}

func (c *Config) WorkerPoll() time.Duration {
	return time.Duration(c.Memory.WorkerPollMS) * time.Millisecond
}

func (c *Config) WorkerLease() time.Duration {
	return time.Duration(c.Memory.WorkerLeaseSeconds) * time.Second
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
