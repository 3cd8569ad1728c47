// DotAgent - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/logger"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
	"github.com/dotsetgreg/dotavatar/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotavatar"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotavatar", "config.json")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// memoryConfigFrom maps the file configuration onto the memory service.
func memoryConfigFrom(cfg *config.Config) memory.Config {
	m := cfg.Memory
	emb := cfg.Providers.Embedding
	timeout := time.Duration(emb.TimeoutMS) * time.Millisecond
	if t := time.Duration(cfg.Providers.Emotion.TimeoutMS) * time.Millisecond; t > timeout {
		timeout = t
	}
	return memory.Config{
		Workspace: cfg.WorkspacePath(),
		Backend:   m.Backend,
		Engine: memory.EngineConfig{
			Dimension:          m.Dimension,
			SimilarityWeight:   m.SimilarityWeight,
			RecencyWeight:      m.RecencyWeight,
			DefaultTimeWeight:  &m.DefaultTimeWeight,
			MergeThreshold:     m.MergeThreshold,
			SummaryLength:      m.SummaryLength,
			MaxMemoriesPerUser: m.MaxMemoriesPerUser,
			ProactiveLimit:     m.ProactiveLimit,
			Guard: memory.GuardConfig{
				Timeout:       timeout,
				RetryBackoff:  time.Duration(emb.RetryBackoffMS) * time.Millisecond,
				RatePerSecond: emb.RatePerSecond,
				Burst:         emb.Burst,
				CacheEntries:  emb.CacheEntries,
				CacheTTL:      time.Duration(emb.CacheTTLSec) * time.Second,
			},
		},
		ReminderTypes:          m.ReminderTypes,
		ProactiveMinConfidence: m.ProactiveMinConfidence,
		AutoConsolidate:        m.AutoConsolidate,
		ConsolidateSchedule:    m.ConsolidateSchedule,
		WorkerLease:            cfg.WorkerLease(),
		WorkerPoll:             cfg.WorkerPoll(),
	}
}

// openService builds the providers and the memory service. Only the
// long-running server keeps the consolidation schedule.
func openService(cfg *config.Config, withSchedule bool) (*memory.Service, error) {
	embedder, err := providers.NewEmbedder(cfg.Providers.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	detector, err := providers.NewEmotionDetector(cfg.Providers.Emotion)
	if err != nil {
		return nil, fmt.Errorf("emotion provider: %w", err)
	}

	mcfg := memoryConfigFrom(cfg)
	if !withSchedule {
		mcfg.ConsolidateSchedule = ""
	}
	svc, err := memory.NewService(mcfg, embedder, detector)
	if err != nil {
		return nil, fmt.Errorf("initialize memory service: %w", err)
	}
	logger.DebugCF("cli", "Memory service ready", map[string]interface{}{
		"backend":   mcfg.Backend,
		"embedder":  embedder.ModelID(),
		"dimension": svc.Engine().Dimension(),
	})
	return svc, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
