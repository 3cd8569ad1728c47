package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
	"github.com/dotsetgreg/dotavatar/pkg/providers"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Memory.Workspace = filepath.Join(dir, "workspace")
	cfg.Memory.AutoConsolidate = false
	path := filepath.Join(dir, "config.json")
	require.NoError(t, config.SaveConfig(path, cfg))
	return path
}

func TestCLI_StoreThenRecallPersists(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runRootCommandForTest("--config", cfgPath, "store", "alice", "User", "loves", "pizza", "--type", "preference")
	require.NoError(t, err, out)
	var stored memory.Record
	require.NoError(t, json.Unmarshal([]byte(out), &stored), out)
	assert.Equal(t, "User loves pizza", stored.FullText)
	assert.Equal(t, memory.TypePreference, stored.Type)

	out, err = runRootCommandForTest("--config", cfgPath, "store", "alice", "Rain", "all", "week", "in", "Oslo")
	require.NoError(t, err, out)

	out, err = runRootCommandForTest("--config", cfgPath, "recall", "alice", "pizza", "--top-k", "1")
	require.NoError(t, err, out)
	var hits []memory.ScoredRecord
	require.NoError(t, json.Unmarshal([]byte(out), &hits), out)
	require.Len(t, hits, 1)
	assert.Equal(t, stored.ID, hits[0].Record.ID)

	out, err = runRootCommandForTest("--config", cfgPath, "get", "alice", stored.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"access_count": 1`)
}

func TestCLI_ProactiveAndRespond(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runRootCommandForTest("--config", cfgPath, "store", "bob", "Mom's birthday is June 5",
		"--type", "birthday", "--emotion", "happy", "--confidence", "0.9")
	require.NoError(t, err)

	out, err := runRootCommandForTest("--config", cfgPath, "proactive", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Remind about Mom's birthday is June 5")

	out, err = runRootCommandForTest("--config", cfgPath, "respond", "bob", "sad")
	require.NoError(t, err)
	assert.Contains(t, out, `"tone": "supportive"`)
}

func TestCLI_ValidationErrorsSurface(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runRootCommandForTest("--config", cfgPath, "store", "carol", "text", "--importance", "2")
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrValidation)

	_, err = runRootCommandForTest("--config", cfgPath, "get", "carol", "mem-missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	_, err = runRootCommandForTest("--config", cfgPath, "--log-level", "loud", "profile", "carol")
	assert.Error(t, err)
}

func TestCLI_ConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dotavatar.yaml")
	t.Setenv("DOTAVATAR_MEMORY_WORKSPACE", filepath.Join(t.TempDir(), "ws"))

	out, err := runRootCommandForTest("--config", path, "config", "init")
	require.NoError(t, err, out)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	_, err = runRootCommandForTest("--config", path, "config", "init")
	assert.Error(t, err, "second init without --force must refuse")

	t.Setenv("DOTAVATAR_PROVIDERS_EMBEDDING_API_KEY", "sk-supersecretvalue")
	out, err = runRootCommandForTest("--config", path, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "sk-s****")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "file:~/.keys/openai", maskSecret("file:~/.keys/openai"))
}

func TestShellDispatch(t *testing.T) {
	store := memory.NewMemStore()
	engine, err := memory.NewEngine(store, providers.NewLocalEmbedder(64), providers.NewLexiconEmotionDetector(), memory.EngineConfig{})
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	var out bytes.Buffer
	assert.False(t, runShellLine(ctx, engine, "dana", "store birthday: Dad on May 2", &out))
	assert.Contains(t, out.String(), "Stored mem-")
	assert.Contains(t, out.String(), "(birthday,")

	out.Reset()
	assert.False(t, runShellLine(ctx, engine, "dana", "recall 1 Dad", &out))
	assert.Contains(t, out.String(), "1. [")
	assert.Contains(t, out.String(), "Dad on May 2")

	out.Reset()
	assert.False(t, runShellLine(ctx, engine, "dana", "frobnicate", &out))
	assert.Contains(t, out.String(), "unknown command")

	out.Reset()
	assert.False(t, runShellLine(ctx, engine, "dana", "respond", &out))
	assert.Contains(t, out.String(), "Error:")

	assert.True(t, runShellLine(ctx, engine, "dana", "exit", &out))
}

func TestSimpleShell_EOF(t *testing.T) {
	engine, err := memory.NewEngine(memory.NewMemStore(), providers.NewLocalEmbedder(64), providers.NewLexiconEmotionDetector(), memory.EngineConfig{})
	require.NoError(t, err)
	defer engine.Close()

	var out bytes.Buffer
	in := strings.NewReader("store note: likes tea\nprofile\n")
	require.NoError(t, simpleShell(context.Background(), engine, "erin", in, &out))
	assert.Contains(t, out.String(), `"total": 1`)
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestDocsGenerate(t *testing.T) {
	dir := t.TempDir()
	require.Error(t, generateDocumentation(dir, true), "check must fail before docs exist")
	require.NoError(t, generateDocumentation(dir, false))

	cfgRef, err := os.ReadFile(filepath.Join(dir, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(cfgRef), "`memory.merge_threshold`")
	assert.Contains(t, string(cfgRef), "DOTAVATAR_MEMORY_MERGE_THRESHOLD")
	assert.Contains(t, string(cfgRef), "`0.1`")

	provRef, err := os.ReadFile(filepath.Join(dir, "reference", "providers.md"))
	require.NoError(t, err)
	assert.Contains(t, string(provRef), "`lexicon`")
	assert.Contains(t, string(provRef), "`providers.embedding.model`")

	require.NoError(t, generateDocumentation(dir, true))

	stale := filepath.Join(dir, "reference", "providers.md")
	require.NoError(t, os.WriteFile(stale, append(provRef, "edited by hand\n"...), 0o644))
	err = generateDocumentation(dir, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.md differs")

	require.NoError(t, generateDocumentation(dir, false))
	require.NoError(t, generateDocumentation(dir, true))
}
