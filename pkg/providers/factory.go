package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

const (
	EmbedderOpenAI = "openai"
	EmbedderLocal  = "local"

	DetectorAnthropic = "anthropic"
	DetectorLexicon   = "lexicon"
)

type embedderFactory func(cfg config.EmbeddingConfig) (memory.Embedder, error)
type detectorFactory func(cfg config.EmotionConfig) (memory.EmotionDetector, error)

var (
	factoryMu         sync.RWMutex
	embedderFactories = map[string]embedderFactory{}
	detectorFactories = map[string]detectorFactory{}
	registrationErr   error
)

func RegisterEmbedder(name string, build func(cfg config.EmbeddingConfig) (memory.Embedder, error)) {
	name = normalizeName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" || build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: embedder %q needs a name and a build func", name))
		return
	}
	embedderFactories[name] = build
}

func RegisterEmotionDetector(name string, build func(cfg config.EmotionConfig) (memory.EmotionDetector, error)) {
	name = normalizeName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" || build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: emotion detector %q needs a name and a build func", name))
		return
	}
	detectorFactories[name] = build
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func SupportedEmbedders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return sortedKeys(embedderFactories)
}

func SupportedEmotionDetectors() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return sortedKeys(detectorFactories)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewEmbedder builds the embedder named by cfg.Provider. Empty means local.
func NewEmbedder(cfg config.EmbeddingConfig) (memory.Embedder, error) {
	name := normalizeName(cfg.Provider)
	if name == "" {
		name = EmbedderLocal
	}
	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return nil, fmt.Errorf("provider registration failed: %w", err)
	}
	build, ok := embedderFactories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported embedding provider %q: supported providers are %s", name, strings.Join(SupportedEmbedders(), ", "))
	}
	return build(cfg)
}

// NewEmotionDetector builds the detector named by cfg.Provider. Empty means lexicon.
func NewEmotionDetector(cfg config.EmotionConfig) (memory.EmotionDetector, error) {
	name := normalizeName(cfg.Provider)
	if name == "" {
		name = DetectorLexicon
	}
	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return nil, fmt.Errorf("provider registration failed: %w", err)
	}
	build, ok := detectorFactories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported emotion provider %q: supported providers are %s", name, strings.Join(SupportedEmotionDetectors(), ", "))
	}
	return build(cfg)
}
