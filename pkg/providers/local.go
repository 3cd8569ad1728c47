package providers

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

const (
	localEmbeddingModel = "dotavatar-chargram-384-v1"
	localEmbeddingDims  = 384
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-]+`)

func init() {
	RegisterEmbedder(EmbedderLocal, func(cfg config.EmbeddingConfig) (memory.Embedder, error) {
		return NewLocalEmbedder(cfg.Dimensions), nil
	})
}

// LocalEmbedder hashes character trigrams and word tokens into a fixed-size
// vector. It needs no network and is stable across runs, which makes it the
// development default. Similarity is lexical, not semantic.
type LocalEmbedder struct {
	dims int
}

func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = localEmbeddingDims
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) ModelID() string { return localEmbeddingModel }

func (e *LocalEmbedder) Dimensions() int { return e.dims }

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return nil, errors.New("local embedder: empty text")
	}
	vec := make([]float32, e.dims)
	window := []rune("#" + normalized + "#")
	for i := 0; i+3 <= len(window); i++ {
		vec[e.bucket(string(window[i:i+3]))] += 1
	}
	for _, token := range tokenize(normalized) {
		vec[e.bucket("tok:"+token)] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

func (e *LocalEmbedder) bucket(s string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(e.dims))
}

func tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
