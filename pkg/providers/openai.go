package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

const defaultOpenAIEmbeddingModel = "text-embedding-3-small"

var nativeEmbeddingDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

func init() {
	RegisterEmbedder(EmbedderOpenAI, func(cfg config.EmbeddingConfig) (memory.Embedder, error) {
		return NewOpenAIEmbedder(cfg.APIKey, cfg.APIBase, cfg.Model, cfg.Dimensions)
	})
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint, or any compatible API
// reachable at a custom base URL.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	// requestDims is sent as the dimensions override; 0 omits it.
	requestDims int
}

func NewOpenAIEmbedder(apiKey, apiBase, model string, dimensions int) (*OpenAIEmbedder, error) {
	key, err := resolveAPIKey(context.Background(), EmbedderOpenAI, apiKey)
	if err != nil {
		return nil, err
	}
	model = strings.TrimSpace(model)
	if model == "" || strings.HasPrefix(model, "dotavatar-") {
		model = defaultOpenAIEmbeddingModel
	}

	clientConfig := openai.DefaultConfig(key)
	if strings.TrimSpace(apiBase) != "" {
		clientConfig.BaseURL = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	}

	e := &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      model,
		dimensions: dimensions,
	}
	native, known := nativeEmbeddingDims[model]
	switch {
	case dimensions <= 0 && known:
		e.dimensions = native
	case dimensions <= 0:
		return nil, fmt.Errorf("openai embedder: dimensions required for model %q", model)
	case strings.HasPrefix(model, "text-embedding-3") && dimensions != native:
		e.requestDims = dimensions
	}
	return e, nil
}

func (e *OpenAIEmbedder) ModelID() string { return "openai:" + e.model }

func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.requestDims,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, wrapProviderError(EmbedderOpenAI, "create embeddings", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("create embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}
