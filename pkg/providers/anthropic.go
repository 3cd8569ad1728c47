package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

const defaultClaudeEmotionModel = "claude-3-5-haiku-latest"

const emotionSystemPrompt = `You classify the emotion expressed in a short personal memory.
Answer with a single JSON object and nothing else:
{"label": "<one of happy, sad, angry, afraid, surprised, calm>", "confidence": <number between 0 and 1>}`

func init() {
	RegisterEmotionDetector(DetectorAnthropic, func(cfg config.EmotionConfig) (memory.EmotionDetector, error) {
		return NewClaudeEmotionDetector(cfg.APIKey, cfg.APIBase, cfg.Model)
	})
}

// ClaudeEmotionDetector asks a Claude model for a strict JSON emotion label.
type ClaudeEmotionDetector struct {
	client anthropic.Client
	model  string
}

func NewClaudeEmotionDetector(apiKey, apiBase, model string) (*ClaudeEmotionDetector, error) {
	key, err := resolveAPIKey(context.Background(), DetectorAnthropic, apiKey)
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		// The memory engine owns retries.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(apiBase) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(apiBase)))
	}
	if strings.TrimSpace(model) == "" {
		model = defaultClaudeEmotionModel
	}
	return &ClaudeEmotionDetector{
		client: anthropic.NewClient(opts...),
		model:  strings.TrimSpace(model),
	}, nil
}

func (d *ClaudeEmotionDetector) Detect(ctx context.Context, text string) (memory.Emotion, error) {
	resp, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(d.model),
		MaxTokens: 64,
		System: []anthropic.TextBlockParam{
			{Text: emotionSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return memory.Emotion{}, err
		}
		return memory.Emotion{}, wrapProviderError(DetectorAnthropic, "claude emotion", err)
	}

	var answer strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			answer.WriteString(block.Text)
		}
	}
	return parseEmotionAnswer(answer.String())
}

// parseEmotionAnswer extracts the first JSON object from a model answer.
func parseEmotionAnswer(raw string) (memory.Emotion, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return memory.Emotion{}, fmt.Errorf("emotion answer has no JSON object: %q", truncate(raw, 80))
	}
	var out struct {
		Label      string   `json:"label"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return memory.Emotion{}, fmt.Errorf("decode emotion answer: %w", err)
	}
	label := strings.ToLower(strings.TrimSpace(out.Label))
	if label == "" || out.Confidence == nil {
		return memory.Emotion{}, fmt.Errorf("emotion answer missing label or confidence")
	}
	if *out.Confidence < 0 || *out.Confidence > 1 {
		return memory.Emotion{}, fmt.Errorf("emotion confidence %v out of range", *out.Confidence)
	}
	return memory.Emotion{Label: label, Confidence: *out.Confidence}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
