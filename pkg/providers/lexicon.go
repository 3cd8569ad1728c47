package providers

import (
	"context"
	"sort"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

func init() {
	RegisterEmotionDetector(DetectorLexicon, func(config.EmotionConfig) (memory.EmotionDetector, error) {
		return NewLexiconEmotionDetector(), nil
	})
}

var emotionLexicon = map[string][]string{
	"happy":     {"happy", "glad", "joy", "love", "loves", "excited", "great", "wonderful", "fun", "celebrate", "smile", "yay"},
	"sad":       {"sad", "miss", "lonely", "cry", "crying", "lost", "grief", "depressed", "upset", "sorry", "hurt"},
	"angry":     {"angry", "mad", "furious", "annoyed", "hate", "frustrated", "irritated", "unfair"},
	"afraid":    {"afraid", "scared", "worried", "anxious", "nervous", "fear", "panic", "terrified"},
	"surprised": {"surprised", "wow", "unexpected", "shocked", "suddenly", "amazed"},
}

// LexiconEmotionDetector counts emotion keywords. Text with no keyword is calm.
type LexiconEmotionDetector struct {
	index map[string]string
}

func NewLexiconEmotionDetector() *LexiconEmotionDetector {
	index := map[string]string{}
	for label, words := range emotionLexicon {
		for _, w := range words {
			index[w] = label
		}
	}
	return &LexiconEmotionDetector{index: index}
}

func (d *LexiconEmotionDetector) Detect(ctx context.Context, text string) (memory.Emotion, error) {
	if err := ctx.Err(); err != nil {
		return memory.Emotion{}, err
	}
	counts := map[string]int{}
	total := 0
	for _, token := range tokenize(text) {
		if label, ok := d.index[token]; ok {
			counts[label]++
			total++
		}
	}
	if total == 0 {
		return memory.Emotion{Label: "calm", Confidence: 0.5}, nil
	}

	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	best := labels[0]
	for _, l := range labels[1:] {
		if counts[l] > counts[best] {
			best = l
		}
	}
	// Confidence grows with the share and number of matching keywords.
	share := float64(counts[best]) / float64(total)
	confidence := 0.5 + 0.4*share
	if counts[best] > 1 {
		confidence += 0.05 * float64(counts[best]-1)
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return memory.Emotion{Label: best, Confidence: confidence}, nil
}
