package memory

import (
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// MemoryType tags a record. Known tags get special handling; any other tag
// that passes ParseMemoryType is stored as a free-form tag.
type MemoryType string

const (
	TypeNote           MemoryType = "note"
	TypeReminder       MemoryType = "reminder"
	TypeBirthday       MemoryType = "birthday"
	TypeAnniversary    MemoryType = "anniversary"
	TypeEvent          MemoryType = "event"
	TypePreference     MemoryType = "preference"
	TypeConversation   MemoryType = "conversation"
	TypeEmotionalState MemoryType = "emotional_state"
	TypeHealth         MemoryType = "health"
)

var knownTypes = map[MemoryType]struct{}{
	TypeNote:           {},
	TypeReminder:       {},
	TypeBirthday:       {},
	TypeAnniversary:    {},
	TypeEvent:          {},
	TypePreference:     {},
	TypeConversation:   {},
	TypeEmotionalState: {},
	TypeHealth:         {},
}

var typeTagPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// ParseMemoryType normalizes a caller-supplied tag. Empty input means TypeNote.
func ParseMemoryType(raw string) (MemoryType, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "" {
		return TypeNote, nil
	}
	if !typeTagPattern.MatchString(tag) {
		return "", goerr.Wrap(ErrValidation, "invalid memory type", goerr.V("memory_type", raw))
	}
	return MemoryType(tag), nil
}

// Known reports whether t is one of the built-in tags.
func (t MemoryType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

func (t MemoryType) String() string { return string(t) }

// Emotion is a detected or caller-supplied emotional label.
type Emotion struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func (e Emotion) validate() error {
	if strings.TrimSpace(e.Label) == "" {
		return goerr.Wrap(ErrValidation, "emotion label is required")
	}
	if !inUnitRange(e.Confidence) {
		return goerr.Wrap(ErrValidation, "emotion confidence must be within [0,1]", goerr.V("confidence", e.Confidence))
	}
	return nil
}

// Record is one long-term memory owned by a single user.
type Record struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Summary        string            `json:"summary"`
	FullText       string            `json:"full_text"`
	Embedding      []float32         `json:"-"`
	EmbeddingModel string            `json:"embedding_model,omitempty"`
	Emotion        Emotion           `json:"emotion"`
	Type           MemoryType        `json:"memory_type"`
	Importance     float64           `json:"importance_score"`
	AccessCount    int               `json:"access_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MergedFrom     []string          `json:"merged_from,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at,omitempty"`
	RetiredAt      time.Time         `json:"retired_at,omitempty"`
}

// Active reports whether the record is still eligible for recall.
func (r Record) Active() bool { return r.RetiredAt.IsZero() }

// ScoredRecord is one recall hit.
type ScoredRecord struct {
	Record     Record  `json:"memory"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	TimeScore  float64 `json:"time_score"`
}

// StoreRequest carries the inputs of Engine.Store. Optional fields are nil
// when the engine should fill them in.
type StoreRequest struct {
	UserID     string
	Text       string
	Type       MemoryType
	Emotion    *Emotion
	Embedding  []float32
	Importance *float64
	Metadata   map[string]string
	// CreatedAt backdates imported memories; zero means now.
	CreatedAt time.Time

	mergedFrom []string
}

// RecallRequest carries the inputs of Engine.Recall.
type RecallRequest struct {
	UserID     string
	Query      string
	TopK       int
	TimeWeight *float64
	// Type restricts candidates to one tag when set.
	Type MemoryType
}

// Expression is the avatar facial expression for an emotion.
type Expression struct {
	Eyes     string `json:"eyes"`
	Mouth    string `json:"mouth"`
	Eyebrows string `json:"eyebrows"`
}

// EmotionalResponse is the output of Engine.SynthesizeResponse.
type EmotionalResponse struct {
	Expression        Expression     `json:"avatar_expression"`
	Tone              string         `json:"tone"`
	SuggestedResponse string         `json:"suggested_response"`
	EmotionTally      map[string]int `json:"emotion_history,omitempty"`
}

// Profile summarizes a user's active memories by category.
type Profile struct {
	UserID             string         `json:"user_id"`
	Preferences        []string       `json:"preferences"`
	EmotionalArc       []string       `json:"emotional_arc"`
	HealthNotes        []string       `json:"health_notes"`
	InteractionHistory []string       `json:"interaction_history"`
	TypeCounts         map[string]int `json:"type_counts"`
	EmotionCounts      map[string]int `json:"emotion_counts"`
	Total              int            `json:"total"`
}

// JobType values for background memory workers.
const (
	JobConsolidate = "consolidate"
)

// JobStatus values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background memory task.
type Job struct {
	ID            string
	JobType       string
	UserID        string
	Status        string
	Priority      int
	Payload       map[string]string
	Error         string
	Attempts      int
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
	// Rerun is set when the job is enqueued again while running; finishing it requeues instead.
	Rerun bool
}

const (
	maxMetadataEntries = 16
	maxMetadataKeyLen  = 64
	maxMetadataValLen  = 256
)

func validateMetadata(md map[string]string) error {
	if len(md) > maxMetadataEntries {
		return goerr.Wrap(ErrValidation, "too many metadata entries", goerr.V("entries", len(md)), goerr.V("max", maxMetadataEntries))
	}
	for k, v := range md {
		if strings.TrimSpace(k) == "" {
			return goerr.Wrap(ErrValidation, "metadata key is empty")
		}
		if len(k) > maxMetadataKeyLen {
			return goerr.Wrap(ErrValidation, "metadata key too long", goerr.V("key", k))
		}
		if len(v) > maxMetadataValLen {
			return goerr.Wrap(ErrValidation, "metadata value too long", goerr.V("key", k))
		}
	}
	return nil
}

func copyMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

// summarize truncates text to at most limit runes.
func summarize(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
