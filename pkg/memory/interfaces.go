package memory

import (
	"context"
	"time"
)

// Embedder turns text into a fixed-length vector. Implementations must return
// an error instead of a degenerate vector when they cannot answer.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmotionDetector infers an emotion label and confidence from text.
type EmotionDetector interface {
	Detect(ctx context.Context, text string) (Emotion, error)
}

// Store provides persistence for memory records and background jobs.
// Callers serialize writes per user; implementations only need to keep each
// call atomic.
type Store interface {
	Close() error

	InsertRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, userID, id string) (Record, error)
	// ListActive returns the user's active records in storage order.
	ListActive(ctx context.Context, userID string) ([]Record, error)
	CountActive(ctx context.Context, userID string) (int, error)
	IncrementAccess(ctx context.Context, userID string, ids []string, at time.Time) error
	// ReplaceGroup inserts merged and retires every id in retired in one
	// atomic step. It fails without changes when any id is not active.
	ReplaceGroup(ctx context.Context, userID string, merged Record, retired []string, at time.Time) error
	ListUsers(ctx context.Context) ([]string, error)

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Policy controls type handling and proactive recall selection.
type Policy interface {
	ReminderWorthy(t MemoryType) bool
	ShouldSurface(rec Record) bool
}
