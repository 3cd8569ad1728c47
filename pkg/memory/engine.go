package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotavatar/pkg/logger"
)

// EngineConfig tunes scoring, consolidation and limits. Zero values take defaults.
type EngineConfig struct {
	// Dimension of every embedding in the memory space. Zero uses the embedder's.
	Dimension        int
	SimilarityWeight float64
	RecencyWeight    float64
	// DefaultTimeWeight applies when a recall omits one. Nil means 0.1; zero disables recency decay.
	DefaultTimeWeight  *float64
	MergeThreshold     float64
	SummaryLength      int
	MaxMemoriesPerUser int
	ProactiveLimit     int
	MergeParallelism   int
	Guard              GuardConfig
}

const (
	defaultSummaryLength      = 100
	defaultMaxMemoriesPerUser = 10000
	defaultProactiveLimit     = 5
	defaultImportance         = 0.5
)

// Engine owns every user's memory set. All mutation goes through its methods.
type Engine struct {
	cfg      EngineConfig
	store    Store
	guard    *providerGuard
	scorer   Scorer
	policy   Policy
	locks    *userLocks
	now      func() time.Time
	onStored func(userID string)
}

type EngineOption func(*Engine)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithPolicy(p Policy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithStoreHook registers fn to run after every successful Store call.
func WithStoreHook(fn func(userID string)) EngineOption {
	return func(e *Engine) { e.onStored = fn }
}

func NewEngine(store Store, embedder Embedder, detector EmotionDetector, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, goerr.New("memory store is required")
	}
	if embedder != nil && embedder.Dimensions() > 0 {
		if cfg.Dimension == 0 {
			cfg.Dimension = embedder.Dimensions()
		} else if cfg.Dimension != embedder.Dimensions() {
			return nil, goerr.Wrap(ErrDimensionMismatch, "embedder dimension differs from configured dimension",
				goerr.V("configured", cfg.Dimension), goerr.V("embedder", embedder.Dimensions()))
		}
	}
	if cfg.Dimension <= 0 {
		return nil, goerr.New("embedding dimension is required")
	}
	if cfg.DefaultTimeWeight == nil {
		cfg.DefaultTimeWeight = ptrFloat(DefaultTimeWeight)
	} else if !inUnitRange(*cfg.DefaultTimeWeight) {
		return nil, goerr.Wrap(ErrValidation, "default time weight must be within [0,1]", goerr.V("time_weight", *cfg.DefaultTimeWeight))
	}
	if cfg.SimilarityWeight == 0 && cfg.RecencyWeight == 0 {
		cfg.SimilarityWeight = DefaultSimilarityWeight
		cfg.RecencyWeight = DefaultRecencyWeight
	}
	if cfg.MergeThreshold <= 0 || cfg.MergeThreshold > 1 {
		cfg.MergeThreshold = DefaultMergeThreshold
	}
	if cfg.SummaryLength <= 0 {
		cfg.SummaryLength = defaultSummaryLength
	}
	if cfg.MaxMemoriesPerUser <= 0 {
		cfg.MaxMemoriesPerUser = defaultMaxMemoriesPerUser
	}
	if cfg.ProactiveLimit <= 0 {
		cfg.ProactiveLimit = defaultProactiveLimit
	}
	if cfg.MergeParallelism <= 0 {
		cfg.MergeParallelism = 4
	}

	guard, err := newProviderGuard(embedder, detector, cfg.Guard)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		store:  store,
		guard:  guard,
		scorer: NewScorer(cfg.SimilarityWeight, cfg.RecencyWeight),
		policy: NewDefaultPolicy(nil, 0),
		locks:  newUserLocks(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases engine-owned caches. It does not close the store.
func (e *Engine) Close() {
	e.guard.close()
}

// Dimension is the embedding length every record in this engine has.
func (e *Engine) Dimension() int { return e.cfg.Dimension }

func (e *Engine) validateUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", goerr.Wrap(ErrValidation, "user id is required")
	}
	return userID, nil
}

// Store validates req, fills in the embedding and emotion from the providers
// when absent, and appends the record to the user's memory set.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (Record, error) {
	rec, err := e.prepare(ctx, req)
	if err != nil {
		return Record{}, err
	}

	unlock := e.locks.lock(rec.UserID)
	err = e.insertLocked(ctx, rec)
	unlock()
	if err != nil {
		return Record{}, err
	}

	_ = e.store.AddMetric(ctx, "memory.store.records", 1, map[string]string{
		"user_id":     rec.UserID,
		"memory_type": rec.Type.String(),
	})
	logger.DebugCF("memory", "Stored memory", map[string]interface{}{
		"user_id":     rec.UserID,
		"memory_id":   rec.ID,
		"memory_type": rec.Type.String(),
		"emotion":     rec.Emotion.Label,
	})
	if e.onStored != nil {
		e.onStored(rec.UserID)
	}
	return rec, nil
}

func (e *Engine) insertLocked(ctx context.Context, rec Record) error {
	n, err := e.store.CountActive(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if n >= e.cfg.MaxMemoriesPerUser {
		return goerr.Wrap(ErrQuotaExceeded, "user memory set is full",
			goerr.V("user_id", rec.UserID), goerr.V("max", e.cfg.MaxMemoriesPerUser))
	}
	return e.store.InsertRecord(ctx, rec)
}

// prepare runs every validation before touching a provider, then calls the
// providers without holding any user lock.
func (e *Engine) prepare(ctx context.Context, req StoreRequest) (Record, error) {
	userID, err := e.validateUser(req.UserID)
	if err != nil {
		return Record{}, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Record{}, goerr.Wrap(ErrValidation, "memory text is required")
	}
	memType, err := ParseMemoryType(string(req.Type))
	if err != nil {
		return Record{}, err
	}
	importance := defaultImportance
	if req.Importance != nil {
		if !inUnitRange(*req.Importance) {
			return Record{}, goerr.Wrap(ErrValidation, "importance must be within [0,1]", goerr.V("importance", *req.Importance))
		}
		importance = *req.Importance
	}
	if req.Emotion != nil {
		if err := req.Emotion.validate(); err != nil {
			return Record{}, err
		}
	}
	if req.Embedding != nil {
		if err := checkDimension(req.Embedding, e.cfg.Dimension); err != nil {
			return Record{}, err
		}
		if degenerate(req.Embedding) {
			return Record{}, goerr.Wrap(ErrValidation, "embedding must be finite and non-zero")
		}
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return Record{}, err
	}

	embedding := cloneVector(req.Embedding)
	model := "caller"
	if embedding == nil {
		embedding, err = e.guard.embed(ctx, text, e.cfg.Dimension)
		if err != nil {
			return Record{}, err
		}
		model = e.guard.embedder.ModelID()
	}

	var emotion Emotion
	if req.Emotion != nil {
		emotion = Emotion{Label: strings.ToLower(strings.TrimSpace(req.Emotion.Label)), Confidence: req.Emotion.Confidence}
	} else {
		emotion, err = e.guard.detect(ctx, text)
		if err != nil {
			return Record{}, err
		}
	}

	now := e.now()
	created := req.CreatedAt
	if created.IsZero() {
		created = now
	}
	return Record{
		ID:             newRecordID(),
		UserID:         userID,
		Summary:        summarize(text, e.cfg.SummaryLength),
		FullText:       text,
		Embedding:      embedding,
		EmbeddingModel: model,
		Emotion:        emotion,
		Type:           memType,
		Importance:     importance,
		Metadata:       copyMetadata(req.Metadata),
		MergedFrom:     append([]string(nil), req.mergedFrom...),
		CreatedAt:      created.UTC(),
		UpdatedAt:      now.UTC(),
	}, nil
}

func newRecordID() string {
	return "mem-" + uuid.NewString()
}

// Recall ranks the user's active memories against query and returns the best
// TopK. Every returned record has its access count incremented.
func (e *Engine) Recall(ctx context.Context, req RecallRequest) ([]ScoredRecord, error) {
	userID, err := e.validateUser(req.UserID)
	if err != nil {
		return nil, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, goerr.Wrap(ErrValidation, "recall query is required")
	}
	if req.TopK < 1 {
		return nil, goerr.Wrap(ErrValidation, "top_k must be at least 1", goerr.V("top_k", req.TopK))
	}
	tw := *e.cfg.DefaultTimeWeight
	if req.TimeWeight != nil {
		tw = *req.TimeWeight
	}
	if !inUnitRange(tw) {
		return nil, goerr.Wrap(ErrValidation, "time_weight must be within [0,1]", goerr.V("time_weight", tw))
	}
	var typeFilter MemoryType
	if req.Type != "" {
		if typeFilter, err = ParseMemoryType(string(req.Type)); err != nil {
			return nil, err
		}
	}

	n, err := e.store.CountActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []ScoredRecord{}, nil
	}

	queryVec, err := e.guard.embed(ctx, query, e.cfg.Dimension)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.rlock(userID)
	defer unlock()

	records, err := e.store.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	candidates := make([]Record, 0, len(records))
	for _, rec := range records {
		if typeFilter != "" && rec.Type != typeFilter {
			continue
		}
		if len(rec.Embedding) != e.cfg.Dimension {
			logger.WarnCF("memory", "Skipping memory with foreign embedding dimension", map[string]interface{}{
				"user_id":   userID,
				"memory_id": rec.ID,
				"dimension": len(rec.Embedding),
			})
			continue
		}
		candidates = append(candidates, rec)
	}

	now := e.now()
	hits := e.scorer.Rank(queryVec, candidates, now, tw, req.TopK)
	if len(hits) == 0 {
		return []ScoredRecord{}, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Record.ID)
	}
	if err := e.store.IncrementAccess(ctx, userID, ids, now); err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Record.AccessCount++
		hits[i].Record.LastAccessedAt = now.UTC()
	}

	_ = e.store.AddMetric(ctx, "memory.recall.results", float64(len(hits)), map[string]string{"user_id": userID})
	return hits, nil
}

// ProactiveRecall surfaces reminder-worthy memories with a confident emotion,
// most important first. It does not read dates out of the text.
func (e *Engine) ProactiveRecall(ctx context.Context, userID string) ([]Record, error) {
	userID, err := e.validateUser(userID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.rlock(userID)
	records, err := e.store.ListActive(ctx, userID)
	unlock()
	if err != nil {
		return nil, err
	}

	out := []Record{}
	for _, rec := range records {
		if e.policy.ShouldSurface(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance == out[j].Importance {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Importance > out[j].Importance
	})
	if len(out) > e.cfg.ProactiveLimit {
		out = out[:e.cfg.ProactiveLimit]
	}
	return out, nil
}

// Consolidate merges near-duplicate memories and retires the originals. It
// returns the number of groups merged. Each group is all-or-nothing: a group
// whose merged record cannot be built keeps its members untouched, and the
// first such failure is returned alongside the count.
func (e *Engine) Consolidate(ctx context.Context, userID string) (int, error) {
	userID, err := e.validateUser(userID)
	if err != nil {
		return 0, err
	}

	unlock := e.locks.rlock(userID)
	records, err := e.store.ListActive(ctx, userID)
	unlock()
	if err != nil {
		return 0, err
	}
	eligible := records[:0:0]
	for _, rec := range records {
		if len(rec.Embedding) == e.cfg.Dimension {
			eligible = append(eligible, rec)
		}
	}
	groups := findMergeGroups(eligible, e.cfg.MergeThreshold)
	if len(groups) == 0 {
		return 0, nil
	}

	merged := make([]Record, len(groups))
	prepErrs := make([]error, len(groups))
	var eg errgroup.Group
	eg.SetLimit(e.cfg.MergeParallelism)
	for i, g := range groups {
		i, g := i, g
		eg.Go(func() error {
			rec, err := e.prepare(ctx, StoreRequest{
				UserID:     userID,
				Text:       g.mergedText(),
				Type:       g.anchor.Type,
				Importance: ptrFloat(g.maxImportance()),
				Metadata:   consolidatedMetadata(g.anchor.Metadata),
				mergedFrom: g.ids(),
			})
			merged[i], prepErrs[i] = rec, err
			return nil
		})
	}
	_ = eg.Wait()

	count := 0
	var firstErr error
	unlock = e.locks.lock(userID)
	for i, g := range groups {
		if prepErrs[i] != nil {
			if firstErr == nil {
				firstErr = prepErrs[i]
			}
			continue
		}
		err := e.store.ReplaceGroup(ctx, userID, merged[i], g.ids(), e.now())
		if errors.Is(err, errGroupConflict) {
			logger.InfoCF("memory", "Skipping merge group changed since scan", map[string]interface{}{
				"user_id": userID,
				"anchor":  g.anchor.ID,
			})
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	unlock()

	_ = e.store.AddMetric(ctx, "memory.consolidate.groups", float64(count), map[string]string{"user_id": userID})
	if count > 0 {
		logger.InfoCF("memory", "Consolidated memories", map[string]interface{}{
			"user_id": userID,
			"groups":  count,
		})
	}
	return count, firstErr
}

// SynthesizeResponse picks an avatar expression, tone and canned response
// for currentEmotion, taking the user's stored emotions into account.
func (e *Engine) SynthesizeResponse(ctx context.Context, userID, currentEmotion string) (EmotionalResponse, error) {
	userID, err := e.validateUser(userID)
	if err != nil {
		return EmotionalResponse{}, err
	}
	if strings.TrimSpace(currentEmotion) == "" {
		return EmotionalResponse{}, goerr.Wrap(ErrValidation, "current emotion is required")
	}
	unlock := e.locks.rlock(userID)
	records, err := e.store.ListActive(ctx, userID)
	unlock()
	if err != nil {
		return EmotionalResponse{}, err
	}
	return synthesizeResponse(currentEmotion, tallyEmotions(records)), nil
}

// Profile groups the user's active memories by category.
func (e *Engine) Profile(ctx context.Context, userID string) (Profile, error) {
	userID, err := e.validateUser(userID)
	if err != nil {
		return Profile{}, err
	}
	unlock := e.locks.rlock(userID)
	records, err := e.store.ListActive(ctx, userID)
	unlock()
	if err != nil {
		return Profile{}, err
	}
	return buildProfile(userID, records), nil
}

// Get looks up one record. Retired records are still returned.
func (e *Engine) Get(ctx context.Context, userID, id string) (Record, error) {
	userID, err := e.validateUser(userID)
	if err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Record{}, goerr.Wrap(ErrValidation, "memory id is required")
	}
	unlock := e.locks.rlock(userID)
	defer unlock()
	return e.store.GetRecord(ctx, userID, id)
}

// Count returns the number of active memories for userID.
func (e *Engine) Count(ctx context.Context, userID string) (int, error) {
	userID, err := e.validateUser(userID)
	if err != nil {
		return 0, err
	}
	return e.store.CountActive(ctx, userID)
}

func ptrFloat(v float64) *float64 { return &v }

const consolidatedKey = "consolidated"

// consolidatedMetadata copies md with the consolidated marker set. A full map
// gives up its last key in sort order to make room.
func consolidatedMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	if _, ok := out[consolidatedKey]; !ok && len(out) >= maxMetadataEntries {
		keys := make([]string, 0, len(out))
		for k := range out {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		delete(out, keys[len(keys)-1])
	}
	out[consolidatedKey] = "true"
	return out
}
