package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps texts onto three axes: pizza, weather and everything else.
type keywordEmbedder struct {
	calls  atomic.Int32
	failOn string
}

func (k *keywordEmbedder) ModelID() string { return "keyword-test" }
func (k *keywordEmbedder) Dimensions() int { return 3 }

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	k.calls.Add(1)
	if k.failOn != "" && strings.Contains(text, k.failOn) {
		return nil, errors.New("embedding backend down")
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "pizza"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(lower, "weather"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

type fixedDetector struct {
	emotion Emotion
	err     error
}

func (f fixedDetector) Detect(context.Context, string) (Emotion, error) {
	if f.err != nil {
		return Emotion{}, f.err
	}
	return f.emotion, nil
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, emb Embedder, cfg EngineConfig, opts ...EngineOption) (*Engine, *MemStore) {
	t.Helper()
	if emb == nil {
		emb = &keywordEmbedder{}
	}
	cfg.Guard.RetryBackoff = time.Millisecond
	store := NewMemStore()
	opts = append([]EngineOption{WithClock(func() time.Time { return testNow })}, opts...)
	e, err := NewEngine(store, emb, fixedDetector{emotion: Emotion{Label: "calm", Confidence: 0.6}}, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, store
}

func storeText(t *testing.T, e *Engine, userID, text string, memType MemoryType) Record {
	t.Helper()
	rec, err := e.Store(context.Background(), StoreRequest{UserID: userID, Text: text, Type: memType})
	require.NoError(t, err)
	return rec
}

func TestEngine_StoreFillsDefaults(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	long := strings.Repeat("é", 150)

	rec, err := e.Store(context.Background(), StoreRequest{UserID: "u1", Text: "  " + long + "  "})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rec.ID, "mem-"))
	assert.Equal(t, TypeNote, rec.Type)
	assert.Equal(t, 0.5, rec.Importance)
	assert.Equal(t, long, rec.FullText)
	assert.Equal(t, 100, len([]rune(rec.Summary)))
	assert.Equal(t, Emotion{Label: "calm", Confidence: 0.6}, rec.Emotion)
	assert.Equal(t, testNow, rec.CreatedAt)
	assert.Len(t, rec.Embedding, 3)
	assert.Equal(t, 0, rec.AccessCount)
}

func TestEngine_StoreRejectsEmptyText(t *testing.T) {
	emb := &keywordEmbedder{}
	e, store := newTestEngine(t, emb, EngineConfig{})

	_, err := e.Store(context.Background(), StoreRequest{UserID: "u1", Text: ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	n, err := store.CountActive(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, emb.calls.Load())
}

func TestEngine_StoreValidation(t *testing.T) {
	e, store := newTestEngine(t, nil, EngineConfig{})
	tooMany := map[string]string{}
	for i := 0; i < 17; i++ {
		tooMany[fmt.Sprintf("k%d", i)] = "v"
	}

	cases := []struct {
		name string
		req  StoreRequest
		want error
	}{
		{"missing user", StoreRequest{Text: "hello"}, ErrValidation},
		{"importance above one", StoreRequest{UserID: "u1", Text: "hello", Importance: ptrFloat(1.5)}, ErrValidation},
		{"negative importance", StoreRequest{UserID: "u1", Text: "hello", Importance: ptrFloat(-0.1)}, ErrValidation},
		{"bad type tag", StoreRequest{UserID: "u1", Text: "hello", Type: "Not A Tag!"}, ErrValidation},
		{"confidence out of range", StoreRequest{UserID: "u1", Text: "hello", Emotion: &Emotion{Label: "happy", Confidence: 2}}, ErrValidation},
		{"empty emotion label", StoreRequest{UserID: "u1", Text: "hello", Emotion: &Emotion{Confidence: 0.5}}, ErrValidation},
		{"short embedding", StoreRequest{UserID: "u1", Text: "hello", Embedding: []float32{1, 0}}, ErrDimensionMismatch},
		{"zero embedding", StoreRequest{UserID: "u1", Text: "hello", Embedding: []float32{0, 0, 0}}, ErrValidation},
		{"metadata cap", StoreRequest{UserID: "u1", Text: "hello", Metadata: tooMany}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Store(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	n, err := store.CountActive(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_StoreAcceptsFreeFormType(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	rec := storeText(t, e, "u1", "Went hiking", "Hobby")
	assert.Equal(t, MemoryType("hobby"), rec.Type)
	assert.False(t, rec.Type.Known())
}

func TestEngine_ProviderFailureStoresNothing(t *testing.T) {
	emb := &keywordEmbedder{failOn: "broken"}
	e, store := newTestEngine(t, emb, EngineConfig{})

	_, err := e.Store(context.Background(), StoreRequest{UserID: "u1", Text: "this is broken"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, IsRetryable(err))
	assert.EqualValues(t, 2, emb.calls.Load())

	n, _ := store.CountActive(context.Background(), "u1")
	assert.Zero(t, n)
}

func TestEngine_DetectorFailureStoresNothing(t *testing.T) {
	store := NewMemStore()
	e, err := NewEngine(store, &keywordEmbedder{}, fixedDetector{err: errors.New("no route")}, EngineConfig{Guard: GuardConfig{RetryBackoff: time.Millisecond}})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Store(context.Background(), StoreRequest{UserID: "u1", Text: "hello"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	// A caller-supplied emotion skips the detector entirely.
	_, err = e.Store(context.Background(), StoreRequest{UserID: "u1", Text: "hello", Emotion: &Emotion{Label: "Happy", Confidence: 0.9}})
	require.NoError(t, err)
	n, _ := store.CountActive(context.Background(), "u1")
	assert.Equal(t, 1, n)
}

func TestEngine_QuotaExceeded(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{MaxMemoriesPerUser: 2})
	storeText(t, e, "u1", "one", "")
	storeText(t, e, "u1", "two", "")

	_, err := e.Store(context.Background(), StoreRequest{UserID: "u1", Text: "three"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Other users are unaffected.
	storeText(t, e, "u2", "one", "")
}

func TestEngine_NewEngineDimensionMismatch(t *testing.T) {
	_, err := NewEngine(NewMemStore(), &keywordEmbedder{}, nil, EngineConfig{Dimension: 8})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestEngine_RecallEmptyUser(t *testing.T) {
	emb := &keywordEmbedder{}
	e, _ := newTestEngine(t, emb, EngineConfig{})

	hits, err := e.Recall(context.Background(), RecallRequest{UserID: "nobody", Query: "pizza", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NotNil(t, hits)
	assert.Zero(t, emb.calls.Load())

	reminders, err := e.ProactiveRecall(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestEngine_RecallValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	cases := []struct {
		name string
		req  RecallRequest
	}{
		{"zero top_k", RecallRequest{UserID: "u1", Query: "q", TopK: 0}},
		{"empty query", RecallRequest{UserID: "u1", Query: " ", TopK: 1}},
		{"time weight above one", RecallRequest{UserID: "u1", Query: "q", TopK: 1, TimeWeight: ptrFloat(1.1)}},
		{"negative time weight", RecallRequest{UserID: "u1", Query: "q", TopK: 1, TimeWeight: ptrFloat(-0.5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Recall(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestEngine_RecallRanksRecentFirst(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()
	vec := []float32{1, 0, 0}

	old, err := e.Store(ctx, StoreRequest{UserID: "u1", Text: "old pizza night", Embedding: vec, CreatedAt: testNow.Add(-40 * 24 * time.Hour)})
	require.NoError(t, err)
	recent, err := e.Store(ctx, StoreRequest{UserID: "u1", Text: "recent pizza night", Embedding: vec})
	require.NoError(t, err)

	hits, err := e.Recall(ctx, RecallRequest{UserID: "u1", Query: "pizza", TopK: 2, TimeWeight: ptrFloat(0.1)})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, recent.ID, hits[0].Record.ID)
	assert.Equal(t, old.ID, hits[1].Record.ID)
	assert.InDelta(t, 0.7+0.3, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.7+0.3/5, hits[1].Score, 1e-9)
}

func TestEngine_RecallDefaultTimeWeight(t *testing.T) {
	ctx := context.Background()
	vec := []float32{1, 0, 0}
	created := testNow.Add(-40 * 24 * time.Hour)

	e, _ := newTestEngine(t, nil, EngineConfig{})
	_, err := e.Store(ctx, StoreRequest{UserID: "u1", Text: "forty day old pizza note", Embedding: vec, CreatedAt: created})
	require.NoError(t, err)
	hits, err := e.Recall(ctx, RecallRequest{UserID: "u1", Query: "pizza", TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0.2, hits[0].TimeScore, 1e-9)

	off, _ := newTestEngine(t, nil, EngineConfig{DefaultTimeWeight: ptrFloat(0)})
	_, err = off.Store(ctx, StoreRequest{UserID: "u1", Text: "forty day old pizza note", Embedding: vec, CreatedAt: created})
	require.NoError(t, err)
	hits, err = off.Recall(ctx, RecallRequest{UserID: "u1", Query: "pizza", TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].TimeScore, 1e-9)
}

func TestEngine_NewEngineRejectsDefaultTimeWeight(t *testing.T) {
	_, err := NewEngine(NewMemStore(), &keywordEmbedder{}, fixedDetector{}, EngineConfig{DefaultTimeWeight: ptrFloat(1.5)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_RecallDeterministicAndBounded(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()
	texts := []string{"pizza party", "weather report", "pizza crust", "random note", "weather again"}
	for _, text := range texts {
		storeText(t, e, "u1", text, "")
	}

	for k := 1; k <= 7; k++ {
		first, err := e.Recall(ctx, RecallRequest{UserID: "u1", Query: "pizza", TopK: k})
		require.NoError(t, err)
		second, err := e.Recall(ctx, RecallRequest{UserID: "u1", Query: "pizza", TopK: k})
		require.NoError(t, err)

		want := k
		if want > len(texts) {
			want = len(texts)
		}
		require.Len(t, first, want)
		require.Len(t, second, want)
		for i := range first {
			assert.Equal(t, first[i].Record.ID, second[i].Record.ID)
			assert.Greater(t, first[i].Score, -0.7)
			assert.LessOrEqual(t, first[i].Score, 1.0)
		}
	}
}

func TestEngine_RecallIncrementsAccess(t *testing.T) {
	e, store := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()
	pizza := storeText(t, e, "u1", "pizza", "")
	weather := storeText(t, e, "u1", "weather", "")

	hits, err := e.Recall(ctx, RecallRequest{UserID: "u1", Query: "pizza", TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, pizza.ID, hits[0].Record.ID)
	assert.Equal(t, 1, hits[0].Record.AccessCount)

	got, err := store.GetRecord(ctx, "u1", pizza.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, testNow, got.LastAccessedAt)

	got, err = store.GetRecord(ctx, "u1", weather.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount)
}

func TestEngine_RecallTypeFilter(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	storeText(t, e, "u1", "pizza is great", TypePreference)
	storeText(t, e, "u1", "pizza on friday", TypeEvent)

	hits, err := e.Recall(context.Background(), RecallRequest{UserID: "u1", Query: "pizza", TopK: 5, Type: TypeEvent})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, TypeEvent, hits[0].Record.Type)
}

func TestEngine_ConsolidateMergesNearDuplicates(t *testing.T) {
	e, store := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()
	loves, err := e.Store(ctx, StoreRequest{UserID: "user_1", Text: "User loves pizza", Type: TypePreference, Importance: ptrFloat(0.9), Metadata: map[string]string{"source": "chat"}})
	require.NoError(t, err)
	had := storeText(t, e, "user_1", "User had pizza yesterday", TypeNote)
	weather := storeText(t, e, "user_1", "Weather is nice", TypeNote)

	merged, err := e.Consolidate(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	active, err := store.ListActive(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, weather.ID, active[0].ID)
	assert.Equal(t, "Weather is nice", active[0].FullText)

	m := active[1]
	assert.Equal(t, "User loves pizza User had pizza yesterday", m.FullText)
	assert.Equal(t, []string{loves.ID, had.ID}, m.MergedFrom)
	assert.Equal(t, TypePreference, m.Type)
	assert.Equal(t, 0.9, m.Importance)
	assert.Equal(t, "chat", m.Metadata["source"])
	assert.Equal(t, "true", m.Metadata["consolidated"])

	for _, id := range []string{loves.ID, had.ID} {
		rec, err := e.Get(ctx, "user_1", id)
		require.NoError(t, err)
		assert.False(t, rec.Active())
	}

	// Retired originals are not merged again.
	again, err := e.Consolidate(ctx, "user_1")
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestEngine_ConsolidateRespectsMetadataLimit(t *testing.T) {
	e, store := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()
	md := map[string]string{}
	for i := 0; i < maxMetadataEntries; i++ {
		md[fmt.Sprintf("k%02d", i)] = "v"
	}
	_, err := e.Store(ctx, StoreRequest{UserID: "u1", Text: "pizza on friday", Importance: ptrFloat(0.9), Metadata: md})
	require.NoError(t, err)
	storeText(t, e, "u1", "pizza again on friday", TypeNote)

	n, err := e.Consolidate(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	active, err := store.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	got := active[0].Metadata
	assert.Len(t, got, maxMetadataEntries)
	assert.Equal(t, "true", got["consolidated"])
	assert.Equal(t, "v", got["k00"])
	assert.NotContains(t, got, fmt.Sprintf("k%02d", maxMetadataEntries-1))
}

func TestEngine_ConsolidateKeepsEveryWord(t *testing.T) {
	e, store := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()
	texts := []string{"pizza alpha", "weather beta", "pizza gamma", "note delta", "weather epsilon", "pizza zeta"}
	for _, text := range texts {
		storeText(t, e, "u1", text, "")
	}

	_, err := e.Consolidate(ctx, "u1")
	require.NoError(t, err)

	active, err := store.ListActive(ctx, "u1")
	require.NoError(t, err)
	var all strings.Builder
	for _, rec := range active {
		all.WriteString(rec.FullText)
		all.WriteString(" ")
	}
	for _, text := range texts {
		for _, word := range strings.Fields(text) {
			assert.Contains(t, all.String(), word)
		}
	}
}

func TestEngine_ConsolidateGroupIsAllOrNothing(t *testing.T) {
	emb := &keywordEmbedder{}
	e, store := newTestEngine(t, emb, EngineConfig{})
	ctx := context.Background()
	storeText(t, e, "u1", "User loves pizza", "")
	storeText(t, e, "u1", "User had pizza yesterday", "")
	storeText(t, e, "u1", "weather one", "")
	storeText(t, e, "u1", "weather two", "")

	emb.failOn = "User loves pizza User"
	merged, err := e.Consolidate(ctx, "u1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 1, merged)

	active, err := store.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "User loves pizza", active[0].FullText)
	assert.Equal(t, "User had pizza yesterday", active[1].FullText)
	assert.Equal(t, "weather one weather two", active[2].FullText)
}

func TestEngine_ConsolidateDoesNotFireStoreHook(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEngine(t, nil, EngineConfig{}, WithStoreHook(func(string) { calls.Add(1) }))
	storeText(t, e, "u1", "pizza one", "")
	storeText(t, e, "u1", "pizza two", "")
	require.EqualValues(t, 2, calls.Load())

	_, err := e.Consolidate(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestEngine_ProactiveRecall(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()
	store := func(text string, memType MemoryType, confidence, importance float64) Record {
		rec, err := e.Store(ctx, StoreRequest{
			UserID:     "u1",
			Text:       text,
			Type:       memType,
			Emotion:    &Emotion{Label: "happy", Confidence: confidence},
			Importance: ptrFloat(importance),
		})
		require.NoError(t, err)
		return rec
	}
	bday := store("Mom's birthday is March 3", TypeBirthday, 0.9, 0.6)
	anniv := store("Wedding anniversary in June", TypeAnniversary, 0.95, 0.9)
	store("Dentist reminder", TypeReminder, 0.8, 1.0)
	store("Likes jazz", TypePreference, 0.99, 1.0)

	got, err := e.ProactiveRecall(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, anniv.ID, got[0].ID)
	assert.Equal(t, bday.ID, got[1].ID)
	assert.Zero(t, got[0].AccessCount)
}

func TestEngine_ProactiveRecallLimit(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{ProactiveLimit: 3})
	for i := 0; i < 6; i++ {
		_, err := e.Store(context.Background(), StoreRequest{
			UserID:  "u1",
			Text:    fmt.Sprintf("event %d", i),
			Type:    TypeEvent,
			Emotion: &Emotion{Label: "happy", Confidence: 0.9},
		})
		require.NoError(t, err)
	}
	got, err := e.ProactiveRecall(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestEngine_SynthesizeResponse(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()

	resp, err := e.SynthesizeResponse(ctx, "u1", "happy")
	require.NoError(t, err)
	assert.Equal(t, "I'm here to listen.", resp.SuggestedResponse)
	assert.Equal(t, ToneFriendly, resp.Tone)
	assert.Equal(t, neutralExpression, resp.Expression)

	for i := 0; i < 2; i++ {
		_, err := e.Store(ctx, StoreRequest{UserID: "u1", Text: "rough day", Emotion: &Emotion{Label: "sad", Confidence: 0.7}})
		require.NoError(t, err)
	}
	resp, err = e.SynthesizeResponse(ctx, "u1", "surprised")
	require.NoError(t, err)
	assert.Equal(t, ToneSupportive, resp.Tone)
	assert.Equal(t, "I'm listening.", resp.SuggestedResponse)
	assert.Equal(t, expressions["calm"], resp.Expression)
	assert.Equal(t, map[string]int{"sad": 2}, resp.EmotionTally)

	_, err = e.SynthesizeResponse(ctx, "u1", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_GetNotFound(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	_, err := e.Get(context.Background(), "u1", "mem-missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsRetryable(err))
}

func TestEngine_Profile(t *testing.T) {
	e, _ := newTestEngine(t, nil, EngineConfig{})
	storeText(t, e, "u1", "Loves green tea", TypePreference)
	storeText(t, e, "u1", "Knee surgery last spring", TypeHealth)
	storeText(t, e, "u1", "Went hiking", "hobby")

	p, err := e.Profile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Loves green tea"}, p.Preferences)
	assert.Equal(t, []string{"Knee surgery last spring"}, p.HealthNotes)
	assert.Empty(t, p.EmotionalArc)
	assert.Equal(t, 1, p.TypeCounts["hobby"])
	assert.Equal(t, 3, p.EmotionCounts["calm"])
	assert.Equal(t, 3, p.Total)
}

func TestEngine_ConcurrentStoreRecallConsolidate(t *testing.T) {
	e, store := newTestEngine(t, nil, EngineConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				text := fmt.Sprintf("pizza %d-%d", w, i)
				if i%2 == 1 {
					text = fmt.Sprintf("weather %d-%d", w, i)
				}
				_, err := e.Store(ctx, StoreRequest{UserID: "u1", Text: text})
				assert.NoError(t, err)
				_, err = e.Recall(ctx, RecallRequest{UserID: "u1", Query: "pizza", TopK: 3})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			_, err := e.Consolidate(ctx, "u1")
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	_, err := e.Consolidate(ctx, "u1")
	require.NoError(t, err)
	active, err := store.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}
