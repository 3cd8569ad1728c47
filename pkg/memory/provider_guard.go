package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dotsetgreg/dotavatar/pkg/logger"
)

// GuardConfig bounds calls to the embedding and emotion providers.
type GuardConfig struct {
	Timeout       time.Duration
	RetryBackoff  time.Duration
	RatePerSecond float64
	Burst         int
	CacheEntries  int64
	CacheTTL      time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	return c
}

var errDegenerateOutput = errors.New("provider returned degenerate output")

// providerGuard is the only path from the engine to its collaborators. Each
// call gets a deadline and at most one retry.
type providerGuard struct {
	embedder Embedder
	detector EmotionDetector
	cfg      GuardConfig
	limiter  *rate.Limiter
	flight   singleflight.Group
	cache    *embeddingCache
}

func newProviderGuard(embedder Embedder, detector EmotionDetector, cfg GuardConfig) (*providerGuard, error) {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	cache, err := newEmbeddingCache(cfg.CacheEntries, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return &providerGuard{
		embedder: embedder,
		detector: detector,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		cache:    cache,
	}, nil
}

func (g *providerGuard) close() { g.cache.close() }

// embed returns a vector of exactly dims entries for text.
func (g *providerGuard) embed(ctx context.Context, text string, dims int) ([]float32, error) {
	if g.embedder == nil {
		return nil, goerr.Wrap(ErrProviderUnavailable, "no embedding provider configured")
	}
	model := g.embedder.ModelID()
	if vec, ok := g.cache.get(model, text); ok {
		return vec, nil
	}

	// The shared call outlives any single caller; each caller stops waiting
	// when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(embeddingCacheKey(model, text), func() (interface{}, error) {
		var out []float32
		err := g.call(shared, "embedding", func(callCtx context.Context) error {
			vec, err := g.embedder.Embed(callCtx, text)
			if err != nil {
				return err
			}
			if degenerate(vec) {
				return errDegenerateOutput
			}
			if err := checkDimension(vec, dims); err != nil {
				return err
			}
			out = vec
			return nil
		})
		if err != nil {
			return nil, err
		}
		g.cache.put(model, text, out)
		return out, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, classifyProviderError("embedding", ctx.Err(), errors.Is(ctx.Err(), context.DeadlineExceeded))
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return cloneVector(res.Val.([]float32)), nil
}

func (g *providerGuard) detect(ctx context.Context, text string) (Emotion, error) {
	if g.detector == nil {
		return Emotion{}, goerr.Wrap(ErrProviderUnavailable, "no emotion detector configured")
	}
	var out Emotion
	err := g.call(ctx, "emotion", func(callCtx context.Context) error {
		em, err := g.detector.Detect(callCtx, text)
		if err != nil {
			return err
		}
		em.Label = strings.ToLower(strings.TrimSpace(em.Label))
		if em.Label == "" || !inUnitRange(em.Confidence) {
			return errDegenerateOutput
		}
		out = em
		return nil
	})
	return out, err
}

func (g *providerGuard) call(ctx context.Context, provider string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			logger.WarnCF("memory", "Retrying provider call", map[string]interface{}{
				"provider": provider,
				"error":    lastErr.Error(),
			})
			timer := time.NewTimer(g.cfg.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return classifyProviderError(provider, ctx.Err(), errors.Is(ctx.Err(), context.DeadlineExceeded))
			case <-timer.C:
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return classifyProviderError(provider, err, ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded))
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDimensionMismatch) {
			return err
		}
		lastErr = classifyProviderError(provider, err, timedOut || errors.Is(err, context.DeadlineExceeded))
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func classifyProviderError(provider string, err error, timedOut bool) error {
	if errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	if timedOut {
		return goerr.Wrap(ErrProviderTimeout, "provider call timed out",
			goerr.V("provider", provider), goerr.V("cause", err.Error()))
	}
	return goerr.Wrap(ErrProviderUnavailable, "provider call failed",
		goerr.V("provider", provider), goerr.V("cause", err.Error()))
}
