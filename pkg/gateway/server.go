package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dotsetgreg/dotavatar/pkg/logger"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

// Memories is the part of the memory engine the HTTP layer serves.
type Memories interface {
	Store(ctx context.Context, req memory.StoreRequest) (memory.Record, error)
	Get(ctx context.Context, userID, id string) (memory.Record, error)
	Recall(ctx context.Context, req memory.RecallRequest) ([]memory.ScoredRecord, error)
	ProactiveRecall(ctx context.Context, userID string) ([]memory.Record, error)
	Consolidate(ctx context.Context, userID string) (int, error)
	SynthesizeResponse(ctx context.Context, userID, currentEmotion string) (memory.EmotionalResponse, error)
	Profile(ctx context.Context, userID string) (memory.Profile, error)
}

// Server exposes the memory engine over HTTP.
type Server struct {
	addr     string
	echo     *echo.Echo
	memories Memories
	started  time.Time
}

func NewServer(addr string, memories Memories) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		addr:     addr,
		echo:     e,
		memories: memories,
		started:  time.Now(),
	}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.health)

	users := s.echo.Group("/api/v1/users/:user_id")
	users.POST("/memories", s.storeMemory)
	users.GET("/memories/recall", s.recallMemories)
	users.GET("/memories/proactive", s.proactiveRecall)
	users.POST("/memories/consolidate", s.consolidate)
	users.GET("/memories/:memory_id", s.getMemory)
	users.POST("/emotional-response", s.emotionalResponse)
	users.GET("/profile", s.profile)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks serving on the configured address until Stop is called.
func (s *Server) Start() error {
	logger.InfoCF("gateway", "HTTP server listening", map[string]interface{}{
		"addr": s.addr,
	})
	err := s.echo.Start(s.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":     v.Method,
				"path":       v.URIPath,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				fields["error"] = v.Error.Error()
			}
			switch {
			case v.Status >= 500:
				logger.ErrorCF("gateway", "Request failed", fields)
			case v.Status >= 400:
				logger.WarnCF("gateway", "Request rejected", fields)
			default:
				logger.DebugCF("gateway", "Request served", fields)
			}
			return nil
		},
	})
}
