package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

const (
	defaultTopK = 5
	maxTopK     = 20
)

type storeMemoryRequest struct {
	Text       string            `json:"text"`
	MemoryType string            `json:"memory_type"`
	Emotion    *memory.Emotion   `json:"emotion"`
	Embedding  []float32         `json:"embedding"`
	Importance *float64          `json:"importance_score"`
	Metadata   map[string]string `json:"metadata"`
	CreatedAt  *time.Time        `json:"created_at"`
}

type recallResponse struct {
	UserID   string                `json:"user_id"`
	Query    string                `json:"query"`
	Memories []memory.ScoredRecord `json:"memories"`
}

type reminder struct {
	Memory          memory.Record `json:"memory"`
	SuggestedAction string        `json:"suggested_action"`
}

type proactiveResponse struct {
	UserID    string     `json:"user_id"`
	Reminders []reminder `json:"reminders"`
}

type consolidateResponse struct {
	UserID       string `json:"user_id"`
	MergedGroups int    `json:"merged_groups"`
	Error        string `json:"error,omitempty"`
}

type emotionalResponseRequest struct {
	CurrentEmotion string `json:"current_emotion"`
}

func (s *Server) storeMemory(c echo.Context) error {
	var body storeMemoryRequest
	if err := c.Bind(&body); err != nil {
		return badRequest("malformed request body")
	}
	req := memory.StoreRequest{
		UserID:     c.Param("user_id"),
		Text:       body.Text,
		Type:       memory.MemoryType(body.MemoryType),
		Emotion:    body.Emotion,
		Embedding:  body.Embedding,
		Importance: body.Importance,
		Metadata:   body.Metadata,
	}
	if body.CreatedAt != nil {
		req.CreatedAt = *body.CreatedAt
	}
	rec, err := s.memories.Store(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) getMemory(c echo.Context) error {
	rec, err := s.memories.Get(c.Request().Context(), c.Param("user_id"), c.Param("memory_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) recallMemories(c echo.Context) error {
	req := memory.RecallRequest{
		UserID: c.Param("user_id"),
		Query:  c.QueryParam("query"),
		TopK:   defaultTopK,
		Type:   memory.MemoryType(c.QueryParam("type")),
	}
	if raw := strings.TrimSpace(c.QueryParam("top_k")); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k < 1 || k > maxTopK {
			return badRequest("top_k must be an integer between 1 and 20")
		}
		req.TopK = k
	}
	if raw := strings.TrimSpace(c.QueryParam("time_weight")); raw != "" {
		tw, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badRequest("time_weight must be a number")
		}
		req.TimeWeight = &tw
	}

	hits, err := s.memories.Recall(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recallResponse{UserID: req.UserID, Query: req.Query, Memories: hits})
}

func (s *Server) proactiveRecall(c echo.Context) error {
	userID := c.Param("user_id")
	records, err := s.memories.ProactiveRecall(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	out := proactiveResponse{UserID: userID, Reminders: make([]reminder, 0, len(records))}
	for _, rec := range records {
		out.Reminders = append(out.Reminders, reminder{
			Memory:          rec,
			SuggestedAction: "Remind about " + rec.Summary,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// consolidate reports partial progress: groups merged before a failure stay
// merged, so a non-zero count is still a success.
func (s *Server) consolidate(c echo.Context) error {
	userID := c.Param("user_id")
	n, err := s.memories.Consolidate(c.Request().Context(), userID)
	if err != nil && n == 0 {
		return err
	}
	out := consolidateResponse{UserID: userID, MergedGroups: n}
	if err != nil {
		out.Error = err.Error()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) emotionalResponse(c echo.Context) error {
	var body emotionalResponseRequest
	if err := c.Bind(&body); err != nil {
		return badRequest("malformed request body")
	}
	resp, err := s.memories.SynthesizeResponse(c.Request().Context(), c.Param("user_id"), body.CurrentEmotion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) profile(c echo.Context) error {
	p, err := s.memories.Profile(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}
