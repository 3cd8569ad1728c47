package gateway

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dotsetgreg/dotavatar/pkg/logger"
	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps memory errors onto HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, memory.ErrValidation), errors.Is(err, memory.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrQuotaExceeded):
		return http.StatusConflict
	case errors.Is(err, memory.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, memory.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if status == http.StatusInternalServerError {
		logger.ErrorCF("gateway", "Unhandled memory error", map[string]interface{}{
			"path":  c.Path(),
			"error": err.Error(),
		})
		msg = "internal error"
	}
	if writeErr := c.JSON(status, errorResponse{Error: msg, Retryable: memory.IsRetryable(err)}); writeErr != nil {
		logger.WarnCF("gateway", "Failed to write error response", map[string]interface{}{
			"error": writeErr.Error(),
		})
	}
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
