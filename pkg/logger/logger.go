package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/clog"
)

type state struct {
	level  slog.Level
	out    io.Writer
	logger *slog.Logger
}

var (
	mu      sync.RWMutex
	current *state
)

func init() {
	current = &state{level: slog.LevelInfo, out: os.Stderr}
	current.logger = newLogger(current.out, current.level)
}

func newLogger(w io.Writer, lv slog.Level) *slog.Logger {
	handler := clog.New(
		clog.WithWriter(w),
		clog.WithLevel(lv),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	)
	return slog.New(handler)
}

// ParseLevel maps a config string to a slog level. Unknown values fall back to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func SetLevel(level string) {
	lv, ok := ParseLevel(level)
	mu.Lock()
	current = &state{level: lv, out: current.out, logger: newLogger(current.out, lv)}
	mu.Unlock()
	if !ok {
		WarnCF("logger", "Unknown log level, using info", map[string]interface{}{"level": level})
	}
}

// SetOutput redirects all component loggers to w.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	current = &state{level: current.level, out: w, logger: newLogger(w, current.level)}
}

// Default returns the underlying slog logger, for libraries that accept one.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current.logger
}

func log(level slog.Level, component, message string, fields map[string]interface{}) {
	l := Default()
	if !l.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]any, 0, len(fields)*2+2)
	if component != "" {
		attrs = append(attrs, "component", component)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, fields[k])
	}
	l.Log(context.Background(), level, message, attrs...)
}

func DebugC(component, message string) { log(slog.LevelDebug, component, message, nil) }
func InfoC(component, message string)  { log(slog.LevelInfo, component, message, nil) }
func WarnC(component, message string)  { log(slog.LevelWarn, component, message, nil) }
func ErrorC(component, message string) { log(slog.LevelError, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	log(slog.LevelDebug, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	log(slog.LevelInfo, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	log(slog.LevelWarn, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	log(slog.LevelError, component, message, fields)
}
