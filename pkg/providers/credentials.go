package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenSource resolves the API key for a remote provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

type staticTokenSource struct {
	token  string
	source string
}

func NewStaticTokenSource(token, source string) TokenSource {
	return &staticTokenSource{
		token:  strings.TrimSpace(token),
		source: strings.TrimSpace(source),
	}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(s.token)
	if tok == "" {
		return "", fmt.Errorf("api key is empty for %s", s.Source())
	}
	if isPlaceholderToken(tok) {
		return "", fmt.Errorf("api key for %s looks like a placeholder", s.Source())
	}
	return tok, nil
}

func (s *staticTokenSource) Source() string {
	if s.source != "" {
		return s.source
	}
	return "static"
}

type fileTokenSource struct {
	path string
}

func NewFileTokenSource(path string) TokenSource {
	return &fileTokenSource{path: strings.TrimSpace(path)}
}

func (s *fileTokenSource) Token(context.Context) (string, error) {
	resolved := expandHome(strings.TrimSpace(s.path))
	if resolved == "" {
		return "", fmt.Errorf("api key file path is empty")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read api key file %s: %w", resolved, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("api key file %s is empty", resolved)
	}
	return tok, nil
}

func (s *fileTokenSource) Source() string {
	resolved := expandHome(strings.TrimSpace(s.path))
	if resolved != "" {
		return resolved
	}
	return "api_key_file"
}

// tokenSourceFor interprets a configured key. "file:<path>" reads the key
// from disk; anything else is used as is.
func tokenSourceFor(provider, raw string) TokenSource {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "file:"); ok {
		return NewFileTokenSource(rest)
	}
	return NewStaticTokenSource(raw, provider)
}

func resolveAPIKey(ctx context.Context, provider, raw string) (string, error) {
	src := tokenSourceFor(provider, raw)
	tok, err := src.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%s credentials: %w", provider, err)
	}
	return tok, nil
}

func isPlaceholderToken(tok string) bool {
	lower := strings.ToLower(tok)
	if strings.HasPrefix(tok, "${") || strings.HasPrefix(tok, "$") {
		return true
	}
	switch lower {
	case "changeme", "your-api-key", "your_api_key", "xxx", "todo":
		return true
	}
	return strings.HasPrefix(lower, "<") && strings.HasSuffix(lower, ">")
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
