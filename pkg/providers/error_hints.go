package providers

import (
	"fmt"
	"strings"
)

// augmentProviderError appends a configuration hint to well-known provider
// failures.
func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	switch normalizeName(providerName) {
	case EmbedderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") || strings.Contains(lower, "status code: 401") {
			return msg + " Hint: set providers.embedding.api_key or DOTAVATAR_PROVIDERS_EMBEDDING_API_KEY."
		}
		if strings.Contains(lower, "dimensions") && strings.Contains(lower, "not supported") {
			return msg + " Hint: this model does not accept a dimensions override; set providers.embedding.dimensions to the model's native size."
		}
	case DetectorAnthropic:
		if strings.Contains(lower, "authentication_error") || strings.Contains(lower, "401") {
			return msg + " Hint: set providers.emotion.api_key or DOTAVATAR_PROVIDERS_EMOTION_API_KEY."
		}
		if strings.Contains(lower, "not_found_error") && strings.Contains(lower, "model") {
			return msg + " Hint: providers.emotion.model names a model this key cannot use."
		}
	}

	return msg
}

// wrapProviderError prefixes err with op and appends any configuration hint,
// keeping err reachable through errors.Is and errors.As.
func wrapProviderError(providerName, op string, err error) error {
	base := op + ": " + err.Error()
	hint := strings.TrimPrefix(augmentProviderError(providerName, base), strings.TrimSpace(base))
	return fmt.Errorf("%s: %w%s", op, err, hint)
}
