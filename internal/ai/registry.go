package ai

import (
	"fmt"
	"net/http"
	"strings"

	"horse.fit/newsloom/internal/config"
)

// NewProvider builds the configured provider, or nil when AI is disabled.
func NewProvider(cfg config.AI, httpClient *http.Client) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "":
		return nil, nil
	case "openai":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("AI_MODEL is required for the openai provider")
		}
		return NewOpenAIProvider(cfg.Endpoint, cfg.Model, cfg.APIKey, httpClient), nil
	case "anthropic":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("AI_API_KEY is required for the anthropic provider")
		}
		return NewAnthropicProvider(cfg.Endpoint, cfg.Model, cfg.APIKey, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported AI provider %q", cfg.Provider)
	}
}
