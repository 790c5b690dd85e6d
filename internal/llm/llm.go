// Package llm is a minimal request/response client for hosted language
// models. Providers share one HTTP transport with rate limiting and retry.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Role tags a message in a prompt.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged turn of a prompt.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion request.
type Request struct {
	// Purpose labels the call in metrics and logs (e.g. "classify").
	Purpose string

	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64

	// JSON asks the provider to return a single JSON object.
	JSON bool
}

// Model completes a prompt and returns the model's text.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
}

// New returns the provider named by cfg.Provider ("openai" or "anthropic").
func New(cfg Config) (Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: missing API key for provider %q", cfg.Provider)
	}
	t := newTransport(cfg.RequestsPerMinute)
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, t), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL, t), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
