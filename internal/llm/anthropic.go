package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/metrics"
)

const (
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	defaultAnthropicURL   = "https://api.anthropic.com/v1/messages"
	anthropicVersion      = "2023-06-01"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Anthropic talks to the Messages API.
type Anthropic struct {
	apiKey string
	model  string
	url    string
	t      *transport
}

// NewAnthropic returns a client for the Anthropic Messages API. Empty model
// and baseURL select the defaults.
func NewAnthropic(apiKey, model, baseURL string, t *transport) *Anthropic {
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = defaultAnthropicModel
	}
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	if t == nil {
		t = newTransport(0)
	}
	return &Anthropic{apiKey: apiKey, model: model, url: baseURL, t: t}
}

// Complete implements Model. JSON mode has no native switch here, so the
// instruction goes into the system prompt and the reply is prefilled with "{".
func (a *Anthropic) Complete(ctx context.Context, req Request) (out string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveLLM("anthropic", req.Purpose, err, start) }()

	system := req.System
	msgs := make([]anthropicMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		msgs = append(msgs, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.JSON {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else.")
		msgs = append(msgs, anthropicMessage{Role: string(RoleAssistant), Content: "{"})
	}

	body := anthropicRequest{
		Model:       a.model,
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		System:      system,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := a.t.postJSON(ctx, a.url, headers, body, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if req.JSON {
		text = "{" + text
	}
	if strings.TrimSpace(text) == "" {
		return "", fault.New(fault.KindModelInvalid, "anthropic complete", fmt.Errorf("empty response (stop reason %q)", resp.StopReason))
	}
	return text, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}
