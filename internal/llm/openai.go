package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/metrics"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultOpenAIURL   = "https://api.openai.com/v1/chat/completions"
)

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

// OpenAI talks to the chat completions API.
type OpenAI struct {
	apiKey string
	model  string
	url    string
	t      *transport
}

// NewOpenAI returns a chat completions client. Empty model and baseURL
// select the defaults.
func NewOpenAI(apiKey, model, baseURL string, t *transport) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	if t == nil {
		t = newTransport(0)
	}
	return &OpenAI{apiKey: apiKey, model: model, url: baseURL, t: t}
}

// Complete implements Model.
func (o *OpenAI) Complete(ctx context.Context, req Request) (out string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveLLM("openai", req.Purpose, err, start) }()

	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	body := openAIRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	var resp openAIResponse
	if err := o.t.postJSON(ctx, o.url, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.KindModelInvalid, "openai complete", errors.New("no choices in response"))
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", fault.New(fault.KindModelInvalid, "openai complete", errors.New("empty response"))
	}
	return text, nil
}
