package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/llm"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
)

const (
	summarizeBodyLimit   = 3000
	summarizeMaxTokens   = 200
	summarizeTemperature = 0.5
)

// Summarizer produces a short summary of a message.
type Summarizer struct {
	store  store.Store
	model  llm.Model
	logger *zap.SugaredLogger
}

func NewSummarizer(s store.Store, m llm.Model, logger *zap.SugaredLogger) *Summarizer {
	return &Summarizer{store: s, model: m, logger: logger}
}

// Summarize returns msg's summary, asking the model only when none is
// stored yet.
func (s *Summarizer) Summarize(ctx context.Context, msg *model.Message) (string, error) {
	if strings.TrimSpace(msg.Summary) != "" {
		return msg.Summary, nil
	}

	out, err := s.model.Complete(ctx, llm.Request{
		Purpose: "summarize",
		System:  "Summarize the email in two or three sentences. Mention any action the reader must take.",
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("From: %s <%s>\nSubject: %s\n\n%s",
				msg.FromName, msg.FromEmail, msg.Subject,
				truncate(bodyForPrompt(msg), summarizeBodyLimit)),
		}},
		MaxTokens:   summarizeMaxTokens,
		Temperature: summarizeTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarizing message %s: %w", msg.ID, err)
	}

	summary := strings.TrimSpace(out)
	if summary == "" {
		return "", fault.New(fault.KindModelInvalid, "summarize", errors.New("model returned an empty summary"))
	}
	if err := s.store.SetSummary(ctx, msg.ID, summary); err != nil {
		return "", fmt.Errorf("saving summary: %w", err)
	}
	msg.Summary = summary

	s.logger.Debugw("summarized message", "message", msg.ID, "chars", len(summary))
	return summary, nil
}
