// Package enrich runs the two language model passes over an ingested
// message: classification into a user category and a short summary.
package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/llm"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
)

const (
	// Uncategorized is the sentinel answer for "no category fits".
	Uncategorized = "UNCATEGORIZED"

	classifyBodyLimit   = 2000
	classifyMaxTokens   = 50
	classifyTemperature = 0.3
)

// Classifier assigns a message to one of its owner's categories.
type Classifier struct {
	store  store.Store
	model  llm.Model
	logger *zap.SugaredLogger
}

func NewClassifier(s store.Store, m llm.Model, logger *zap.SugaredLogger) *Classifier {
	return &Classifier{store: s, model: m, logger: logger}
}

// Classify asks the model to pick one of the user's categories for msg.
// It returns the matched category, or nil when the user has none, the model
// answers UNCATEGORIZED, or the answer matches no category name. A match is
// persisted on the message, and the message is marked categorized whenever
// the model call succeeds.
func (c *Classifier) Classify(ctx context.Context, msg *model.Message) (*model.Category, error) {
	categories, err := c.store.ListCategories(ctx, msg.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	if len(categories) == 0 {
		return nil, nil
	}

	answer, err := c.model.Complete(ctx, llm.Request{
		Purpose:     "classify",
		System:      "You sort email into categories. Answer with the category name only.",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: classifyPrompt(msg, categories)}},
		MaxTokens:   classifyMaxTokens,
		Temperature: classifyTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("classifying message %s: %w", msg.ID, err)
	}

	matched := MatchCategory(answer, categories)

	var categoryID *string
	if matched != nil {
		categoryID = &matched.ID
	}
	if err := c.store.SetCategory(ctx, msg.ID, categoryID); err != nil {
		return nil, fmt.Errorf("saving category: %w", err)
	}
	msg.CategoryID = categoryID
	msg.Categorized = true

	c.logger.Debugw("classified message",
		"message", msg.ID, "answer", strings.TrimSpace(answer), "matched", matched != nil)
	return matched, nil
}

// MatchCategory maps a model answer onto a category by case-insensitive
// exact name match. The sentinel and unknown names yield nil.
func MatchCategory(answer string, categories []model.Category) *model.Category {
	answer = strings.TrimSpace(answer)
	if answer == "" || strings.EqualFold(answer, Uncategorized) {
		return nil
	}
	for i := range categories {
		if strings.EqualFold(categories[i].Name, answer) {
			return &categories[i]
		}
	}
	return nil
}

func classifyPrompt(msg *model.Message, categories []model.Category) string {
	var sb strings.Builder
	sb.WriteString("Categories:\n")
	for _, cat := range categories {
		fmt.Fprintf(&sb, "- %s: %s\n", cat.Name, cat.Description)
	}
	fmt.Fprintf(&sb, "\nIf none fits, answer %s.\n\n", Uncategorized)
	fmt.Fprintf(&sb, "From: %s <%s>\n", msg.FromName, msg.FromEmail)
	fmt.Fprintf(&sb, "Subject: %s\n\n", msg.Subject)
	sb.WriteString(truncate(bodyForPrompt(msg), classifyBodyLimit))
	return sb.String()
}

var textPolicy = bluemonday.StrictPolicy()

// bodyForPrompt prefers the plain-text body and falls back to the HTML body
// with all markup stripped.
func bodyForPrompt(msg *model.Message) string {
	if strings.TrimSpace(msg.BodyText) != "" {
		return msg.BodyText
	}
	if msg.BodyHTML == "" {
		return ""
	}
	return strings.Join(strings.Fields(textPolicy.Sanitize(msg.BodyHTML)), " ")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
