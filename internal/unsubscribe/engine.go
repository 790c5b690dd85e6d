package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/llm"
	"github.com/nhle/mailtriage/internal/metrics"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
)

// Browser opens isolated browser sessions.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is a single page in its own browser profile.
type Session interface {
	Navigate(ctx context.Context, url string) error
	VisibleText(ctx context.Context) (string, error)

	// Click clicks the first element matching a CSS selector.
	Click(ctx context.Context, selector string) error
	// ClickText clicks the first button, link or submit input whose text
	// or value contains text.
	ClickText(ctx context.Context, text string) error

	Fill(ctx context.Context, selector, value string) error
	Select(ctx context.Context, selector, value string) error
	Close() error
}

// Verifier decides from the final page text whether the attempt worked.
type Verifier interface {
	Verify(pageText string) bool
}

// KeywordVerifier succeeds when the page mentions any of its keywords,
// case-insensitively.
type KeywordVerifier []string

// DefaultVerifier looks for the usual confirmation words.
var DefaultVerifier = KeywordVerifier{"unsubscribed", "success", "confirmed", "removed"}

func (k KeywordVerifier) Verify(pageText string) bool {
	lower := strings.ToLower(pageText)
	for _, kw := range k {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Reason qualifies a failed attempt.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNoLink      Reason = "no-link"
	ReasonNavigation  Reason = "navigation"
	ReasonPlanInvalid Reason = "plan-invalid"
	ReasonBrowser     Reason = "browser"
)

// Outcome is the result of one attempt.
type Outcome struct {
	MessageID string                   `json:"message_id"`
	URL       string                   `json:"url,omitempty"`
	Status    model.UnsubscribeOutcome `json:"status"`
	Reason    Reason                   `json:"reason,omitempty"`
	Detail    string                   `json:"detail"`
	Plan      *Plan                    `json:"plan,omitempty"`
}

const (
	pageTextLimit     = 2000
	defaultWait       = time.Second
	maxWait           = 10 * time.Second
	stepTimeout       = 5 * time.Second
	defaultNavTimeout = 30 * time.Second
	defaultSettle     = 2 * time.Second
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	NavigationTimeout time.Duration
	Settle            time.Duration
	MaxSteps          int
	Verifier          Verifier

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine runs unsubscribe attempts: resolve the link, load the page, ask the
// model for a plan, execute it, let the page settle and verify.
type Engine struct {
	store   store.Store
	browser Browser
	model   llm.Model
	opts    Options
	logger  *zap.SugaredLogger
}

func NewEngine(s store.Store, b Browser, m llm.Model, opts Options, logger *zap.SugaredLogger) *Engine {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = defaultNavTimeout
	}
	switch {
	case opts.Settle == 0:
		opts.Settle = defaultSettle
	case opts.Settle < 0:
		opts.Settle = 0
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Verifier == nil {
		opts.Verifier = DefaultVerifier
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Engine{store: s, browser: b, model: m, opts: opts, logger: logger}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Attempt runs one unsubscribe attempt for msg and persists its outcome.
// It never returns an error: every failure becomes a Failed outcome.
// Outcome, detail and time are recorded for every status; only a
// Succeeded attempt marks the message deleted.
func (e *Engine) Attempt(ctx context.Context, msg *model.Message) Outcome {
	out := e.attempt(ctx, msg)

	metrics.UnsubscribeOutcomes.WithLabelValues(string(out.Status), string(out.Reason)).Inc()

	// Record even when ctx was cancelled mid-attempt.
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	if err := e.store.RecordUnsubscribe(persistCtx, msg.ID, out.Status, out.Detail, now); err != nil {
		e.logger.Errorw("recording unsubscribe outcome", "message", msg.ID, "error", err)
	} else {
		msg.UnsubscribeOutcome = out.Status
		msg.UnsubscribeDetail = out.Detail
		msg.UnsubscribedAt = &now
		if out.Status == model.UnsubscribeSucceeded {
			msg.Deleted = true
		}
	}

	e.logger.Infow("unsubscribe attempt finished",
		"message", msg.ID, "url", out.URL, "status", out.Status, "reason", out.Reason, "detail", out.Detail)
	return out
}

func failed(out Outcome, reason Reason, format string, args ...any) Outcome {
	out.Status = model.UnsubscribeFailed
	out.Reason = reason
	out.Detail = fmt.Sprintf(format, args...)
	return out
}

func (e *Engine) attempt(ctx context.Context, msg *model.Message) (out Outcome) {
	out.MessageID = msg.ID

	// ResolveLink
	out.URL = Resolve(msg)
	if out.URL == "" {
		return failed(out, ReasonNoLink, "no unsubscribe link found in message")
	}

	if err := ctx.Err(); err != nil {
		return failed(out, ReasonBrowser, "attempt cancelled: %v", err)
	}

	sess, err := e.browser.NewSession(ctx)
	if err != nil {
		return failed(out, ReasonBrowser, "starting browser: %v", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Warnw("closing browser session", "message", msg.ID, "error", err)
		}
	}()

	// LoadPage
	navCtx, cancel := context.WithTimeout(ctx, e.opts.NavigationTimeout)
	err = sess.Navigate(navCtx, out.URL)
	cancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return failed(out, ReasonBrowser, "attempt cancelled: %v", ctx.Err())
		}
		return failed(out, ReasonNavigation, "loading %s: %v", out.URL, err)
	}

	pageText, err := sess.VisibleText(ctx)
	if err != nil {
		return failed(out, ReasonBrowser, "reading page text: %v", err)
	}

	// PlanActions
	answer, err := e.model.Complete(ctx, llm.Request{
		Purpose:     "unsubscribe-plan",
		System:      "You are an unsubscribe automation assistant. Analyze pages and provide actionable steps.",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: planPrompt(out.URL, truncate(pageText, pageTextLimit))}},
		MaxTokens:   800,
		Temperature: 0.3,
		JSON:        true,
	})
	if err != nil {
		return failed(out, ReasonPlanInvalid, "planning actions: %v", err)
	}
	plan, err := ParsePlan(answer, e.opts.MaxSteps)
	if err != nil {
		return failed(out, ReasonPlanInvalid, "invalid plan: %v", err)
	}
	out.Plan = plan

	// ExecuteActions
	var stepErrs int
	for i, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return failed(out, ReasonBrowser, "attempt cancelled: %v", err)
		}
		if err := e.execute(ctx, sess, action); err != nil {
			stepErrs++
			e.logger.Debugw("plan step failed", "message", msg.ID, "step", i, "type", action.Type, "error", err)
		}
	}

	// SettleWait
	if err := e.opts.Sleep(ctx, e.opts.Settle); err != nil {
		return failed(out, ReasonBrowser, "attempt cancelled: %v", err)
	}

	// VerifyOutcome
	finalText, err := sess.VisibleText(ctx)
	if err != nil {
		return failed(out, ReasonBrowser, "reading final page text: %v", err)
	}

	summary := fmt.Sprintf("%d of %d steps ran", len(plan.Actions)-stepErrs, len(plan.Actions))
	if plan.Description != "" {
		summary = plan.Description + "; " + summary
	}
	if e.opts.Verifier.Verify(finalText) {
		out.Status = model.UnsubscribeSucceeded
		out.Detail = "Successfully unsubscribed (" + summary + ")"
		return out
	}
	out.Status = model.UnsubscribeUnconfirmed
	out.Detail = "Unsubscribe process completed but success could not be confirmed (" + summary + ")"
	return out
}

// execute runs one step. Unknown step types are ignored; failures are not
// retried.
func (e *Engine) execute(ctx context.Context, sess Session, a Action) error {
	switch a.Type {
	case ActionClick:
		if a.Selector == "" {
			return errors.New("click without selector")
		}
		err := withStepTimeout(ctx, func(ctx context.Context) error { return sess.Click(ctx, a.Selector) })
		if err == nil {
			return nil
		}
		textErr := withStepTimeout(ctx, func(ctx context.Context) error { return sess.ClickText(ctx, a.Selector) })
		if textErr != nil {
			return fmt.Errorf("click %q: %v; by text: %w", a.Selector, err, textErr)
		}
		return nil
	case ActionFill:
		return withStepTimeout(ctx, func(ctx context.Context) error { return sess.Fill(ctx, a.Selector, a.Value) })
	case ActionSelect:
		return withStepTimeout(ctx, func(ctx context.Context) error { return sess.Select(ctx, a.Selector, a.Value) })
	case ActionWait:
		d := time.Duration(a.Time) * time.Millisecond
		if d <= 0 {
			d = defaultWait
		}
		if d > maxWait {
			d = maxWait
		}
		return e.opts.Sleep(ctx, d)
	default:
		return nil
	}
}

// withStepTimeout bounds a browser step; element queries otherwise retry
// until the page shows the element.
func withStepTimeout(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	return fn(stepCtx)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
