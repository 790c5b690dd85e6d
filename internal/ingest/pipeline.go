// Package ingest pulls unread mail from an account, stores each new message
// once, enriches it and archives it at the source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/metrics"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/normalize"
	"github.com/nhle/mailtriage/internal/store"
)

// DefaultPageSize is how many unread messages one run looks at.
const DefaultPageSize = 50

// Classifier assigns a stored message to a category.
type Classifier interface {
	Classify(ctx context.Context, msg *model.Message) (*model.Category, error)
}

// Summarizer writes a summary for a stored message.
type Summarizer interface {
	Summarize(ctx context.Context, msg *model.Message) (string, error)
}

// ItemError records the failure of one message (or, from RunUser, one
// account when ProviderMessageID is empty).
type ItemError struct {
	AccountID         string     `json:"account_id"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Kind              fault.Kind `json:"kind"`
	Err               error      `json:"-"`
	Message           string     `json:"error"`
}

func newItemError(accountID, providerID string, err error) ItemError {
	return ItemError{
		AccountID:         accountID,
		ProviderMessageID: providerID,
		Kind:              fault.KindOf(err),
		Err:               err,
		Message:           err.Error(),
	}
}

// Result summarizes one run. Processed counts messages that were stored,
// enriched and archived without error. Skipped counts messages already
// stored by an earlier run.
type Result struct {
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors"`
}

// Merge adds other's counts and errors to r.
func (r *Result) Merge(other Result) {
	r.Processed += other.Processed
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// Pipeline runs ingestion for one account at a time. It is safe for
// concurrent use across different accounts.
type Pipeline struct {
	store      store.Store
	opener     mailbox.Opener
	classifier Classifier
	summarizer Summarizer
	pageSize   int
	logger     *zap.SugaredLogger
}

func New(
	s store.Store,
	opener mailbox.Opener,
	classifier Classifier,
	summarizer Summarizer,
	pageSize int,
	logger *zap.SugaredLogger,
) *Pipeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pipeline{
		store:      s,
		opener:     opener,
		classifier: classifier,
		summarizer: summarizer,
		pageSize:   pageSize,
		logger:     logger,
	}
}

// Run ingests the unread messages of one account. Per-message failures end
// up in Result.Errors; the returned error is reserved for failures that
// stop the whole run (unknown account, mailbox unreachable, listing failed,
// context cancelled).
func (p *Pipeline) Run(ctx context.Context, accountID string) (result Result, err error) {
	start := time.Now()
	defer func() {
		label := "ok"
		if err != nil {
			label = "error"
		}
		metrics.IngestRuns.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	acct, err := p.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return result, fault.New(fault.KindNotFound, "ingest", fmt.Errorf("account %s: %w", accountID, err))
	}
	if err != nil {
		return result, fmt.Errorf("loading account %s: %w", accountID, err)
	}

	client, err := p.opener.Open(ctx, acct)
	if err != nil {
		return result, classifyBatch("open mailbox", err)
	}
	defer func() {
		if err := mailbox.Release(client); err != nil {
			p.logger.Debugw("closing mailbox", "account", acct.Address, "error", err)
		}
	}()

	refs, err := client.ListUnread(ctx, p.pageSize)
	if err != nil {
		return result, classifyBatch("list unread", err)
	}

	log := p.logger.With("account", acct.Address)
	log.Debugw("listed unread messages", "count", len(refs))

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		exists, err := p.store.MessageExists(ctx, acct.ID, ref.ID)
		if err != nil {
			result.Errors = append(result.Errors, newItemError(acct.ID, ref.ID, err))
			metrics.IngestedMessages.WithLabelValues("error").Inc()
			continue
		}
		if exists {
			result.Skipped++
			metrics.IngestedMessages.WithLabelValues("skipped").Inc()
			continue
		}

		errs := p.processOne(ctx, client, acct, ref)
		if len(errs) == 0 {
			result.Processed++
			metrics.IngestedMessages.WithLabelValues("processed").Inc()
			continue
		}
		for _, e := range errs {
			log.Warnw("message failed", "message", ref.ID, "kind", fault.KindOf(e), "error", e)
			result.Errors = append(result.Errors, newItemError(acct.ID, ref.ID, e))
		}
		metrics.IngestedMessages.WithLabelValues("error").Inc()
	}

	log.Infow("ingestion finished",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
		"took", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// processOne fetches, stores, enriches and archives a single message. It
// returns every failure it hit; an empty slice means the message is done.
func (p *Pipeline) processOne(ctx context.Context, client mailbox.Client, acct *model.Account, ref mailbox.Ref) []error {
	raw, err := client.GetFull(ctx, ref.ID)
	if err != nil {
		return []error{fmt.Errorf("fetching message: %w", err)}
	}

	var errs []error

	msg, err := normalize.Normalize(raw)
	if err != nil {
		// The best-effort fields are still worth keeping.
		errs = append(errs, err)
	}
	msg.AccountID = acct.ID
	msg.UserID = acct.UserID
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = ref.ID
	}

	if err := p.store.CreateMessage(ctx, &msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent run over the same account.
			return nil
		}
		return append(errs, fmt.Errorf("storing message: %w", err))
	}

	if _, err := p.classifier.Classify(ctx, &msg); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.summarizer.Summarize(ctx, &msg); err != nil {
		errs = append(errs, err)
	}

	// A message that failed anywhere stays in the inbox.
	if len(errs) == 0 {
		if err := client.Archive(ctx, ref.ID); err != nil {
			errs = append(errs, fmt.Errorf("archiving message: %w", err))
		} else if err := p.store.MarkArchived(ctx, msg.ID); err != nil {
			errs = append(errs, fmt.Errorf("marking archived: %w", err))
		}
	}

	return errs
}

// classifyBatch keeps auth and other classified errors as they are and
// treats everything else from the mailbox as transient.
func classifyBatch(op string, err error) error {
	if mailbox.IsAuthError(err) || fault.KindOf(err) != fault.KindUnknown {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fault.New(fault.KindTransientExternal, op, err)
}

// RunUser runs every account of userID in turn. Account-level failures are
// folded into the result as item errors without a message id.
func (p *Pipeline) RunUser(ctx context.Context, userID string) (Result, error) {
	var total Result

	accounts, err := p.store.ListAccounts(ctx, userID)
	if err != nil {
		return total, fmt.Errorf("listing accounts: %w", err)
	}

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := p.Run(ctx, acct.ID)
		total.Merge(res)
		if err != nil {
			p.logger.Warnw("account ingestion failed", "account", acct.Address, "error", err)
			total.Errors = append(total.Errors, newItemError(acct.ID, "", err))
		}
	}
	return total, nil
}
