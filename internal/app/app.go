// Package app is the facade the CLI talks to. It ties the store, the
// ingestion pipeline, the unsubscribe engine and the mailbox clients
// together and enforces per-user ownership.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/ingest"
	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
	"github.com/nhle/mailtriage/internal/unsubscribe"
)

// Ingester runs ingestion for one account or all accounts of a user.
type Ingester interface {
	Run(ctx context.Context, accountID string) (ingest.Result, error)
	RunUser(ctx context.Context, userID string) (ingest.Result, error)
}

// Unsubscriber runs one unsubscribe attempt.
type Unsubscriber interface {
	Attempt(ctx context.Context, msg *model.Message) unsubscribe.Outcome
}

// Secrets holds account credentials.
type Secrets interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// App exposes the user-facing operations.
type App struct {
	store    store.Store
	ingester Ingester
	unsub    Unsubscriber
	opener   mailbox.Opener
	secrets  Secrets
	logger   *zap.SugaredLogger
}

func New(
	s store.Store,
	ingester Ingester,
	unsub Unsubscriber,
	opener mailbox.Opener,
	secrets Secrets,
	logger *zap.SugaredLogger,
) *App {
	return &App{
		store:    s,
		ingester: ingester,
		unsub:    unsub,
		opener:   opener,
		secrets:  secrets,
		logger:   logger,
	}
}

// RunIngestion ingests one account's unread mail.
func (a *App) RunIngestion(ctx context.Context, accountID string) (ingest.Result, error) {
	return a.ingester.Run(ctx, accountID)
}

// RunUser ingests every account of userID.
func (a *App) RunUser(ctx context.Context, userID string) (ingest.Result, error) {
	return a.ingester.RunUser(ctx, userID)
}

// ownedMessage loads a message and checks it belongs to userID.
func (a *App) ownedMessage(ctx context.Context, userID, messageID string) (*model.Message, error) {
	msg, err := a.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.KindNotFound, "message "+messageID, err)
	}
	if err != nil {
		return nil, err
	}
	if msg.UserID != userID {
		return nil, fault.Newf(fault.KindOwnership, "message "+messageID, "message belongs to another user")
	}
	return msg, nil
}

// ownedAccount loads an account and checks it belongs to userID.
func (a *App) ownedAccount(ctx context.Context, userID, accountID string) (*model.Account, error) {
	acct, err := a.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.KindNotFound, "account "+accountID, err)
	}
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, fault.Newf(fault.KindOwnership, "account "+accountID, "account belongs to another user")
	}
	return acct, nil
}

// AttemptUnsubscribe runs one unsubscribe attempt for a message owned by
// userID. The only errors are NotFound and Ownership; everything that goes
// wrong during the attempt is reported in the outcome. Deleted messages
// are not attempted again.
func (a *App) AttemptUnsubscribe(ctx context.Context, userID, messageID string) (unsubscribe.Outcome, error) {
	msg, err := a.ownedMessage(ctx, userID, messageID)
	if err != nil {
		return unsubscribe.Outcome{}, err
	}
	if msg.Deleted {
		return unsubscribe.Outcome{
			MessageID: msg.ID,
			Status:    model.UnsubscribeFailed,
			Detail:    "not attempted: " + errAlreadyDeleted.Error(),
		}, nil
	}
	return a.unsub.Attempt(ctx, msg), nil
}

// BulkUnsubscribe attempts each message in turn. A message that cannot be
// found or is not owned yields a Failed outcome; the batch never aborts
// except on cancellation.
func (a *App) BulkUnsubscribe(ctx context.Context, userID string, messageIDs []string) []unsubscribe.Outcome {
	outcomes := make([]unsubscribe.Outcome, 0, len(messageIDs))
	for _, id := range messageIDs {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, unsubscribe.Outcome{
				MessageID: id,
				Status:    model.UnsubscribeFailed,
				Detail:    fmt.Sprintf("not attempted: %v", err),
			})
			continue
		}
		out, err := a.AttemptUnsubscribe(ctx, userID, id)
		if err != nil {
			out = unsubscribe.Outcome{
				MessageID: id,
				Status:    model.UnsubscribeFailed,
				Detail:    err.Error(),
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

var errAlreadyDeleted = errors.New("message already deleted")

// TrashResult reports what happened to one message of TrashMessages.
type TrashResult struct {
	MessageID string `json:"message_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// TrashMessages moves messages to the provider's trash and marks them
// deleted. Each message is handled independently.
func (a *App) TrashMessages(ctx context.Context, userID string, messageIDs []string) []TrashResult {
	clients := make(map[string]mailbox.Client)
	defer func() {
		for _, c := range clients {
			_ = mailbox.Release(c)
		}
	}()
	results := make([]TrashResult, 0, len(messageIDs))

	for _, id := range messageIDs {
		res := TrashResult{MessageID: id}
		if err := a.trashOne(ctx, userID, id, clients); err != nil {
			a.logger.Warnw("trash failed", "message", id, "error", err)
			res.Error = err.Error()
		} else {
			res.OK = true
		}
		results = append(results, res)
	}
	return results
}

func (a *App) trashOne(ctx context.Context, userID, id string, clients map[string]mailbox.Client) error {
	msg, err := a.ownedMessage(ctx, userID, id)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return errAlreadyDeleted
	}

	client, ok := clients[msg.AccountID]
	if !ok {
		acct, err := a.store.GetAccount(ctx, msg.AccountID)
		if err != nil {
			return fmt.Errorf("loading account: %w", err)
		}
		client, err = a.opener.Open(ctx, acct)
		if err != nil {
			return fmt.Errorf("opening mailbox: %w", err)
		}
		clients[msg.AccountID] = client
	}

	if err := client.Trash(ctx, msg.ProviderMessageID); err != nil {
		return fmt.Errorf("trashing at source: %w", err)
	}
	if err := a.store.MarkDeleted(ctx, msg.ID); err != nil {
		return fmt.Errorf("marking deleted: %w", err)
	}
	return nil
}

// ListByCategory returns the non-deleted messages of a category owned by
// userID, newest first.
func (a *App) ListByCategory(ctx context.Context, userID, categoryID string) ([]model.Message, error) {
	cat, err := a.store.GetCategory(ctx, categoryID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cat.UserID != userID) {
		return nil, fault.Newf(fault.KindNotFound, "category "+categoryID, "category not found")
	}
	if err != nil {
		return nil, err
	}
	return a.store.ListMessages(ctx, store.MessageFilter{UserID: userID, CategoryID: &cat.ID})
}

// ListMessages returns a page of userID's non-deleted messages. A non-nil
// categoryID of "" selects uncategorized messages.
func (a *App) ListMessages(ctx context.Context, userID string, categoryID *string, limit, offset int) ([]model.Message, error) {
	return a.store.ListMessages(ctx, store.MessageFilter{
		UserID:     userID,
		CategoryID: categoryID,
		Limit:      limit,
		Offset:     offset,
	})
}

// GetMessage returns a message owned by userID.
func (a *App) GetMessage(ctx context.Context, userID, messageID string) (*model.Message, error) {
	return a.ownedMessage(ctx, userID, messageID)
}
