package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailtriage/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by CreateMessage when a message with the same
// (account, provider message id) pair is already stored.
var ErrDuplicate = errors.New("duplicate message")

// MessageFilter controls filtering and pagination for message queries.
// Results are always ordered newest first.
type MessageFilter struct {
	UserID         string
	AccountID      *string
	CategoryID     *string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store defines the persistence interface for accounts, categories and
// ingested messages.
type Store interface {
	// === Accounts ===

	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)
	UpdateAccountSettings(ctx context.Context, id string, settings model.Settings) error
	DeleteAccount(ctx context.Context, id string) error

	// === Categories ===

	CreateCategory(ctx context.Context, category *model.Category) error
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	ListCategories(ctx context.Context, userID string) ([]model.Category, error)
	DeleteCategory(ctx context.Context, id string) error

	// === Messages ===

	MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error)
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	SetCategory(ctx context.Context, id string, categoryID *string) error
	SetSummary(ctx context.Context, id, summary string) error
	MarkArchived(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
	RecordUnsubscribe(ctx context.Context, id string, outcome model.UnsubscribeOutcome, detail string, at time.Time) error

	Close() error
}
