package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nhle/mailtriage/internal/model"
)

// Ref identifies a message at its source.
type Ref struct {
	ID       string
	ThreadID string
}

// Header is a single message header field.
type Header struct {
	Name  string
	Value string
}

// Part is a node of a message's MIME tree. Data holds the body of a leaf
// part encoded as base64url (padded or raw); multipart nodes carry Parts.
type Part struct {
	MimeType string
	Data     string
	Parts    []*Part
}

// RawMessage is a full message as returned by a provider, before
// normalization.
type RawMessage struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
	Headers      []Header
	Payload      *Part
}

// Client is the per-account mailbox connection used by ingestion and
// message actions.
type Client interface {
	// ListUnread returns up to max unread, non-trashed messages.
	ListUnread(ctx context.Context, max int) ([]Ref, error)

	// GetFull fetches headers and every MIME part of a message.
	GetFull(ctx context.Context, id string) (*RawMessage, error)

	// Archive removes the message from the inbox at the source.
	Archive(ctx context.Context, id string) error

	// Trash moves the message to the provider's trash.
	Trash(ctx context.Context, id string) error
}

// Release closes c when its backend holds a connection between calls.
func Release(c Client) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Opener builds a Client for a stored account.
type Opener interface {
	Open(ctx context.Context, account *model.Account) (Client, error)
}

// AuthError indicates that authentication has failed or expired for an
// account. The user must re-link the account.
type AuthError struct {
	Provider model.Provider
	Address  string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s %s): %s", e.Provider, e.Address, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
