package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/model"
)

const (
	gmailUser        = "me"
	unreadQuery      = "is:unread -in:trash"
	gmailInboxLabel  = "INBOX"
	gmailCallTimeout = 30 * time.Second
)

// GmailClient talks to one Gmail mailbox through the Gmail API.
type GmailClient struct {
	svc     *gmailv1.Service
	address string
	cb      *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewGmailClient creates a Gmail API client authorized by ts.
func NewGmailClient(
	ctx context.Context,
	address string,
	ts oauth2.TokenSource,
	logger *zap.SugaredLogger,
	opts ...option.ClientOption,
) (*GmailClient, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return &GmailClient{
		svc:     svc,
		address: address,
		cb:      newBreaker("gmail:"+address, logger),
		logger:  logger,
	}, nil
}

func newBreaker(name string, logger *zap.SugaredLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// nonTrippingError carries client-side API errors through the breaker
// without counting them as failures.
type nonTrippingError struct {
	err error
}

func (e *nonTrippingError) Error() string { return e.err.Error() }

// call runs fn under the circuit breaker and a per-call timeout.
func (c *GmailClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gmailCallTimeout)
		defer cancel()
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := fn(ctx); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
				return nil, &nonTrippingError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nte *nonTrippingError
	if errors.As(err, &nte) {
		err = nte.err
	}
	return c.classify(op, err)
}

// classify maps Gmail API errors to auth, not-found or transient failures.
func (c *GmailClient) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsAuthError(err) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return &AuthError{Provider: model.ProviderGmail, Address: c.address, Message: apiErr.Message}
		case http.StatusNotFound:
			return fault.New(fault.KindNotFound, op, err)
		}
	}
	return fault.New(fault.KindTransientExternal, op, err)
}

// ListUnread returns up to max unread messages that are not in the trash.
func (c *GmailClient) ListUnread(ctx context.Context, max int) ([]Ref, error) {
	var resp *gmailv1.ListMessagesResponse
	err := c.call(ctx, "gmail list unread", func(ctx context.Context) error {
		var apiErr error
		resp, apiErr = c.svc.Users.Messages.List(gmailUser).
			Q(unreadQuery).
			MaxResults(int64(max)).
			Context(ctx).
			Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	refs := make([]Ref, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, Ref{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

// GetFull fetches a message in "full" format, including every MIME part.
func (c *GmailClient) GetFull(ctx context.Context, id string) (*RawMessage, error) {
	var msg *gmailv1.Message
	err := c.call(ctx, "gmail get message", func(ctx context.Context) error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return convertGmailMessage(msg), nil
}

// Archive removes the INBOX label from the message.
func (c *GmailClient) Archive(ctx context.Context, id string) error {
	req := &gmailv1.ModifyMessageRequest{RemoveLabelIds: []string{gmailInboxLabel}}
	return c.call(ctx, "gmail archive", func(ctx context.Context) error {
		_, err := c.svc.Users.Messages.Modify(gmailUser, id, req).Context(ctx).Do()
		return err
	})
}

// Trash moves the message to the Gmail trash.
func (c *GmailClient) Trash(ctx context.Context, id string) error {
	return c.call(ctx, "gmail trash", func(ctx context.Context) error {
		_, err := c.svc.Users.Messages.Trash(gmailUser, id).Context(ctx).Do()
		return err
	})
}

func convertGmailMessage(msg *gmailv1.Message) *RawMessage {
	raw := &RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
	}
	if msg.InternalDate > 0 {
		raw.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			raw.Headers = append(raw.Headers, Header{Name: h.Name, Value: h.Value})
		}
		raw.Payload = convertGmailPart(msg.Payload)
	}
	return raw
}

func convertGmailPart(p *gmailv1.MessagePart) *Part {
	if p == nil {
		return nil
	}
	part := &Part{MimeType: p.MimeType}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, sub := range p.Parts {
		if child := convertGmailPart(sub); child != nil {
			part.Parts = append(part.Parts, child)
		}
	}
	return part
}

var _ Client = (*GmailClient)(nil)
