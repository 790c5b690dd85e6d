package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/model"
)

// FakeMailbox is an in-memory mailbox.Client. Messages stay unread until
// archived or trashed.
type FakeMailbox struct {
	mu sync.Mutex

	order    []string
	messages map[string]*mailbox.RawMessage

	// GetErr and ArchiveErr fail the named message ids.
	GetErr     map[string]error
	ArchiveErr map[string]error
	ListErr    error

	Archived []string
	Trashed  []string
	Fetched  []string
	Closed   int
}

func NewFakeMailbox() *FakeMailbox {
	return &FakeMailbox{
		messages:   make(map[string]*mailbox.RawMessage),
		GetErr:     make(map[string]error),
		ArchiveErr: make(map[string]error),
	}
}

// Add queues an unread message.
func (f *FakeMailbox) Add(raw *mailbox.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, raw.ID)
	f.messages[raw.ID] = raw
}

// AddSimple queues an unread text/plain message.
func (f *FakeMailbox) AddSimple(id, from, subject, body string) {
	f.Add(&mailbox.RawMessage{
		ID:           id,
		ThreadID:     "t-" + id,
		InternalDate: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Headers: []mailbox.Header{
			{Name: "From", Value: from},
			{Name: "Subject", Value: subject},
		},
		Payload: &mailbox.Part{
			MimeType: "text/plain",
			Data:     base64.URLEncoding.EncodeToString([]byte(body)),
		},
	})
}

func (f *FakeMailbox) ListUnread(_ context.Context, max int) ([]mailbox.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var refs []mailbox.Ref
	for _, id := range f.order {
		if len(refs) == max {
			break
		}
		refs = append(refs, mailbox.Ref{ID: id, ThreadID: f.messages[id].ThreadID})
	}
	return refs, nil
}

func (f *FakeMailbox) GetFull(_ context.Context, id string) (*mailbox.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Fetched = append(f.Fetched, id)
	if err := f.GetErr[id]; err != nil {
		return nil, err
	}
	raw, ok := f.messages[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "get "+id, "no such message")
	}
	return raw, nil
}

func (f *FakeMailbox) Archive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ArchiveErr[id]; err != nil {
		return err
	}
	f.Archived = append(f.Archived, id)
	f.remove(id)
	return nil
}

// Close counts releases of the connection.
func (f *FakeMailbox) Close() error {
	f.mu.Lock()
	f.Closed++
	f.mu.Unlock()
	return nil
}

func (f *FakeMailbox) Trash(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.messages[id]; !ok {
		return fault.Newf(fault.KindNotFound, "trash "+id, "no such message")
	}
	f.Trashed = append(f.Trashed, id)
	f.remove(id)
	return nil
}

func (f *FakeMailbox) remove(id string) {
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			return
		}
	}
}

// FakeOpener hands out FakeMailbox clients keyed by account id.
type FakeOpener struct {
	mu        sync.Mutex
	Mailboxes map[string]*FakeMailbox
	OpenErr   map[string]error
}

func NewFakeOpener() *FakeOpener {
	return &FakeOpener{
		Mailboxes: make(map[string]*FakeMailbox),
		OpenErr:   make(map[string]error),
	}
}

// For returns the mailbox for accountID, creating it on first use.
func (o *FakeOpener) For(accountID string) *FakeMailbox {
	o.mu.Lock()
	defer o.mu.Unlock()
	mb, ok := o.Mailboxes[accountID]
	if !ok {
		mb = NewFakeMailbox()
		o.Mailboxes[accountID] = mb
	}
	return mb
}

func (o *FakeOpener) Open(_ context.Context, account *model.Account) (mailbox.Client, error) {
	o.mu.Lock()
	err := o.OpenErr[account.ID]
	o.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", account.Address, err)
	}
	return o.For(account.ID), nil
}
