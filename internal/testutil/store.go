package testutil

import (
	"context"
	"testing"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount inserts a Gmail account for userID and returns it.
func SeedAccount(t *testing.T, s store.Store, userID, address string) *model.Account {
	t.Helper()

	acct := &model.Account{
		UserID:        userID,
		Address:       address,
		Provider:      model.ProviderGmail,
		CredentialRef: "gmail-token:" + address,
	}
	if err := s.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("seeding account %s: %v", address, err)
	}
	return acct
}

// SeedCategory inserts a category for userID and returns it.
func SeedCategory(t *testing.T, s store.Store, userID, name, description string) *model.Category {
	t.Helper()

	cat := &model.Category{UserID: userID, Name: name, Description: description}
	if err := s.CreateCategory(context.Background(), cat); err != nil {
		t.Fatalf("seeding category %s: %v", name, err)
	}
	return cat
}

// SeedMessage inserts msg, filling AccountID and UserID from acct.
func SeedMessage(t *testing.T, s store.Store, acct *model.Account, msg model.Message) *model.Message {
	t.Helper()

	msg.AccountID = acct.ID
	msg.UserID = acct.UserID
	if err := s.CreateMessage(context.Background(), &msg); err != nil {
		t.Fatalf("seeding message %s: %v", msg.ProviderMessageID, err)
	}
	return &msg
}
