package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
)

// CredentialKey is the keyring entry holding an account's OAuth token or
// IMAP password.
func CredentialKey(provider model.Provider, address string) string {
	switch provider {
	case model.ProviderIMAP:
		return "imap-password:" + address
	default:
		return "gmail-token:" + address
	}
}

// LinkAccount stores a new account. The caller has already put its
// credential into the vault under account.CredentialRef. The first account
// of a user becomes primary.
func (a *App) LinkAccount(ctx context.Context, account *model.Account) error {
	account.Address = strings.TrimSpace(account.Address)
	if account.Address == "" {
		return errors.New("account address is required")
	}
	if !account.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", account.Provider)
	}
	if account.CredentialRef == "" {
		account.CredentialRef = CredentialKey(account.Provider, account.Address)
	}

	existing, err := a.store.ListAccounts(ctx, account.UserID)
	if err != nil {
		return err
	}
	account.Primary = len(existing) == 0

	if err := a.store.CreateAccount(ctx, account); err != nil {
		return err
	}
	a.logger.Infow("account linked", "user", account.UserID, "address", account.Address, "provider", account.Provider)
	return nil
}

// VerifyAccount opens the account's mailbox and lists one message to
// prove the stored credential works.
func (a *App) VerifyAccount(ctx context.Context, userID, accountID string) error {
	acct, err := a.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return err
	}
	client, err := a.opener.Open(ctx, acct)
	if err != nil {
		return err
	}
	defer func() { _ = mailbox.Release(client) }()
	if _, err := client.ListUnread(ctx, 1); err != nil {
		return fmt.Errorf("listing %s: %w", acct.Address, err)
	}
	return nil
}

// ListAccounts returns userID's accounts.
func (a *App) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	return a.store.ListAccounts(ctx, userID)
}

// UnlinkAccount deletes an account, its messages and its credential.
func (a *App) UnlinkAccount(ctx context.Context, userID, accountID string) error {
	acct, err := a.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteAccount(ctx, acct.ID); err != nil {
		return err
	}
	if err := a.secrets.Delete(acct.CredentialRef); err != nil {
		a.logger.Warnw("removing account credential", "address", acct.Address, "error", err)
	}
	a.logger.Infow("account unlinked", "user", userID, "address", acct.Address)
	return nil
}

// SaveIMAPPassword stores the password for an IMAP account.
func (a *App) SaveIMAPPassword(address, password string) error {
	return a.secrets.Set(CredentialKey(model.ProviderIMAP, address), password)
}

// SaveGmailToken stores an authorized Gmail token.
func (a *App) SaveGmailToken(address string, tok *oauth2.Token) error {
	return mailbox.SaveToken(a.secrets, CredentialKey(model.ProviderGmail, address), tok)
}

// AddCategory creates a category for userID.
func (a *App) AddCategory(ctx context.Context, userID, name, description string) (*model.Category, error) {
	cat := &model.Category{UserID: userID, Name: name, Description: strings.TrimSpace(description)}
	if err := a.store.CreateCategory(ctx, cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// ListCategories returns userID's categories.
func (a *App) ListCategories(ctx context.Context, userID string) ([]model.Category, error) {
	return a.store.ListCategories(ctx, userID)
}

// RemoveCategory deletes a category of userID. Its messages become
// uncategorized.
func (a *App) RemoveCategory(ctx context.Context, userID, categoryID string) error {
	cat, err := a.store.GetCategory(ctx, categoryID)
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.KindNotFound, "category "+categoryID, err)
	}
	if err != nil {
		return err
	}
	if cat.UserID != userID {
		return fault.Newf(fault.KindOwnership, "category "+categoryID, "category belongs to another user")
	}
	return a.store.DeleteCategory(ctx, cat.ID)
}
