package mailbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nhle/mailtriage/internal/model"
)

// Dialer opens provider clients for stored accounts, reading credentials
// from the secret store.
type Dialer struct {
	secrets SecretStore
	oauth   *oauth2.Config
	logger  *zap.SugaredLogger
}

// NewDialer returns a Dialer. oauthCfg may be nil when no Gmail accounts
// are linked.
func NewDialer(secrets SecretStore, oauthCfg *oauth2.Config, logger *zap.SugaredLogger) *Dialer {
	return &Dialer{secrets: secrets, oauth: oauthCfg, logger: logger}
}

// Open returns a Client for account.
func (d *Dialer) Open(ctx context.Context, account *model.Account) (Client, error) {
	switch account.Provider {
	case model.ProviderGmail:
		if d.oauth == nil {
			return nil, fmt.Errorf("gmail account %s: no OAuth client secret configured", account.Address)
		}
		tok, err := LoadToken(d.secrets, account.CredentialRef)
		if err != nil {
			return nil, &AuthError{Provider: account.Provider, Address: account.Address, Message: err.Error()}
		}
		ts := NewPersistingTokenSource(ctx, d.oauth, tok, d.secrets, account.CredentialRef, d.logger)
		return NewGmailClient(ctx, account.Address, ts, d.logger)

	case model.ProviderIMAP:
		password, err := d.secrets.Get(account.CredentialRef)
		if err != nil {
			return nil, &AuthError{Provider: account.Provider, Address: account.Address, Message: err.Error()}
		}
		cfg := IMAPConfigFromSettings(account, password)
		if cfg.Host == "" {
			return nil, fmt.Errorf("imap account %s: host not configured", account.Address)
		}
		return NewIMAPClient(cfg, d.logger), nil

	default:
		return nil, fmt.Errorf("account %s: unsupported provider %q", account.Address, account.Provider)
	}
}

var _ Opener = (*Dialer)(nil)
