package model

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Provider identifies the mailbox backend an account is linked through.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderGmail || p == ProviderIMAP
}

// Settings holds provider-specific key-value settings
// (e.g., IMAP host, port, TLS mode, archive folder).
// It is stored as a JSON object.
type Settings map[string]string

// Value implements driver.Valuer.
func (s Settings) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling settings: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *Settings) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = Settings{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported settings type %T", src)
	}
	out := Settings{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("unmarshaling settings: %w", err)
		}
	}
	*s = out
	return nil
}

// Account is a linked mailbox belonging to a user.
type Account struct {
	ID       string   `json:"id" db:"id"`
	UserID   string   `json:"user_id" db:"user_id"`
	Address  string   `json:"address" db:"address"`
	Provider Provider `json:"provider" db:"provider"`

	// CredentialRef is the keyring key holding the OAuth token or
	// IMAP password for this account.
	CredentialRef string `json:"credential_ref" db:"credential_ref"`

	Primary   bool      `json:"primary" db:"is_primary"`
	Settings  Settings  `json:"settings" db:"settings"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
