package model

import "time"

// UnsubscribeOutcome is the terminal state of an unsubscribe attempt.
type UnsubscribeOutcome string

const (
	UnsubscribeSucceeded   UnsubscribeOutcome = "success"
	UnsubscribeUnconfirmed UnsubscribeOutcome = "unconfirmed"
	UnsubscribeFailed      UnsubscribeOutcome = "failed"
)

// Message is an ingested email. It is created once by ingestion and only
// mutated afterwards. (AccountID, ProviderMessageID) is unique.
type Message struct {
	ID                string `json:"id" db:"id"`
	AccountID         string `json:"account_id" db:"account_id"`
	UserID            string `json:"user_id" db:"user_id"`
	ProviderMessageID string `json:"provider_message_id" db:"provider_message_id"`
	ThreadID          string `json:"thread_id" db:"thread_id"`

	Subject   string `json:"subject" db:"subject"`
	FromName  string `json:"from_name" db:"from_name"`
	FromEmail string `json:"from_email" db:"from_email"`
	BodyText  string `json:"body_text" db:"body_text"`
	BodyHTML  string `json:"body_html" db:"body_html"`

	// ListUnsubscribe is the HTTP(S) URL from the List-Unsubscribe header,
	// if the sender provided one.
	ListUnsubscribe string `json:"list_unsubscribe,omitempty" db:"list_unsubscribe"`

	Summary    string  `json:"summary" db:"summary"`
	CategoryID *string `json:"category_id,omitempty" db:"category_id"`

	Archived bool `json:"archived" db:"archived"`
	Deleted  bool `json:"deleted" db:"deleted"`

	// Categorized is set once classification completed without error,
	// whether or not a category matched.
	Categorized bool `json:"categorized" db:"categorized"`

	UnsubscribeOutcome UnsubscribeOutcome `json:"unsubscribe_outcome,omitempty" db:"unsubscribe_outcome"`
	UnsubscribeDetail  string             `json:"unsubscribe_detail,omitempty" db:"unsubscribe_detail"`
	UnsubscribedAt     *time.Time         `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`

	ReceivedAt time.Time `json:"received_at" db:"received_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
