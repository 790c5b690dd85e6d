package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailtriage/internal/model"
)

const messageColumns = `id, account_id, user_id, provider_message_id, thread_id,
	subject, from_name, from_email, body_text, body_html, list_unsubscribe,
	summary, category_id, archived, deleted, categorized,
	unsubscribe_outcome, unsubscribe_detail, unsubscribed_at,
	received_at, created_at, updated_at`

// MessageExists reports whether a message with the given provider id has
// already been ingested for the account.
func (s *SQLiteStore) MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages WHERE account_id = ? AND provider_message_id = ?",
		accountID, providerMessageID)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", providerMessageID, err)
	}
	return n > 0, nil
}

// CreateMessage inserts a newly ingested message. It returns ErrDuplicate
// without modifying anything if the (account, provider id) pair exists.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, user_id, provider_message_id, thread_id,
			subject, from_name, from_email, body_text, body_html, list_unsubscribe,
			summary, category_id, archived, deleted, categorized,
			received_at, created_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?
		)
		ON CONFLICT(account_id, provider_message_id) DO NOTHING`,
		msg.ID, msg.AccountID, msg.UserID, msg.ProviderMessageID, msg.ThreadID,
		msg.Subject, msg.FromName, msg.FromEmail, msg.BodyText, msg.BodyHTML, msg.ListUnsubscribe,
		msg.Summary, msg.CategoryID, boolToInt(msg.Archived), boolToInt(msg.Deleted), boolToInt(msg.Categorized),
		msg.ReceivedAt.UTC(), msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating message %s: %w", msg.ProviderMessageID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s: %w", msg.ProviderMessageID, ErrDuplicate)
	}
	return nil
}

// GetMessage retrieves a single message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := s.db.GetContext(ctx, &msg,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, notFound(err))
	}
	return &msg, nil
}

// ListMessages retrieves messages matching the filter, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []any

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.CategoryID != nil {
		if *filter.CategoryID == "" {
			conditions = append(conditions, "category_id IS NULL")
		} else {
			conditions = append(conditions, "category_id = ?")
			args = append(args, *filter.CategoryID)
		}
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY received_at DESC, created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	var messages []model.Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return messages, nil
}

// SetCategory records a completed classification. A nil categoryID means
// no category matched; the message is still marked categorized.
func (s *SQLiteStore) SetCategory(ctx context.Context, id string, categoryID *string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET category_id = ?, categorized = 1, updated_at = ? WHERE id = ?",
		categoryID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting category of message %s: %w", id, err)
	}
	return expectRow(result, "message", id)
}

// SetSummary stores the summary text of a message.
func (s *SQLiteStore) SetSummary(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET summary = ?, updated_at = ? WHERE id = ?",
		summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting summary of message %s: %w", id, err)
	}
	return expectRow(result, "message", id)
}

// MarkArchived flags a message as archived at its source.
func (s *SQLiteStore) MarkArchived(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET archived = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archiving message %s: %w", id, err)
	}
	return expectRow(result, "message", id)
}

// MarkDeleted flags a message as deleted.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET deleted = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return expectRow(result, "message", id)
}

// RecordUnsubscribe persists the outcome of an unsubscribe attempt. A
// successful outcome also marks the message deleted.
func (s *SQLiteStore) RecordUnsubscribe(
	ctx context.Context,
	id string,
	outcome model.UnsubscribeOutcome,
	detail string,
	at time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			unsubscribe_outcome = ?,
			unsubscribe_detail = ?,
			unsubscribed_at = ?,
			deleted = CASE WHEN ? = 'success' THEN 1 ELSE deleted END,
			updated_at = ?
		WHERE id = ?`,
		string(outcome), detail, at.UTC(), string(outcome), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("recording unsubscribe for message %s: %w", id, err)
	}
	return expectRow(result, "message", id)
}
