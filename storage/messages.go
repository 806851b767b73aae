package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"zipchat/apperrors"
	"zipchat/models"
)

const messageColumns = `id, sender_id, recipient_id, encrypted_content, iv, created_at, expires_at, is_read, is_deleted`

// Create inserts a message with a server-assigned id and creation time and
// returns the row as stored.
func (s *SQLiteStore) Create(ctx context.Context, msg NewMessage) (*models.Message, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (
			id,
			sender_id,
			recipient_id,
			encrypted_content,
			iv,
			created_at,
			expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+messageColumns,
		uuid.NewString(),
		msg.SenderID,
		msg.RecipientID,
		msg.Content,
		msg.IV,
		s.now().UnixMilli(),
		nullInt64(msg.ExpiresAt),
	)

	stored, err := scanMessage(row)
	if err != nil {
		return nil, apperrors.Storage("insert message", err)
	}
	return stored, nil
}

// FindByRecipient returns every non-deleted message addressed to recipientID, newest first.
func (s *SQLiteStore) FindByRecipient(ctx context.Context, recipientID string) ([]models.Message, error) {
	if recipientID == "" {
		return nil, apperrors.Validation("recipient_id is required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		FROM messages
		WHERE recipient_id = ? AND is_deleted = 0
		ORDER BY created_at DESC, rowid DESC`,
		recipientID,
	)
	if err != nil {
		return nil, apperrors.Storage("find messages by recipient", err)
	}
	return collectMessages(rows)
}

// FindConversation returns one page of the two-way history between two users, newest first.
func (s *SQLiteStore) FindConversation(ctx context.Context, q ConversationQuery) ([]models.Message, error) {
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}

	before := int64(1<<63 - 1)
	if q.Before != nil {
		before = *q.Before
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		FROM messages
		WHERE ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
			AND is_deleted = 0
			AND created_at < ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		q.UserID, q.OtherUserID,
		q.OtherUserID, q.UserID,
		before,
		q.Limit,
	)
	if err != nil {
		return nil, apperrors.Storage("find conversation", err)
	}
	return collectMessages(rows)
}

// GetByID fetches one message regardless of its deleted flag.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, apperrors.Validation("message id is required")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.Storage("get message", err)
	}
	return message, nil
}

// MarkAsRead sets the read flag. Repeating the call leaves the row unchanged.
func (s *SQLiteStore) MarkAsRead(ctx context.Context, id string) error {
	return s.setFlag(ctx, "mark message read", `UPDATE messages SET is_read = 1 WHERE id = ?`, id)
}

// SoftDelete sets the deleted flag without removing the row.
func (s *SQLiteStore) SoftDelete(ctx context.Context, id string) error {
	return s.setFlag(ctx, "soft delete message", `UPDATE messages SET is_deleted = 1 WHERE id = ?`, id)
}

func (s *SQLiteStore) setFlag(ctx context.Context, op, query, id string) error {
	if id == "" {
		return apperrors.Validation("message id is required")
	}

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return apperrors.Storage(op, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage(op, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpired physically removes messages whose expiry has passed and
// that are not soft-deleted. It returns the number of rows removed.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at < ? AND is_deleted = 0`,
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, apperrors.Storage("cleanup expired messages", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Storage("read rows affected for cleanup", err)
	}
	return rowsAffected, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, apperrors.Storage("scan message row", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("iterate message rows", err)
	}
	return messages, nil
}
