package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zipchat/apperrors"
	"zipchat/models"
)

var postgresMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id                TEXT PRIMARY KEY,
  seq               BIGSERIAL,
  sender_id         TEXT NOT NULL,
  recipient_id      TEXT NOT NULL,
  encrypted_content TEXT NOT NULL,
  iv                TEXT NOT NULL,
  created_at        BIGINT NOT NULL,
  expires_at        BIGINT,
  is_read           BOOLEAN NOT NULL DEFAULT FALSE,
  is_deleted        BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_time ON messages (recipient_id, is_deleted, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_time ON messages (sender_id, recipient_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_expiry ON messages (expires_at) WHERE expires_at IS NOT NULL`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id         BIGSERIAL PRIMARY KEY,
  event_type TEXT NOT NULL,
  user_id    TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events (event_type, timestamp DESC, id DESC)`,
}

// PostgresStore implements MessageStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time

	securityEventRetention time.Duration
}

var _ MessageStore = (*PostgresStore)(nil)

// NewPostgresStore connects a pool to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string, opts ...Option) (*PostgresStore, error) {
	o := buildOptions(opts)

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, apperrors.Storage("open postgres pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Storage("ping postgres", err)
	}

	store := &PostgresStore{
		pool:                   pool,
		now:                    o.now,
		securityEventRetention: o.securityEventRetention,
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Storage("begin migration transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for i, stmt := range postgresMigrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return apperrors.Storage(fmt.Sprintf("apply migration %d", i+1), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Storage("commit migration transaction", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.Storage("ping postgres", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, msg NewMessage) (*models.Message, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, encrypted_content, iv, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		uuid.NewString(),
		msg.SenderID,
		msg.RecipientID,
		msg.Content,
		msg.IV,
		s.now().UnixMilli(),
		msg.ExpiresAt,
	)

	stored, err := scanMessage(row)
	if err != nil {
		return nil, apperrors.Storage("insert message", err)
	}
	return stored, nil
}

func (s *PostgresStore) FindByRecipient(ctx context.Context, recipientID string) ([]models.Message, error) {
	if recipientID == "" {
		return nil, apperrors.Validation("recipient_id is required")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE recipient_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC, seq DESC
	`, recipientID)
	if err != nil {
		return nil, apperrors.Storage("find messages by recipient", err)
	}
	return collectPgMessages(rows)
}

func (s *PostgresStore) FindConversation(ctx context.Context, q ConversationQuery) ([]models.Message, error) {
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
			AND NOT is_deleted
			AND ($3::BIGINT IS NULL OR created_at < $3)
		ORDER BY created_at DESC, seq DESC
		LIMIT $4
	`, q.UserID, q.OtherUserID, q.Before, q.Limit)
	if err != nil {
		return nil, apperrors.Storage("find conversation", err)
	}
	return collectPgMessages(rows)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, apperrors.Validation("message id is required")
	}

	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.Storage("get message", err)
	}
	return message, nil
}

func (s *PostgresStore) MarkAsRead(ctx context.Context, id string) error {
	return s.setFlag(ctx, "mark message read", `UPDATE messages SET is_read = TRUE WHERE id = $1`, id)
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id string) error {
	return s.setFlag(ctx, "soft delete message", `UPDATE messages SET is_deleted = TRUE WHERE id = $1`, id)
}

func (s *PostgresStore) setFlag(ctx context.Context, op, query, id string) error {
	if id == "" {
		return apperrors.Validation("message id is required")
	}

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return apperrors.Storage(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND NOT is_deleted
	`, s.now().UnixMilli())
	if err != nil {
		return 0, apperrors.Storage("cleanup expired messages", err)
	}
	return tag.RowsAffected(), nil
}

// LogSecurityEvent inserts a structured security event and applies retention pruning.
func (s *PostgresStore) LogSecurityEvent(ctx context.Context, event SecurityEvent) error {
	event, err := normalizeSecurityEvent(event, s.now())
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO security_events (event_type, user_id, details, severity, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, event.EventType, event.UserID, event.Details, event.Severity, event.Timestamp)
	if err != nil {
		return apperrors.Storage("insert security event", err)
	}

	if s.securityEventRetention > 0 {
		cutoff := s.now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.pool.Exec(ctx, `DELETE FROM security_events WHERE timestamp < $1`, cutoff); err != nil {
			return apperrors.Storage("prune security events", err)
		}
	}
	return nil
}

// GetSecurityEvents returns recent security events with optional filtering.
func (s *PostgresStore) GetSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, "get security events", err)
		}
	}

	query, args := securityEventQuery(filter, func(n int) string { return "$" + strconv.Itoa(n) })
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("get security events", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, apperrors.Storage("scan security event row", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("iterate security event rows", err)
	}
	return events, nil
}

func collectPgMessages(rows pgx.Rows) ([]models.Message, error) {
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
