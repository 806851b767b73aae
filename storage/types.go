package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"zipchat/apperrors"
	"zipchat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DefaultConversationLimit caps FindConversation when no limit is given.
	DefaultConversationLimit = 50
	// MaxConversationLimit is the largest page FindConversation returns.
	MaxConversationLimit = 100
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	SecurityEventAuthFailure       = "auth_failure"
	SecurityEventHeartbeatEviction = "heartbeat_eviction"
)

// MessageStore is the durable message lifecycle. Implementations never retry
// internally; backend failures surface as apperrors.KindStorage.
type MessageStore interface {
	Create(ctx context.Context, msg NewMessage) (*models.Message, error)
	FindByRecipient(ctx context.Context, recipientID string) ([]models.Message, error)
	FindConversation(ctx context.Context, q ConversationQuery) ([]models.Message, error)
	GetByID(ctx context.Context, id string) (*models.Message, error)
	MarkAsRead(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// SecurityLog persists security events alongside messages.
type SecurityLog interface {
	LogSecurityEvent(ctx context.Context, event SecurityEvent) error
	GetSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]SecurityEvent, error)
}

var (
	_ SecurityLog = (*SQLiteStore)(nil)
	_ SecurityLog = (*PostgresStore)(nil)
)

// NewMessage is the caller-supplied part of a message row.
type NewMessage struct {
	SenderID    string
	RecipientID string
	Content     string
	IV          string
	ExpiresAt   *int64
}

// ConversationQuery selects a page of the history between two users.
type ConversationQuery struct {
	UserID      string
	OtherUserID string
	Limit       int
	// Before restricts results to messages created strictly earlier (unix ms).
	Before *int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID        int64
	EventType string
	UserID    *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	UserID        string
	Severity      string
	FromTimestamp *int64
	Limit         int
}

// Option tunes a store at open time.
type Option func(*options)

type options struct {
	now                    func() time.Time
	walCheckpointInterval  time.Duration
	securityEventRetention time.Duration
}

// WithClock overrides the time source used for created_at and expiry sweeps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithWALCheckpointInterval sets the SQLite WAL truncation period. Zero disables the loop.
func WithWALCheckpointInterval(interval time.Duration) Option {
	return func(o *options) { o.walCheckpointInterval = interval }
}

// WithSecurityEventRetention sets how long security events are kept.
func WithSecurityEventRetention(retention time.Duration) Option {
	return func(o *options) {
		if retention > 0 {
			o.securityEventRetention = retention
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:                    time.Now,
		walCheckpointInterval:  DefaultWALCheckpointInterval,
		securityEventRetention: DefaultSecurityEventRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (m NewMessage) validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return apperrors.Validation("sender_id is required")
	}
	if strings.TrimSpace(m.RecipientID) == "" {
		return apperrors.Validation("recipient_id is required")
	}
	if m.Content == "" {
		return apperrors.Validation("encrypted content is required")
	}
	if m.IV == "" {
		return apperrors.Validation("iv is required")
	}
	return nil
}

func (q ConversationQuery) normalized() (ConversationQuery, error) {
	if strings.TrimSpace(q.UserID) == "" || strings.TrimSpace(q.OtherUserID) == "" {
		return q, apperrors.Validation("both conversation participants are required")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultConversationLimit
	}
	if q.Limit > MaxConversationLimit {
		q.Limit = MaxConversationLimit
	}
	return q, nil
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

// securityEventQuery renders the filtered select; placeholder returns the
// driver-specific bind marker for the n-th (1-based) argument.
func securityEventQuery(filter SecurityEventFilter, placeholder func(n int) string) (string, []any) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id, event_type, user_id, details, severity, timestamp FROM security_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, clause+placeholder(len(args)))
	}

	if filter.EventType != "" {
		add("event_type = ", filter.EventType)
	}
	if filter.UserID != "" {
		add("user_id = ", filter.UserID)
	}
	if filter.Severity != "" {
		add("severity = ", filter.Severity)
	}
	if filter.FromTimestamp != nil {
		add("timestamp >= ", *filter.FromTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit)
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT " + placeholder(len(args)))

	return query.String(), args
}

func normalizeSecurityEvent(event SecurityEvent, now time.Time) (SecurityEvent, error) {
	if strings.TrimSpace(event.EventType) == "" {
		return event, apperrors.Validation("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return event, apperrors.Wrap(apperrors.KindValidation, "log security event", err)
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if event.Timestamp == 0 {
		event.Timestamp = now.UnixMilli()
	}
	if event.UserID != nil {
		trimmed := strings.TrimSpace(*event.UserID)
		if trimmed == "" {
			event.UserID = nil
		} else {
			event.UserID = &trimmed
		}
	}
	return event, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message   models.Message
		expiresAt sql.NullInt64
	)

	if err := row.Scan(
		&message.ID,
		&message.SenderID,
		&message.RecipientID,
		&message.Content,
		&message.IV,
		&message.CreatedAt,
		&expiresAt,
		&message.Read,
		&message.Deleted,
	); err != nil {
		return nil, err
	}

	message.ExpiresAt = int64Ptr(expiresAt)
	return &message, nil
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event  SecurityEvent
		userID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&userID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.UserID = stringPtr(userID)
	return &event, nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
