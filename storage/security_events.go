package storage

import (
	"context"

	"zipchat/apperrors"
)

// LogSecurityEvent inserts a structured security event and applies retention pruning.
func (s *SQLiteStore) LogSecurityEvent(ctx context.Context, event SecurityEvent) error {
	event, err := normalizeSecurityEvent(event, s.now())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_events (
			event_type,
			user_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(event.UserID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return apperrors.Storage("insert security event", err)
	}

	if s.securityEventRetention > 0 {
		cutoff := s.now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(ctx, cutoff); err != nil {
			return err
		}
	}

	return nil
}

// GetSecurityEvents returns recent security events with optional filtering.
func (s *SQLiteStore) GetSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, "get security events", err)
		}
	}

	query, args := securityEventQuery(filter, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// PruneSecurityEvents removes security events older than cutoffTimestamp.
func (s *SQLiteStore) PruneSecurityEvents(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, apperrors.Validation("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, apperrors.Storage("prune security events", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Storage("read rows affected for security event prune", err)
	}

	return rowsAffected, nil
}
