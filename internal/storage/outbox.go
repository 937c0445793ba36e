// Package storage - Event outbox for status change publication.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Outbox Status Constants
// =============================================================================

// OutboxStatus represents the status of an outbound event.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"   // Awaiting publication
	OutboxStatusPublished OutboxStatus = "published" // Accepted by the broker
	OutboxStatusFailed    OutboxStatus = "failed"    // Gave up after max retries
)

// OutboxEvent represents an event in the outbound queue.
type OutboxEvent struct {
	ID           int64        `json:"id"`
	EventID      string       `json:"event_id"`
	SwapID       string       `json:"swap_id"`
	Subject      string       `json:"subject"`
	Payload      []byte       `json:"payload"`
	CreatedAt    int64        `json:"created_at"`
	RetryCount   int          `json:"retry_count"`
	LastAttempt  int64        `json:"last_attempt_at"`
	NextRetryAt  int64        `json:"next_retry_at"`
	PublishedAt  *int64       `json:"published_at"`
	Status       OutboxStatus `json:"status"`
	ErrorMessage string       `json:"error_message"`
}

// =============================================================================
// Outbox Operations
// =============================================================================

// EnqueueEvent adds an event to the outbox. Re-enqueueing an event id is a
// no-op.
func (s *Storage) EnqueueEvent(ctx context.Context, ev *OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_outbox (
			event_id, swap_id, subject, payload, created_at, retry_count, next_retry_at, status
		) VALUES (?, ?, ?, ?, ?, 0, ?, 'pending')
		ON CONFLICT(event_id) DO NOTHING
	`,
		ev.EventID, ev.SwapID, ev.Subject, ev.Payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	return nil
}

// GetPendingEvents returns events due for publication, oldest first.
func (s *Storage) GetPendingEvents(ctx context.Context, now int64, limit int) ([]*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, swap_id, subject, payload, created_at, retry_count,
		       last_attempt_at, next_retry_at, published_at, status, error_message
		FROM event_outbox
		WHERE status = 'pending'
		  AND next_retry_at <= ?
		ORDER BY id ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return scanOutboxEvents(rows)
}

// MarkEventPublished marks an event as delivered to the broker.
func (s *Storage) MarkEventPublished(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'published', published_at = ?, last_attempt_at = ?, retry_count = retry_count + 1
		WHERE event_id = ?
	`, now, now, eventID)

	return err
}

// MarkEventFailed marks an event as permanently failed.
func (s *Storage) MarkEventFailed(ctx context.Context, eventID string, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'failed', error_message = ?, last_attempt_at = ?, retry_count = retry_count + 1
		WHERE event_id = ?
	`, errorMsg, time.Now().Unix(), eventID)

	return err
}

// ScheduleEventRetry records a failed attempt and schedules the next one.
func (s *Storage) ScheduleEventRetry(ctx context.Context, eventID string, nextRetryAt int64, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET next_retry_at = ?, error_message = ?, last_attempt_at = ?, retry_count = retry_count + 1
		WHERE event_id = ?
	`, nextRetryAt, errorMsg, time.Now().Unix(), eventID)

	return err
}

// CleanupOldEvents removes published and failed events created before
// olderThan.
func (s *Storage) CleanupOldEvents(ctx context.Context, olderThan int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM event_outbox
		WHERE status IN ('published', 'failed')
		  AND created_at < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetOutboxStats returns the number of events in each status.
func (s *Storage) GetOutboxStats(ctx context.Context) (map[OutboxStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) as count
		FROM event_outbox
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[OutboxStatus(status)] = count
	}

	return stats, rows.Err()
}

// GetOutboxEvent retrieves a single event by event id.
func (s *Storage) GetOutboxEvent(ctx context.Context, eventID string) (*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, swap_id, subject, payload, created_at, retry_count,
		       last_attempt_at, next_retry_at, published_at, status, error_message
		FROM event_outbox
		WHERE event_id = ?
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanOutboxEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, sql.ErrNoRows
	}
	return events[0], nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func scanOutboxEvents(rows *sql.Rows) ([]*OutboxEvent, error) {
	var events []*OutboxEvent

	for rows.Next() {
		var ev OutboxEvent
		var lastAttempt, publishedAt sql.NullInt64
		var errorMsg sql.NullString

		err := rows.Scan(
			&ev.ID, &ev.EventID, &ev.SwapID, &ev.Subject, &ev.Payload,
			&ev.CreatedAt, &ev.RetryCount, &lastAttempt, &ev.NextRetryAt,
			&publishedAt, &ev.Status, &errorMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}

		if lastAttempt.Valid {
			ev.LastAttempt = lastAttempt.Int64
		}
		if publishedAt.Valid {
			ev.PublishedAt = &publishedAt.Int64
		}
		if errorMsg.Valid {
			ev.ErrorMessage = errorMsg.String
		}

		events = append(events, &ev)
	}

	return events, rows.Err()
}
