package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

// Enqueue adds an outgoing message to the outbox
func (t *Tx) Enqueue(entry protocol.OutboxEntry) error {
	_, err := t.exec(`
		INSERT INTO outbox (id, owned, destination, payload, not_before, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)
	`, entry.ID, entry.Owned.Bytes(), entry.Destination.Encode().Bytes(), entry.Payload,
		toMillis(entry.NotBefore), toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to queue message %s: %w", entry.ID, err)
	}
	return nil
}

// CompleteOutgoing removes a delivered entry within the transaction
func (t *Tx) CompleteOutgoing(id string) error {
	if _, err := t.exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queued message: %w", err)
	}
	return nil
}

// DueOutgoing returns entries whose delivery time has come, oldest first
func (s *DB) DueOutgoing(ctx context.Context, now time.Time, limit int) ([]protocol.OutboxEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owned, destination, payload, not_before, attempts, last_error, created_at
		FROM outbox
		WHERE not_before <= ?
		ORDER BY not_before ASC, created_at ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

// PendingOutgoing lists every queued entry regardless of its delivery time
func (s *DB) PendingOutgoing(ctx context.Context) ([]protocol.OutboxEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owned, destination, payload, not_before, attempts, last_error, created_at
		FROM outbox
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

func scanOutbox(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]protocol.OutboxEntry, error) {
	var out []protocol.OutboxEntry
	for rows.Next() {
		var (
			e           protocol.OutboxEntry
			owned       []byte
			destination []byte
			notBefore   int64
			createdAt   int64
		)
		if err := rows.Scan(&e.ID, &owned, &destination, &e.Payload, &notBefore, &e.Attempts, &e.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		id, err := scanIdentity(owned)
		if err != nil {
			return nil, err
		}
		encoded, err := encoding.Parse(destination)
		if err != nil {
			return nil, err
		}
		dest, err := protocol.DecodeDestination(encoded)
		if err != nil {
			return nil, err
		}
		e.Owned = id
		e.Destination = dest
		e.NotBefore = fromMillis(notBefore)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompleteOutgoing removes a delivered entry
func (s *DB) CompleteOutgoing(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queued message: %w", err)
	}
	return nil
}

// FailOutgoing records a failed attempt and postpones the entry
func (s *DB) FailOutgoing(ctx context.Context, id string, cause error, retryAt time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, not_before = ?
		WHERE id = ?
	`, msg, toMillis(retryAt), id)
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	return nil
}

// OutboxStats describes the outbox
type OutboxStats struct {
	Total       int `json:"total"`
	Retrying    int `json:"retrying"`
	MaxAttempts int `json:"max_attempts"`
}

// GetOutboxStats returns statistics about queued messages
func (s *DB) GetOutboxStats(ctx context.Context) (OutboxStats, error) {
	if s.closed.Load() {
		return OutboxStats{}, ErrClosed
	}
	var stats OutboxStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN attempts > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(attempts), 0)
		FROM outbox
	`).Scan(&stats.Total, &stats.Retrying, &stats.MaxAttempts)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("failed to get outbox stats: %w", err)
	}
	return stats, nil
}
