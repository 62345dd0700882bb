package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

// LoadInstance returns the instance row, or nil when there is none
func (t *Tx) LoadInstance(key protocol.InstanceKey) (*protocol.InstanceRecord, error) {
	var (
		stateID   int
		state     []byte
		round     int
		finished  int
		updatedAt int64
	)
	err := t.queryRow(`
		SELECT state_id, state, round, finished, updated_at
		FROM protocol_instances
		WHERE owned = ? AND protocol_id = ? AND uid = ?
	`, key.Owned.Bytes(), int(key.Protocol), key.UID[:]).Scan(&stateID, &state, &round, &finished, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", key, err)
	}

	encoded, err := encoding.Parse(state)
	if err != nil {
		return nil, fmt.Errorf("corrupt state for instance %s: %w", key, err)
	}
	return &protocol.InstanceRecord{
		Key:       key,
		StateID:   protocol.StateID(stateID),
		State:     encoded,
		Round:     round,
		Finished:  intToBool(finished),
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// SaveInstance inserts or replaces the instance row
func (t *Tx) SaveInstance(rec *protocol.InstanceRecord) error {
	_, err := t.exec(`
		INSERT INTO protocol_instances (owned, protocol_id, uid, state_id, state, round, finished, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owned, protocol_id, uid) DO UPDATE SET
			state_id = excluded.state_id,
			state = excluded.state,
			round = excluded.round,
			finished = excluded.finished,
			updated_at = excluded.updated_at
	`, rec.Key.Owned.Bytes(), int(rec.Key.Protocol), rec.Key.UID[:], int(rec.StateID),
		rec.State.Bytes(), rec.Round, boolToInt(rec.Finished), toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", rec.Key, err)
	}
	return nil
}

// WasFinished reports whether the instance was finished and collected
func (t *Tx) WasFinished(key protocol.InstanceKey) (bool, error) {
	var n int
	err := t.queryRow(`
		SELECT COUNT(*) FROM finished_instances
		WHERE owned = ? AND protocol_id = ? AND uid = ?
	`, key.Owned.Bytes(), int(key.Protocol), key.UID[:]).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check finished marker: %w", err)
	}
	return n > 0, nil
}

// WasReceived reports whether a message with this digest was already consumed
func (t *Tx) WasReceived(digest []byte) (bool, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM received_messages WHERE digest = ?`, digest).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check digest: %w", err)
	}
	return n > 0, nil
}

// MarkReceived records a consumed message digest
func (t *Tx) MarkReceived(digest []byte, at time.Time) error {
	_, err := t.exec(`INSERT OR IGNORE INTO received_messages (digest, received_at) VALUES (?, ?)`, digest, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to record digest: %w", err)
	}
	return nil
}

// ListInstances returns the instances of an owned identity, most recent first
func (s *DB) ListInstances(ctx context.Context, owned identity.Identity) ([]protocol.InstanceRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT protocol_id, uid, state_id, state, round, finished, updated_at
		FROM protocol_instances
		WHERE owned = ?
		ORDER BY updated_at DESC
	`, owned.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []protocol.InstanceRecord
	for rows.Next() {
		var (
			protocolID int
			uid        []byte
			stateID    int
			state      []byte
			round      int
			finished   int
			updatedAt  int64
		)
		if err := rows.Scan(&protocolID, &uid, &stateID, &state, &round, &finished, &updatedAt); err != nil {
			return nil, err
		}
		u, err := scanUID(uid)
		if err != nil {
			return nil, err
		}
		encoded, err := encoding.Parse(state)
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.InstanceRecord{
			Key:       protocol.InstanceKey{Owned: owned, Protocol: protocol.ID(protocolID), UID: u},
			StateID:   protocol.StateID(stateID),
			State:     encoded,
			Round:     round,
			Finished:  intToBool(finished),
			UpdatedAt: fromMillis(updatedAt),
		})
	}
	return out, rows.Err()
}

// CollectGarbage replaces finished instances older than finishedRetention by
// markers and expires digests older than digestRetention. Markers are never
// removed.
func (s *DB) CollectGarbage(ctx context.Context, now time.Time, digestRetention, finishedRetention time.Duration) (protocol.GCStats, error) {
	var stats protocol.GCStats
	err := s.WithTransaction(ctx, func(ptx protocol.Tx) error {
		t := ptx.(*Tx)
		finishedBefore := toMillis(now.Add(-finishedRetention))
		digestBefore := toMillis(now.Add(-digestRetention))

		if _, err := t.exec(`
			INSERT OR REPLACE INTO finished_instances (owned, protocol_id, uid, finished_at)
			SELECT owned, protocol_id, uid, updated_at FROM protocol_instances
			WHERE finished = 1 AND updated_at < ?
		`, finishedBefore); err != nil {
			return fmt.Errorf("failed to write finished markers: %w", err)
		}
		res, err := t.exec(`DELETE FROM protocol_instances WHERE finished = 1 AND updated_at < ?`, finishedBefore)
		if err != nil {
			return fmt.Errorf("failed to delete finished instances: %w", err)
		}
		stats.FinishedInstances = affected(res)

		res, err = t.exec(`DELETE FROM received_messages WHERE received_at < ?`, digestBefore)
		if err != nil {
			return fmt.Errorf("failed to expire digests: %w", err)
		}
		stats.ExpiredDigests = affected(res)
		return nil
	})
	if err != nil {
		return protocol.GCStats{}, err
	}
	return stats, nil
}

func affected(res sql.Result) int {
	n, _ := res.RowsAffected()
	return int(n)
}
