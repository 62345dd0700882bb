// Package storage persists protocol instances, the durable outbox and the
// identity records of the engine in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by every DB method after Close
var ErrClosed = errors.New("storage closed")

// DB is the SQLite implementation of protocol.Store
type DB struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open opens (or creates) the database at path
func Open(path string) (*DB, error) {
	// immediate transactions take the write lock up front, so concurrent
	// steps queue on busy_timeout instead of failing on lock upgrade
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates database tables
func (s *DB) initSchema() error {
	schema := `
	-- One row per live protocol instance
	CREATE TABLE IF NOT EXISTS protocol_instances (
		owned BLOB NOT NULL,
		protocol_id INTEGER NOT NULL,
		uid BLOB NOT NULL,
		state_id INTEGER NOT NULL,
		state BLOB NOT NULL,
		round INTEGER NOT NULL,
		finished INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owned, protocol_id, uid)
	);

	-- Instances removed by garbage collection; messages for them are discarded
	CREATE TABLE IF NOT EXISTS finished_instances (
		owned BLOB NOT NULL,
		protocol_id INTEGER NOT NULL,
		uid BLOB NOT NULL,
		finished_at INTEGER NOT NULL,
		PRIMARY KEY (owned, protocol_id, uid)
	);

	-- Digests of messages consumed by a committed step
	CREATE TABLE IF NOT EXISTS received_messages (
		digest BLOB PRIMARY KEY,
		received_at INTEGER NOT NULL
	);

	-- Durable outgoing messages
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		owned BLOB NOT NULL,
		destination BLOB NOT NULL,
		payload BLOB NOT NULL,
		not_before INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS owned_identities (
		identity BLOB PRIMARY KEY,
		details BLOB NOT NULL,
		details_version INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		keycloak BLOB,
		backup_key BLOB,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS owned_devices (
		owned BLOB NOT NULL REFERENCES owned_identities(identity) ON DELETE CASCADE,
		uid BLOB NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_current INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owned, uid)
	);

	CREATE TABLE IF NOT EXISTS contacts (
		owned BLOB NOT NULL REFERENCES owned_identities(identity) ON DELETE CASCADE,
		identity BLOB NOT NULL,
		details BLOB NOT NULL,
		published_version INTEGER NOT NULL DEFAULT 0,
		nickname TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owned, identity)
	);

	CREATE TABLE IF NOT EXISTS contact_trust_origins (
		owned BLOB NOT NULL,
		contact BLOB NOT NULL,
		kind INTEGER NOT NULL,
		mediator BLOB,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (owned, contact) REFERENCES contacts(owned, identity) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS contact_devices (
		owned BLOB NOT NULL,
		contact BLOB NOT NULL,
		uid BLOB NOT NULL,
		PRIMARY KEY (owned, contact, uid),
		FOREIGN KEY (owned, contact) REFERENCES contacts(owned, identity) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS channels (
		owned BLOB NOT NULL REFERENCES owned_identities(identity) ON DELETE CASCADE,
		remote_device BLOB NOT NULL,
		remote_identity BLOB NOT NULL,
		seed BLOB NOT NULL,
		confirmed_at INTEGER NOT NULL,
		PRIMARY KEY (owned, remote_device)
	);

	CREATE TABLE IF NOT EXISTS groups (
		owned BLOB NOT NULL REFERENCES owned_identities(identity) ON DELETE CASCADE,
		owner BLOB NOT NULL,
		uid BLOB NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		members BLOB NOT NULL,
		pending BLOB NOT NULL,
		PRIMARY KEY (owned, owner, uid)
	);

	CREATE TABLE IF NOT EXISTS owned_settings (
		owned BLOB NOT NULL REFERENCES owned_identities(identity) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (owned, key)
	);

	-- Indexes for dispatch and garbage collection
	CREATE INDEX IF NOT EXISTS idx_outbox_not_before ON outbox(not_before);
	CREATE INDEX IF NOT EXISTS idx_instances_finished ON protocol_instances(finished, updated_at);
	CREATE INDEX IF NOT EXISTS idx_finished_at ON finished_instances(finished_at);
	CREATE INDEX IF NOT EXISTS idx_received_at ON received_messages(received_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection. Closing twice is a no-op.
func (s *DB) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Tx is one SQLite transaction. It implements protocol.Tx and identity.Manager.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// WithTransaction runs fn in one transaction, rolling back on error or panic
func (s *DB) WithTransaction(ctx context.Context, fn func(protocol.Tx) error) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View runs fn with the identity records in a transaction
func (s *DB) View(ctx context.Context, fn func(identity.Manager) error) error {
	return s.WithTransaction(ctx, func(tx protocol.Tx) error {
		return fn(tx.Identities())
	})
}

// Identities returns the transaction as an identity manager
func (t *Tx) Identities() identity.Manager {
	return t
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}
