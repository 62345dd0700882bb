package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// InstanceKey identifies a protocol instance
type InstanceKey struct {
	Owned    identity.Identity
	Protocol ID
	UID      encoding.UID
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Owned, k.Protocol, k.UID.Short())
}

// InstanceRecord is the persisted row of a protocol instance
type InstanceRecord struct {
	Key       InstanceKey
	StateID   StateID
	State     encoding.Encoded
	Round     int
	Finished  bool
	UpdatedAt time.Time
}

// OutboxEntry is a durable outgoing message
type OutboxEntry struct {
	ID          string
	Owned       identity.Identity
	Destination Destination
	Payload     []byte
	NotBefore   time.Time
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}

// GCStats reports what a garbage collection pass removed
type GCStats struct {
	FinishedInstances int `json:"finished_instances"`
	ExpiredDigests    int `json:"expired_digests"`
}

// Store persists protocol instances, consumed message digests and the outbox
type Store interface {
	// WithTransaction runs fn in one transaction, committing only if fn returns nil
	WithTransaction(ctx context.Context, fn func(Tx) error) error

	DueOutgoing(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	CompleteOutgoing(ctx context.Context, id string) error
	FailOutgoing(ctx context.Context, id string, cause error, retryAt time.Time) error

	// CollectGarbage turns finished instances into finished markers and expires old markers and digests
	CollectGarbage(ctx context.Context, now time.Time, digestRetention, finishedRetention time.Duration) (GCStats, error)
	ListInstances(ctx context.Context, owned identity.Identity) ([]InstanceRecord, error)
}

// Tx is the transactional scope handed to one step execution
type Tx interface {
	// LoadInstance returns nil and no error when the instance does not exist
	LoadInstance(key InstanceKey) (*InstanceRecord, error)
	SaveInstance(rec *InstanceRecord) error
	// WasFinished reports whether a finished marker exists for the key
	WasFinished(key InstanceKey) (bool, error)

	WasReceived(digest []byte) (bool, error)
	MarkReceived(digest []byte, at time.Time) error

	Enqueue(entry OutboxEntry) error
	CompleteOutgoing(id string) error

	Identities() identity.Manager
}
