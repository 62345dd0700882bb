package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
)

// ErrHostile marks discards caused by failed authentication or decryption
var ErrHostile = errors.New("security")

// Hostile builds a discard error for messages that failed a cryptographic check
func Hostile(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrDiscard, ErrHostile, fmt.Sprintf(format, args...))
}

// Outcome tells what happened to an inbound message
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeDiscarded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "failed"
	}
}

// Engine runs protocol steps exactly once against persisted instance state
type Engine struct {
	store Store
	keys  identity.KeyStore
	cfg   *Config
	locks *instanceLocks

	mu      sync.RWMutex
	channel Channel
	defs    map[ID]*Definition

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewEngine creates an engine. A nil config uses DefaultConfig.
func NewEngine(store Store, channel Channel, keys identity.KeyStore, cfg *Config) *Engine {
	return &Engine{
		store:    store,
		keys:     keys,
		cfg:      cfg.withDefaults(),
		locks:    newInstanceLocks(),
		channel:  channel,
		defs:     make(map[ID]*Definition),
		inflight: make(map[string]struct{}),
	}
}

// SetChannel replaces the channel outgoing messages are handed to
func (e *Engine) SetChannel(ch Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channel = ch
}

// Clock returns the engine clock
func (e *Engine) Clock() clock.Clock {
	return e.cfg.Clock
}

// PRNG returns the engine randomness service
func (e *Engine) PRNG() crypto.PRNG {
	return e.cfg.PRNG
}

// Register validates and adds protocol definitions. Nothing is registered
// if any definition is invalid.
func (e *Engine) Register(defs ...*Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	seen := make(map[ID]bool)
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
		if _, dup := e.defs[d.id]; dup || seen[d.id] {
			errs = append(errs, fmt.Errorf("%w: protocol id %d registered twice", ErrInvalidDefinition, d.id))
		}
		seen[d.id] = true
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, d := range defs {
		e.defs[d.id] = d
	}
	return nil
}

// Definitions returns the registered definitions ordered by id
func (e *Engine) Definitions() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (e *Engine) definition(id ID) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[id]
	return d, ok
}

func (e *Engine) currentChannel() Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channel
}

// ProvideInboundMessage is the entry point transports call for every
// received message. Discarded messages return a nil error; any other error
// means nothing was committed and the message may be delivered again.
func (e *Engine) ProvideInboundMessage(ctx context.Context, in Inbound) (Outcome, error) {
	outcome, ready, err := e.process(ctx, in, "")
	if err != nil {
		return outcome, err
	}
	e.handOff(ctx, ready)
	return outcome, nil
}

// PostLocal delivers msg to an instance as a local message from the owned identity
func (e *Engine) PostLocal(ctx context.Context, owned identity.Identity, target Target, msg Message) (Outcome, error) {
	def, ok := e.definition(target.Protocol)
	if !ok {
		return OutcomeFailed, fmt.Errorf("%w: %d", ErrUnknownProtocol, target.Protocol)
	}
	if _, ok := def.messages[msg.MessageID()]; !ok {
		return OutcomeFailed, fmt.Errorf("%w: %s declares no message %d", ErrInvalidDefinition, def.name, msg.MessageID())
	}

	var device encoding.UID
	err := e.store.WithTransaction(ctx, func(tx Tx) error {
		var err error
		device, err = tx.Identities().CurrentDevice(owned)
		if identity.ErrIsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to resolve current device: %w", err)
	}

	env := Envelope{
		Protocol: target.Protocol,
		UID:      target.UID,
		Message:  msg.MessageID(),
		Origin: Origin{
			Identity:  owned,
			Device:    device,
			Timestamp: e.cfg.Clock.Now(),
			Nonce:     e.cfg.PRNG.Bytes(OriginNonceSize),
		},
		Inputs: msg.Encode(),
	}
	return e.ProvideInboundMessage(ctx, Inbound{
		Owned:   owned,
		Raw:     env.Encode().Bytes(),
		Channel: ReceptionChannel{Kind: ChannelLocal, RemoteIdentity: owned, RemoteDevice: device},
	})
}

// Initiate starts a new instance of a protocol with a fresh UID
func (e *Engine) Initiate(ctx context.Context, owned identity.Identity, protocol ID, msg Message) (encoding.UID, error) {
	uid := crypto.GenerateUID(e.cfg.PRNG)
	outcome, err := e.PostLocal(ctx, owned, Target{Protocol: protocol, UID: uid}, msg)
	if err != nil {
		return uid, err
	}
	if outcome != OutcomeCommitted {
		return uid, fmt.Errorf("%w: initiation of protocol %d was not accepted", ErrDiscard, protocol)
	}
	return uid, nil
}

func (e *Engine) digest(in Inbound) []byte {
	h := blake3.New()
	var l [4]byte
	write := func(b []byte) {
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		h.Write(l[:])
		h.Write(b)
	}
	write(in.Owned.Bytes())
	write(in.Raw)
	if in.ServerResponse != nil {
		write(in.ServerResponse.Bytes())
	}
	return h.Sum(nil)
}

func (e *Engine) discarded(env *Envelope, in Inbound, err error) (Outcome, []OutboxEntry, error) {
	prefix := "⚠️  discarded"
	if errors.Is(err, ErrHostile) {
		prefix = "🚨 security: discarded"
	}
	if env == nil {
		e.cfg.Logger.Printf("%s message for %s on %s channel: %v", prefix, in.Owned, in.Channel.Kind, err)
	} else {
		name := fmt.Sprintf("protocol(%d)", env.Protocol)
		msgName := fmt.Sprintf("message(%d)", env.Message)
		if def, ok := e.definition(env.Protocol); ok {
			name, msgName = def.name, def.messageName(env.Message)
		}
		e.cfg.Logger.Printf("%s %s/%s for instance %s of %s: %v", prefix, name, msgName, env.UID.Short(), in.Owned, err)
	}
	return OutcomeDiscarded, nil, nil
}

// process runs one inbound message. outboxID is set when the message comes
// from a local outbox entry, which is then removed in the step transaction.
func (e *Engine) process(ctx context.Context, in Inbound, outboxID string) (Outcome, []OutboxEntry, error) {
	env, err := DecodeEnvelope(in.Raw)
	if err != nil {
		return e.discarded(nil, in, Discard("malformed envelope: %v", err))
	}
	if in.Owned.IsZero() {
		return e.discarded(&env, in, Discard("no owned identity"))
	}

	def, ok := e.definition(env.Protocol)
	if !ok {
		return e.discarded(&env, in, Discard("unknown protocol"))
	}
	switch in.Channel.Kind {
	case ChannelOblivious:
		if env.Origin.Identity != in.Channel.RemoteIdentity {
			return e.discarded(&env, in, Hostile("origin identity does not match the channel"))
		}
		if !in.Channel.RemoteDevice.IsZero() && env.Origin.Device != in.Channel.RemoteDevice {
			return e.discarded(&env, in, Hostile("origin device does not match the channel"))
		}
	case ChannelLocal:
		if !env.Origin.Identity.IsZero() && env.Origin.Identity != in.Owned {
			return e.discarded(&env, in, Hostile("local message from another identity"))
		}
	}

	spec, ok := def.messages[env.Message]
	if !ok {
		return e.discarded(&env, in, Discard("unknown message"))
	}
	msg, err := spec.decode(Inputs{Values: env.Inputs, ServerResponse: in.ServerResponse})
	if err != nil {
		return e.discarded(&env, in, Discard("failed to decode %s: %v", spec.name, err))
	}

	key := InstanceKey{Owned: in.Owned, Protocol: env.Protocol, UID: env.UID}
	digest := e.digest(in)

	unlock := e.locks.lock(key)
	defer unlock()

	var (
		ready     []OutboxEntry
		committed string
		outgoing  int
	)
	err = e.store.WithTransaction(ctx, func(tx Tx) error {
		ready = nil
		now := e.cfg.Clock.Now()

		seen, err := tx.WasReceived(digest)
		if err != nil {
			return err
		}
		if seen {
			return Discard("already consumed")
		}

		rec, err := tx.LoadInstance(key)
		if err != nil {
			return err
		}
		if rec == nil {
			finished, err := tx.WasFinished(key)
			if err != nil {
				return err
			}
			if finished {
				return Discard("instance already finished")
			}
			if !spec.initiation {
				return Discard("no instance and %s cannot initiate one", spec.name)
			}
			rec = &InstanceRecord{Key: key, StateID: InitialStateID, State: InitialState{}.Encode()}
		} else if rec.Finished {
			return Discard("instance finished in state %s", def.stateName(rec.StateID))
		}

		stateSpec, ok := def.states[rec.StateID]
		if !ok {
			return Discard("persisted state %d is not declared", rec.StateID)
		}
		state, err := stateSpec.decode(rec.State)
		if err != nil {
			return Discard("failed to decode persisted state %s: %v", stateSpec.name, err)
		}

		step, ok := def.step(rec.StateID, env.Message)
		if !ok {
			return Discard("no step for %s in state %s", spec.name, stateSpec.name)
		}

		sctx := &Context{
			ctx:     ctx,
			engine:  e,
			tx:      tx,
			key:     key,
			round:   rec.Round,
			origin:  env.Origin,
			channel: in.Channel,
			now:     now,
		}
		next, err := runStep(step, sctx, state, msg)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("%w: %s returned no state", ErrStepFailed, step.name)
		}
		nextSpec, ok := def.states[next.StateID()]
		if !ok {
			return fmt.Errorf("%w: %s returned undeclared state %d", ErrStepFailed, step.name, next.StateID())
		}

		if e.cfg.BeforeCommit != nil {
			if err := e.cfg.BeforeCommit(key, step.name); err != nil {
				return err
			}
		}

		rec.StateID = next.StateID()
		rec.State = next.Encode()
		rec.Round++
		rec.Finished = nextSpec.final
		rec.UpdatedAt = now
		if err := tx.SaveInstance(rec); err != nil {
			return err
		}
		if err := tx.MarkReceived(digest, now); err != nil {
			return err
		}
		for _, entry := range sctx.outbox {
			if err := tx.Enqueue(entry); err != nil {
				return err
			}
			if !entry.NotBefore.After(now) {
				ready = append(ready, entry)
			}
		}
		if outboxID != "" {
			if err := tx.CompleteOutgoing(outboxID); err != nil {
				return err
			}
		}

		committed, outgoing = step.name, len(sctx.outbox)
		if stateSpec.id != nextSpec.id || nextSpec.final {
			e.cfg.Logger.Printf("🔄 %s %s: %s -> %s (round %d, %d outgoing)",
				def.name, key, stateSpec.name, nextSpec.name, rec.Round, len(sctx.outbox))
		}
		return nil
	})

	if errors.Is(err, ErrDiscard) {
		return e.discarded(&env, in, err)
	}
	if err != nil {
		e.cfg.Logger.Printf("❌ %s/%s for %s rolled back: %v", def.name, spec.name, key, err)
		return OutcomeFailed, nil, err
	}
	if e.cfg.AfterCommit != nil {
		e.cfg.AfterCommit(key, committed, outgoing)
	}
	return OutcomeCommitted, ready, nil
}

func runStep(step *stepSpec, c *Context, s State, m Message) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrStepFailed, step.name, r)
		}
	}()
	return step.run(c, s, m)
}

// DispatchDue hands off outbox entries whose time has come
func (e *Engine) DispatchDue(ctx context.Context) (int, error) {
	entries, err := e.store.DueOutgoing(ctx, e.cfg.Clock.Now(), e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load due outbox entries: %w", err)
	}
	e.handOff(ctx, entries)
	return len(entries), nil
}

// CollectGarbage removes finished instances and expired dedup records
func (e *Engine) CollectGarbage(ctx context.Context) (GCStats, error) {
	stats, err := e.store.CollectGarbage(ctx, e.cfg.Clock.Now(), e.cfg.DigestRetention, e.cfg.FinishedRetention)
	if err != nil {
		return stats, fmt.Errorf("failed to collect garbage: %w", err)
	}
	if stats != (GCStats{}) {
		e.cfg.Logger.Printf("🧹 garbage collected %d finished instances, %d digests",
			stats.FinishedInstances, stats.ExpiredDigests)
	}
	return stats, nil
}

// Run dispatches the outbox and collects garbage until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	dispatch := e.cfg.Clock.Ticker(e.cfg.DispatchInterval)
	defer dispatch.Stop()
	gc := e.cfg.Clock.Ticker(e.cfg.GCInterval)
	defer gc.Stop()

	e.cfg.Logger.Printf("⚙️  protocol engine running with %d protocols", len(e.Definitions()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dispatch.C:
			if _, err := e.DispatchDue(ctx); err != nil {
				e.cfg.Logger.Printf("⚠️  dispatch failed: %v", err)
			}
		case <-gc.C:
			if _, err := e.CollectGarbage(ctx); err != nil {
				e.cfg.Logger.Printf("⚠️  %v", err)
			}
		}
	}
}

func (e *Engine) claim(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) handOff(ctx context.Context, entries []OutboxEntry) {
	queue := entries
	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]
		if !e.claim(entry.ID) {
			continue
		}
		queue = append(queue, e.deliver(ctx, entry)...)
		e.release(entry.ID)
	}
}

func (e *Engine) deliver(ctx context.Context, entry OutboxEntry) []OutboxEntry {
	if entry.Destination.Kind == DestLocal {
		outcome, ready, err := e.process(ctx, Inbound{
			Owned:   entry.Owned,
			Raw:     entry.Payload,
			Channel: ReceptionChannel{Kind: ChannelLocal, RemoteIdentity: entry.Owned},
		}, entry.ID)
		if err != nil {
			e.retryLater(ctx, entry, err)
			return nil
		}
		if outcome == OutcomeDiscarded {
			if err := e.store.CompleteOutgoing(ctx, entry.ID); err != nil {
				e.cfg.Logger.Printf("⚠️  failed to remove outbox entry %s: %v", entry.ID, err)
			}
		}
		return ready
	}

	ch := e.currentChannel()
	if ch == nil {
		e.retryLater(ctx, entry, errors.New("no channel configured"))
		return nil
	}
	err := ch.DeliverOutgoingMessage(ctx, OutgoingMessage{
		ID:          entry.ID,
		Owned:       entry.Owned,
		Destination: entry.Destination,
		Payload:     entry.Payload,
		CreatedAt:   entry.CreatedAt,
	})
	if err != nil {
		e.retryLater(ctx, entry, err)
		return nil
	}
	if err := e.store.CompleteOutgoing(ctx, entry.ID); err != nil {
		e.cfg.Logger.Printf("⚠️  failed to remove outbox entry %s: %v", entry.ID, err)
	}
	return nil
}

func (e *Engine) retryLater(ctx context.Context, entry OutboxEntry, cause error) {
	retryAt := e.cfg.Clock.Now().Add(e.cfg.backoff(entry.Attempts + 1))
	e.cfg.Logger.Printf("⚠️  hand-off of %s to %s failed (attempt %d): %v",
		entry.ID, entry.Destination.Kind, entry.Attempts+1, cause)
	if err := e.store.FailOutgoing(ctx, entry.ID, cause, retryAt); err != nil {
		e.cfg.Logger.Printf("⚠️  failed to record hand-off failure for %s: %v", entry.ID, err)
	}
}

// InstanceInfo is a readable view of an instance record
type InstanceInfo struct {
	Protocol     ID           `json:"protocol"`
	ProtocolName string       `json:"protocol_name"`
	UID          encoding.UID `json:"uid"`
	State        string       `json:"state"`
	StateID      StateID      `json:"state_id"`
	Round        int          `json:"round"`
	Finished     bool         `json:"finished"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Instances lists the instances of an owned identity
func (e *Engine) Instances(ctx context.Context, owned identity.Identity) ([]InstanceInfo, error) {
	recs, err := e.store.ListInstances(ctx, owned)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceInfo, 0, len(recs))
	for _, r := range recs {
		info := InstanceInfo{
			Protocol:  r.Key.Protocol,
			UID:       r.Key.UID,
			StateID:   r.StateID,
			State:     fmt.Sprintf("state(%d)", r.StateID),
			Round:     r.Round,
			Finished:  r.Finished,
			UpdatedAt: r.UpdatedAt,
		}
		if def, ok := e.definition(r.Key.Protocol); ok {
			info.ProtocolName = def.name
			info.State = def.stateName(r.StateID)
		}
		out = append(out, info)
	}
	return out, nil
}

// Instance returns the decoded current state of one instance, or nil if it does not exist
func (e *Engine) Instance(ctx context.Context, key InstanceKey) (State, *InstanceRecord, error) {
	def, ok := e.definition(key.Protocol)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownProtocol, key.Protocol)
	}
	var rec *InstanceRecord
	err := e.store.WithTransaction(ctx, func(tx Tx) error {
		var err error
		rec, err = tx.LoadInstance(key)
		return err
	})
	if err != nil || rec == nil {
		return nil, nil, err
	}
	spec, ok := def.states[rec.StateID]
	if !ok {
		return nil, rec, fmt.Errorf("%w: persisted state %d", ErrInvalidDefinition, rec.StateID)
	}
	state, err := spec.decode(rec.State)
	return state, rec, err
}
