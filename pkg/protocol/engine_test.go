package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/storage"
	porc "github.com/anishathalye/porcupine"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toyProtocol protocol.ID = 99

// ===== TOY PROTOCOL =====

type countingState struct{ remaining int64 }

func (countingState) StateID() protocol.StateID { return 1 }
func (s countingState) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfInt(s.remaining))
}

type waitingState struct{}

func (waitingState) StateID() protocol.StateID { return 2 }
func (waitingState) Encode() encoding.Encoded  { return encoding.OfList() }

type doneState struct{ result string }

func (doneState) StateID() protocol.StateID { return 3 }
func (s doneState) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfString(s.result))
}

type summingState struct{ total int64 }

func (summingState) StateID() protocol.StateID { return 4 }
func (s summingState) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfInt(s.total))
}

type startCount struct{ n int64 }

func (startCount) MessageID() protocol.MessageID { return 0 }
func (m startCount) Encode() []encoding.Encoded  { return []encoding.Encoded{encoding.OfInt(m.n)} }

type tick struct{}

func (tick) MessageID() protocol.MessageID { return 1 }
func (tick) Encode() []encoding.Encoded    { return nil }

type ask struct{}

func (ask) MessageID() protocol.MessageID { return 2 }
func (ask) Encode() []encoding.Encoded    { return nil }

type answer struct{ value string }

func (answer) MessageID() protocol.MessageID { return 3 }
func (answer) Encode() []encoding.Encoded    { return nil }

type timeout struct{}

func (timeout) MessageID() protocol.MessageID { return 4 }
func (timeout) Encode() []encoding.Encoded    { return nil }

type explode struct{}

func (explode) MessageID() protocol.MessageID { return 5 }
func (explode) Encode() []encoding.Encoded    { return nil }

type fail struct{}

func (fail) MessageID() protocol.MessageID { return 6 }
func (fail) Encode() []encoding.Encoded    { return nil }

type reject struct{}

func (reject) MessageID() protocol.MessageID { return 7 }
func (reject) Encode() []encoding.Encoded    { return nil }

type add struct{ value int64 }

func (add) MessageID() protocol.MessageID { return 8 }
func (m add) Encode() []encoding.Encoded  { return []encoding.Encoded{encoding.OfInt(m.value)} }

func singleInt(e encoding.Encoded) (int64, error) {
	items, err := e.DecodeListN(1)
	if err != nil {
		return 0, err
	}
	return items[0].DecodeInt()
}

func intInput(in protocol.Inputs) (int64, error) {
	if err := in.Expect(1); err != nil {
		return 0, err
	}
	return in.Values[0].DecodeInt()
}

func toyDefinition() *protocol.Definition {
	d := protocol.NewDefinition(toyProtocol, "toy")

	counting := protocol.DeclareState(d, 1, "counting", func(e encoding.Encoded) (countingState, error) {
		n, err := singleInt(e)
		return countingState{remaining: n}, err
	})
	waiting := protocol.DeclareState(d, 2, "waiting", protocol.NoPayload(waitingState{}))
	protocol.DeclareFinalState(d, 3, "done", func(e encoding.Encoded) (doneState, error) {
		items, err := e.DecodeListN(1)
		if err != nil {
			return doneState{}, err
		}
		s, err := items[0].DecodeString()
		return doneState{result: s}, err
	})
	summing := protocol.DeclareState(d, 4, "summing", func(e encoding.Encoded) (summingState, error) {
		n, err := singleInt(e)
		return summingState{total: n}, err
	})

	startMsg := protocol.DeclareMessage(d, 0, "start", func(in protocol.Inputs) (startCount, error) {
		n, err := intInput(in)
		return startCount{n: n}, err
	}, protocol.Initiation())
	tickMsg := protocol.DeclareMessage(d, 1, "tick", protocol.NoInputs(tick{}))
	askMsg := protocol.DeclareMessage(d, 2, "ask", protocol.NoInputs(ask{}), protocol.Initiation())
	answerMsg := protocol.DeclareMessage(d, 3, "answer", func(in protocol.Inputs) (answer, error) {
		r, err := in.Response()
		if err != nil {
			return answer{}, err
		}
		s, err := r.DecodeString()
		return answer{value: s}, err
	})
	timeoutMsg := protocol.DeclareMessage(d, 4, "timeout", protocol.NoInputs(timeout{}))
	explodeMsg := protocol.DeclareMessage(d, 5, "explode", protocol.NoInputs(explode{}))
	failMsg := protocol.DeclareMessage(d, 6, "fail", protocol.NoInputs(fail{}))
	rejectMsg := protocol.DeclareMessage(d, 7, "reject", protocol.NoInputs(reject{}))
	addMsg := protocol.DeclareMessage(d, 8, "add", func(in protocol.Inputs) (add, error) {
		n, err := intInput(in)
		return add{value: n}, err
	}, protocol.Initiation())

	protocol.AddStep(d, "start counting", d.Initial(), startMsg, func(c *protocol.Context, _ protocol.InitialState, m startCount) (protocol.State, error) {
		if m.n <= 0 {
			return nil, protocol.Discard("nothing to count")
		}
		c.Notify("count_started", encoding.OfInt(m.n))
		return countingState{remaining: m.n}, c.Send(protocol.ToLocal(), tick{})
	})
	protocol.AddStep(d, "count", counting, tickMsg, func(c *protocol.Context, s countingState, _ tick) (protocol.State, error) {
		if s.remaining <= 1 {
			return doneState{result: "counted"}, nil
		}
		return countingState{remaining: s.remaining - 1}, c.Send(protocol.ToLocal(), tick{})
	})
	protocol.AddStep(d, "ask server", d.Initial(), askMsg, func(c *protocol.Context, _ protocol.InitialState, _ ask) (protocol.State, error) {
		if err := c.Send(protocol.ToServer(protocol.QueryGetUserData, encoding.OfString("label")), answer{}); err != nil {
			return nil, err
		}
		return waitingState{}, c.Schedule(time.Hour, timeout{})
	})
	protocol.AddStep(d, "receive answer", waiting, answerMsg, func(_ *protocol.Context, _ waitingState, m answer) (protocol.State, error) {
		return doneState{result: m.value}, nil
	})
	protocol.AddStep(d, "time out", waiting, timeoutMsg, func(c *protocol.Context, _ waitingState, _ timeout) (protocol.State, error) {
		c.Notify("timed_out")
		return doneState{result: "timeout"}, nil
	})
	protocol.AddStep(d, "explode", waiting, explodeMsg, func(*protocol.Context, waitingState, explode) (protocol.State, error) {
		panic("boom")
	})
	protocol.AddStep(d, "fail", waiting, failMsg, func(c *protocol.Context, _ waitingState, _ fail) (protocol.State, error) {
		c.Notify("never_sent")
		return nil, errors.New("disk on fire")
	})
	protocol.AddStep(d, "reject", waiting, rejectMsg, func(*protocol.Context, waitingState, reject) (protocol.State, error) {
		return nil, protocol.Discard("not today")
	})
	protocol.AddStep(d, "first add", d.Initial(), addMsg, func(_ *protocol.Context, _ protocol.InitialState, m add) (protocol.State, error) {
		return summingState{total: m.value}, nil
	})
	protocol.AddStep(d, "add", summing, addMsg, func(_ *protocol.Context, s summingState, m add) (protocol.State, error) {
		return summingState{total: s.total + m.value}, nil
	})
	return d
}

// ===== HARNESS =====

type recorder struct {
	mu      sync.Mutex
	fail    bool
	handled []protocol.OutgoingMessage
}

func (r *recorder) DeliverOutgoingMessage(_ context.Context, msg protocol.OutgoingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("network unreachable")
	}
	r.handled = append(r.handled, msg)
	return nil
}

func (r *recorder) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *recorder) byKind(kind protocol.DestinationKind) []protocol.OutgoingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.OutgoingMessage
	for _, m := range r.handled {
		if m.Destination.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	db      *storage.DB
	engine  *protocol.Engine
	clock   *clock.Mock
	channel *recorder
	prng    crypto.PRNG
	owned   identity.Identity
	device  encoding.UID
}

func newHarness(t *testing.T, tweak func(*protocol.Config)) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	prng := crypto.NewSeededPRNG([]byte(t.Name()))
	cfg := protocol.DefaultConfig()
	cfg.Clock = mock
	cfg.PRNG = prng
	if tweak != nil {
		tweak(cfg)
	}

	owned, keys, err := identity.Generate("https://server.zentalk.test", crypto.SignatureEd25519, prng)
	require.NoError(t, err)
	keyStore := identity.NewMemoryKeyStore()
	require.NoError(t, keyStore.StorePrivateKeys(owned, keys))
	device := crypto.GenerateUID(prng)
	require.NoError(t, db.View(context.Background(), func(m identity.Manager) error {
		return m.AddOwnedIdentity(&identity.OwnedIdentity{Identity: owned, Details: identity.Details{FirstName: "Alice"}, Active: true}, device)
	}))

	ch := &recorder{}
	engine := protocol.NewEngine(db, ch, keyStore, cfg)
	require.NoError(t, engine.Register(toyDefinition()))
	return &harness{t: t, db: db, engine: engine, clock: mock, channel: ch, prng: prng, owned: owned, device: device}
}

// raw builds a local envelope for the instance uid
func (h *harness) raw(uid encoding.UID, msg protocol.Message) []byte {
	env := protocol.Envelope{
		Protocol: toyProtocol,
		UID:      uid,
		Message:  msg.MessageID(),
		Origin: protocol.Origin{
			Identity:  h.owned,
			Device:    h.device,
			Timestamp: h.clock.Now(),
			Nonce:     h.prng.Bytes(protocol.OriginNonceSize),
		},
		Inputs: msg.Encode(),
	}
	return env.Encode().Bytes()
}

func (h *harness) local(raw []byte) protocol.Inbound {
	return protocol.Inbound{
		Owned:   h.owned,
		Raw:     raw,
		Channel: protocol.ReceptionChannel{Kind: protocol.ChannelLocal, RemoteIdentity: h.owned, RemoteDevice: h.device},
	}
}

func (h *harness) post(uid encoding.UID, msg protocol.Message) protocol.Outcome {
	h.t.Helper()
	outcome, err := h.engine.PostLocal(context.Background(), h.owned, protocol.Target{Protocol: toyProtocol, UID: uid}, msg)
	require.NoError(h.t, err)
	return outcome
}

func (h *harness) instance(uid encoding.UID) (protocol.State, *protocol.InstanceRecord) {
	h.t.Helper()
	st, rec, err := h.engine.Instance(context.Background(), protocol.InstanceKey{Owned: h.owned, Protocol: toyProtocol, UID: uid})
	require.NoError(h.t, err)
	return st, rec
}

func (h *harness) pending() []protocol.OutboxEntry {
	h.t.Helper()
	entries, err := h.db.PendingOutgoing(context.Background())
	require.NoError(h.t, err)
	return entries
}

// ===== TESTS =====

func TestLocalChainRunsToCompletion(t *testing.T) {
	h := newHarness(t, nil)

	uid, err := h.engine.Initiate(context.Background(), h.owned, toyProtocol, startCount{n: 3})
	require.NoError(t, err)

	st, rec := h.instance(uid)
	require.NotNil(t, rec)
	assert.Equal(t, doneState{result: "counted"}, st)
	assert.True(t, rec.Finished)
	assert.Equal(t, 4, rec.Round, "one start and three ticks")
	assert.Empty(t, h.pending())

	notes := h.channel.byKind(protocol.DestApp)
	require.Len(t, notes, 1)
	assert.Equal(t, "count_started", notes[0].Destination.Notification)

	infos, err := h.engine.Instances(context.Background(), h.owned)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "toy", infos[0].ProtocolName)
	assert.Equal(t, "done", infos[0].State)
}

func TestInitiationDiscardIsReported(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Initiate(context.Background(), h.owned, toyProtocol, startCount{n: 0})
	assert.ErrorIs(t, err, protocol.ErrDiscard)

	_, err = h.engine.Initiate(context.Background(), h.owned, 12345, startCount{n: 1})
	assert.ErrorIs(t, err, protocol.ErrUnknownProtocol)
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	uid := crypto.GenerateUID(h.prng)
	raw := h.raw(uid, ask{})

	outcome, err := h.engine.ProvideInboundMessage(context.Background(), h.local(raw))
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeCommitted, outcome)

	for i := 0; i < 3; i++ {
		outcome, err = h.engine.ProvideInboundMessage(context.Background(), h.local(raw))
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeDiscarded, outcome)
	}

	st, rec := h.instance(uid)
	assert.Equal(t, waitingState{}, st)
	assert.Equal(t, 1, rec.Round)
	assert.Len(t, h.channel.byKind(protocol.DestServer), 1)
	assert.Len(t, h.pending(), 1, "only the scheduled timeout remains")
}

func TestBeforeCommitFailureRollsBack(t *testing.T) {
	var crash atomic.Bool
	crash.Store(true)
	h := newHarness(t, func(cfg *protocol.Config) {
		cfg.BeforeCommit = func(protocol.InstanceKey, string) error {
			if crash.Load() {
				return errors.New("power loss")
			}
			return nil
		}
	})
	uid := crypto.GenerateUID(h.prng)
	raw := h.raw(uid, ask{})

	outcome, err := h.engine.ProvideInboundMessage(context.Background(), h.local(raw))
	require.Error(t, err)
	assert.Equal(t, protocol.OutcomeFailed, outcome)

	_, rec := h.instance(uid)
	assert.Nil(t, rec, "no state written")
	assert.Empty(t, h.pending(), "no outbox entry written")
	assert.Empty(t, h.channel.byKind(protocol.DestServer), "nothing handed off")

	crash.Store(false)
	outcome, err = h.engine.ProvideInboundMessage(context.Background(), h.local(raw))
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeCommitted, outcome)
	assert.Len(t, h.channel.byKind(protocol.DestServer), 1)
}

func TestFailingStepsLeaveStateUntouched(t *testing.T) {
	h := newHarness(t, nil)
	uid := crypto.GenerateUID(h.prng)
	require.Equal(t, protocol.OutcomeCommitted, h.post(uid, ask{}))

	outcome, err := h.engine.PostLocal(context.Background(), h.owned, protocol.Target{Protocol: toyProtocol, UID: uid}, explode{})
	assert.ErrorIs(t, err, protocol.ErrStepFailed)
	assert.Equal(t, protocol.OutcomeFailed, outcome)

	outcome, err = h.engine.PostLocal(context.Background(), h.owned, protocol.Target{Protocol: toyProtocol, UID: uid}, fail{})
	assert.Error(t, err)
	assert.Equal(t, protocol.OutcomeFailed, outcome)

	assert.Equal(t, protocol.OutcomeDiscarded, h.post(uid, reject{}))
	assert.Equal(t, protocol.OutcomeDiscarded, h.post(uid, tick{}), "no step for tick in waiting")

	st, rec := h.instance(uid)
	assert.Equal(t, waitingState{}, st)
	assert.Equal(t, 1, rec.Round)
	assert.Empty(t, h.channel.byKind(protocol.DestApp), "notification of the failed step was rolled back")
}

func TestMessageWithoutInstanceIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	uid := crypto.GenerateUID(h.prng)

	assert.Equal(t, protocol.OutcomeDiscarded, h.post(uid, tick{}))
	_, rec := h.instance(uid)
	assert.Nil(t, rec)

	outcome, err := h.engine.ProvideInboundMessage(context.Background(), h.local([]byte{0xff, 0x00}))
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
}

func TestHostileOriginIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	mallory, _, err := identity.Generate("https://server.zentalk.test", crypto.SignatureEd25519, h.prng)
	require.NoError(t, err)
	uid := crypto.GenerateUID(h.prng)

	// envelope claims to come from the owned identity but the channel says mallory
	in := protocol.Inbound{
		Owned:   h.owned,
		Raw:     h.raw(uid, ask{}),
		Channel: protocol.ReceptionChannel{Kind: protocol.ChannelOblivious, RemoteIdentity: mallory, RemoteDevice: crypto.GenerateUID(h.prng)},
	}
	outcome, err := h.engine.ProvideInboundMessage(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
	_, rec := h.instance(uid)
	assert.Nil(t, rec)
}

func TestServerResponseCompletesInstance(t *testing.T) {
	h := newHarness(t, nil)
	uid := crypto.GenerateUID(h.prng)
	require.Equal(t, protocol.OutcomeCommitted, h.post(uid, ask{}))

	queries := h.channel.byKind(protocol.DestServer)
	require.Len(t, queries, 1)
	assert.Equal(t, protocol.QueryGetUserData, queries[0].Destination.Query.Type)

	response := encoding.OfString("42")
	outcome, err := h.engine.ProvideInboundMessage(context.Background(), protocol.Inbound{
		Owned:          h.owned,
		Raw:            queries[0].Payload,
		Channel:        protocol.ReceptionChannel{Kind: protocol.ChannelServerQuery},
		ServerResponse: &response,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeCommitted, outcome)

	st, _ := h.instance(uid)
	assert.Equal(t, doneState{result: "42"}, st)
}

func TestScheduledTimeout(t *testing.T) {
	h := newHarness(t, nil)
	uid := crypto.GenerateUID(h.prng)
	require.Equal(t, protocol.OutcomeCommitted, h.post(uid, ask{}))

	n, err := h.engine.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "timer not due yet")

	h.clock.Add(61 * time.Minute)
	n, err = h.engine.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, rec := h.instance(uid)
	assert.Equal(t, doneState{result: "timeout"}, st)
	assert.True(t, rec.Finished)
	assert.Empty(t, h.pending())
	assert.Len(t, h.channel.byKind(protocol.DestApp), 1)

	// a late response finds the instance finished
	response := encoding.OfString("late")
	queries := h.channel.byKind(protocol.DestServer)
	outcome, err := h.engine.ProvideInboundMessage(context.Background(), protocol.Inbound{
		Owned:          h.owned,
		Raw:            queries[0].Payload,
		Channel:        protocol.ReceptionChannel{Kind: protocol.ChannelServerQuery},
		ServerResponse: &response,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
}

func TestRunFiresTimers(t *testing.T) {
	h := newHarness(t, func(cfg *protocol.Config) { cfg.DispatchInterval = time.Minute })
	uid := crypto.GenerateUID(h.prng)
	require.Equal(t, protocol.OutcomeCommitted, h.post(uid, ask{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.clock.Add(10 * time.Minute)
		st, _ := h.instance(uid)
		return st == protocol.State(doneState{result: "timeout"})
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestChannelFailureIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.channel.setFail(true)
	uid := crypto.GenerateUID(h.prng)
	require.Equal(t, protocol.OutcomeCommitted, h.post(uid, ask{}))

	entries := h.pending()
	require.Len(t, entries, 2)
	var server protocol.OutboxEntry
	for _, e := range entries {
		if e.Destination.Kind == protocol.DestServer {
			server = e
		}
	}
	assert.Equal(t, 1, server.Attempts)
	assert.Contains(t, server.LastError, "unreachable")

	n, err := h.engine.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "backing off")

	h.channel.setFail(false)
	h.clock.Add(6 * time.Second)
	n, err = h.engine.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.channel.byKind(protocol.DestServer), 1)
	assert.Len(t, h.pending(), 1, "only the timer is left")
}

func TestGarbageCollectionKeepsFinishedMarker(t *testing.T) {
	h := newHarness(t, nil)
	uid, err := h.engine.Initiate(context.Background(), h.owned, toyProtocol, startCount{n: 1})
	require.NoError(t, err)

	h.clock.Add(31 * 24 * time.Hour)
	stats, err := h.engine.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FinishedInstances)

	_, rec := h.instance(uid)
	assert.Nil(t, rec)
	assert.Equal(t, protocol.OutcomeDiscarded, h.post(uid, startCount{n: 5}), "finished instances are never recreated")

	// well past both retention periods
	h.clock.Add(61 * 24 * time.Hour)
	_, err = h.engine.CollectGarbage(context.Background())
	require.NoError(t, err)
	h.clock.Add(365 * 24 * time.Hour)
	_, err = h.engine.CollectGarbage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, protocol.OutcomeDiscarded, h.post(uid, startCount{n: 5}))
	_, rec = h.instance(uid)
	assert.Nil(t, rec, "instance stays finished")
}

type addInput struct {
	msg int
}

type addOutput struct {
	outcome protocol.Outcome
}

// deliveryModel: the state is the bitmask of consumed messages. A message
// commits exactly when it was not consumed before.
var deliveryModel = porc.Model{
	Init: func() interface{} { return uint64(0) },
	Step: func(state, input, output interface{}) (bool, interface{}) {
		seen := state.(uint64)
		bit := uint64(1) << input.(addInput).msg
		switch output.(addOutput).outcome {
		case protocol.OutcomeCommitted:
			return seen&bit == 0, seen | bit
		case protocol.OutcomeDiscarded:
			return seen&bit != 0, seen
		}
		return false, seen
	},
	DescribeOperation: func(input, output interface{}) string {
		return fmt.Sprintf("deliver(%d) -> %s", input.(addInput).msg, output.(addOutput).outcome)
	},
}

func TestConcurrentDeliveriesAreLinearizable(t *testing.T) {
	h := newHarness(t, nil)
	uid := crypto.GenerateUID(h.prng)

	const messages = 12
	raws := make([][]byte, messages)
	var want int64
	for i := range raws {
		raws[i] = h.raw(uid, add{value: int64(i + 1)})
		want += int64(i + 1)
	}

	var (
		mu  sync.Mutex
		ops []porc.Operation
		wg  sync.WaitGroup
	)
	start := time.Now()
	for client := 0; client < 4; client++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				msg := (i + client*3) % messages
				call := time.Since(start).Nanoseconds()
				outcome, err := h.engine.ProvideInboundMessage(context.Background(), h.local(raws[msg]))
				ret := time.Since(start).Nanoseconds()
				if err != nil {
					t.Errorf("delivery failed: %v", err)
					return
				}
				mu.Lock()
				ops = append(ops, porc.Operation{ClientId: client, Input: addInput{msg: msg}, Call: call, Output: addOutput{outcome: outcome}, Return: ret})
				mu.Unlock()
			}
		}(client)
	}
	wg.Wait()

	assert.True(t, porc.CheckOperations(deliveryModel, ops), "deliveries are not linearizable")

	st, rec := h.instance(uid)
	assert.Equal(t, summingState{total: want}, st)
	assert.Equal(t, messages, rec.Round, "every message consumed exactly once")
}

func TestDistinctInstancesRunConcurrently(t *testing.T) {
	h := newHarness(t, nil)

	uids := make([]encoding.UID, 8)
	for i := range uids {
		uids[i] = crypto.GenerateUID(h.prng)
	}
	var wg sync.WaitGroup
	for _, uid := range uids {
		raw := h.raw(uid, startCount{n: 5})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ProvideInboundMessage(context.Background(), h.local(raw))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, uid := range uids {
		st, rec := h.instance(uid)
		require.NotNil(t, rec)
		assert.Equal(t, doneState{result: "counted"}, st)
		assert.Equal(t, 6, rec.Round)
	}
}
