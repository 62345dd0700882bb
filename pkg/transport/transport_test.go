package transport

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	tr     *Transport
	db     *storage.DB
	id     identity.Identity
	device encoding.UID
	inbox  chan protocol.Inbound
	fail   error
}

func newTestNode(t *testing.T, name string, server Server) *testNode {
	t.Helper()
	prng := crypto.SystemPRNG()
	db, err := storage.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	id, keys, err := identity.Generate("https://server.test", crypto.SignatureEd25519, prng)
	require.NoError(t, err)
	device := crypto.GenerateUID(prng)
	require.NoError(t, db.View(context.Background(), func(m identity.Manager) error {
		o := &identity.OwnedIdentity{Identity: id, Details: identity.Details{FirstName: name}, Active: true, CreatedAt: time.Now()}
		return m.AddOwnedIdentity(o, device)
	}))
	ks := identity.NewMemoryKeyStore()
	require.NoError(t, ks.StorePrivateKeys(id, keys))

	cfg := DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.EnableNAT = false
	cfg.DialTimeout = 2 * time.Second
	tr, err := New(context.Background(), cfg, db, ks, server)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	n := &testNode{tr: tr, db: db, id: id, device: device, inbox: make(chan protocol.Inbound, 16)}
	tr.SetReceiver(ReceiverFunc(func(ctx context.Context, in protocol.Inbound) (protocol.Outcome, error) {
		if n.fail != nil {
			return protocol.OutcomeFailed, n.fail
		}
		n.inbox <- in
		return protocol.OutcomeCommitted, nil
	}))
	return n
}

// link makes a able to reach b's device
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.tr.Connect(context.Background(), b.tr.Addrs()[0]))
	a.tr.Directory().Learn(b.id, b.device, b.tr.ID())
}

func channel(t *testing.T, a, b *testNode, seed []byte) {
	t.Helper()
	require.NoError(t, a.db.View(context.Background(), func(m identity.Manager) error {
		return m.ConfirmChannel(&identity.ObliviousChannel{Owned: a.id, RemoteIdentity: b.id, RemoteDevice: b.device, Seed: seed, ConfirmedAt: time.Now()})
	}))
}

func (n *testNode) next(t *testing.T) protocol.Inbound {
	t.Helper()
	select {
	case in := <-n.inbox:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
		return protocol.Inbound{}
	}
}

func TestAsymmetricFrame(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	bob := newTestNode(t, "bob", nil)
	link(t, alice, bob)

	err := alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "1",
		Owned:       alice.id,
		Destination: protocol.ToAsymmetric(bob.id, bob.device),
		Payload:     []byte("ping envelope"),
	})
	require.NoError(t, err)

	in := bob.next(t)
	assert.Equal(t, bob.id, in.Owned)
	assert.Equal(t, []byte("ping envelope"), in.Raw)
	assert.Equal(t, protocol.ChannelAsymmetric, in.Channel.Kind)
	assert.True(t, in.Channel.RemoteIdentity.IsZero(), "asymmetric senders are not authenticated")
	t.Logf("✅ asymmetric frame delivered to %s", bob.tr.ID())
}

func TestObliviousFrame(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	bob := newTestNode(t, "bob", nil)
	link(t, alice, bob)
	seed := crypto.SystemPRNG().Bytes(32)
	channel(t, alice, bob, seed)
	channel(t, bob, alice, seed)

	err := alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "1",
		Owned:       alice.id,
		Destination: protocol.ToContactDevices(bob.id, bob.device),
		Payload:     []byte("hello"),
	})
	require.NoError(t, err)

	in := bob.next(t)
	assert.Equal(t, []byte("hello"), in.Raw)
	assert.Equal(t, protocol.ReceptionChannel{Kind: protocol.ChannelOblivious, RemoteIdentity: alice.id, RemoteDevice: alice.device}, in.Channel)

	p, ok := bob.tr.Directory().Peer(alice.device)
	require.True(t, ok, "receiver learns the sender's peer")
	assert.Equal(t, alice.tr.ID(), p)
}

func TestUnopenableFramesAreDropped(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	bob := newTestNode(t, "bob", nil)
	link(t, alice, bob)
	channel(t, alice, bob, crypto.SystemPRNG().Bytes(32))
	channel(t, bob, alice, crypto.SystemPRNG().Bytes(32))

	err := alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "1",
		Owned:       alice.id,
		Destination: protocol.ToContactDevices(bob.id, bob.device),
		Payload:     []byte("hello"),
	})
	require.NoError(t, err, "frames that never open are acked")
	assert.Empty(t, bob.inbox)

	// no channel at all: nothing is sent
	carol := newTestNode(t, "carol", nil)
	link(t, alice, carol)
	err = alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "2",
		Owned:       alice.id,
		Destination: protocol.ToContactDevices(carol.id, carol.device),
		Payload:     []byte("hello"),
	})
	require.NoError(t, err)
	assert.Empty(t, carol.inbox)
}

func TestFailedReceiverAsksForRetry(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	bob := newTestNode(t, "bob", nil)
	link(t, alice, bob)
	bob.fail = errors.New("database is locked")

	msg := protocol.OutgoingMessage{
		ID:          "1",
		Owned:       alice.id,
		Destination: protocol.ToAsymmetric(bob.id, bob.device),
		Payload:     []byte("ping"),
	}
	assert.ErrorIs(t, alice.tr.DeliverOutgoingMessage(t.Context(), msg), ErrRejected)

	bob.fail = nil
	require.NoError(t, alice.tr.DeliverOutgoingMessage(t.Context(), msg))
	assert.Equal(t, []byte("ping"), bob.next(t).Raw)
}

func TestUnknownDevice(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	stranger := testIdentity(t)

	err := alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "1",
		Owned:       alice.id,
		Destination: protocol.ToAsymmetric(stranger, encoding.UID{9}),
		Payload:     []byte("ping"),
	})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	err = alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "2",
		Owned:       alice.id,
		Destination: protocol.ToAsymmetric(stranger),
		Payload:     []byte("ping"),
	})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestAnnounceKnowsLocalDevices(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	require.NoError(t, alice.tr.Announce(t.Context()))

	p, ok := alice.tr.Directory().Peer(alice.device)
	require.True(t, ok)
	assert.Equal(t, alice.tr.ID(), p)
	assert.Equal(t, []encoding.UID{alice.device}, alice.tr.Directory().Devices(alice.id))
}

func TestAppNotification(t *testing.T) {
	bob := newTestNode(t, "bob", nil)
	var got []string
	bob.tr.cfg.Notifier = func(owned identity.Identity, name string, values []encoding.Encoded) {
		assert.Equal(t, bob.id, owned)
		require.Len(t, values, 1)
		s, err := values[0].DecodeString()
		require.NoError(t, err)
		got = append(got, name+"="+s)
	}

	err := bob.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "1",
		Owned:       bob.id,
		Destination: protocol.Destination{Kind: protocol.DestApp, Notification: "transfer_sas"},
		Payload:     encoding.OfList(encoding.OfString("123456")).Bytes(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"transfer_sas=123456"}, got)

	err = bob.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{Owned: bob.id, Destination: protocol.ToLocal()})
	assert.Error(t, err, "local messages never leave the engine")
}

func TestServerQueryAndRelay(t *testing.T) {
	fake := &relayServer{pending: make(map[string][][]byte)}
	alice := newTestNode(t, "alice", fakeServer{fake})

	err := alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		ID:          "1",
		Owned:       alice.id,
		Destination: protocol.ToServer(protocol.QueryTransferOpen),
		Payload:     []byte("opened envelope"),
	})
	require.NoError(t, err)

	in := alice.next(t)
	assert.Equal(t, protocol.ChannelServerQuery, in.Channel.Kind)
	assert.Equal(t, []byte("opened envelope"), in.Raw)
	require.NotNil(t, in.ServerResponse)
	number, err := in.ServerResponse.DecodeString()
	require.NoError(t, err)
	assert.Equal(t, []string{number}, alice.tr.Sessions())

	// the other party posts to alice's side of the session
	fake.pending["/v1/relay/"+number+"?"+alice.device.String()] = [][]byte{[]byte("commitment")}
	assert.Equal(t, 1, alice.tr.PollSessions(t.Context()))
	in = alice.next(t)
	assert.Equal(t, protocol.ChannelTransferRelay, in.Channel.Kind)
	assert.Equal(t, []byte("commitment"), in.Raw)
	assert.Zero(t, alice.tr.PollSessions(t.Context()))
}

func TestSessionsExpire(t *testing.T) {
	fake := &relayServer{pending: make(map[string][][]byte)}
	alice := newTestNode(t, "alice", fakeServer{fake})
	alice.tr.track("100001", alice.id, alice.device)
	alice.tr.sessions["100001"].lastUsed = time.Now().Add(-time.Hour)

	alice.tr.PollSessions(t.Context())
	assert.Empty(t, alice.tr.Sessions())
}

func TestNoServer(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	err := alice.tr.DeliverOutgoingMessage(t.Context(), protocol.OutgoingMessage{
		Owned:       alice.id,
		Destination: protocol.ToServer(protocol.QueryDeviceDiscovery),
	})
	assert.ErrorIs(t, err, ErrNoServer)
}

// fakeServer serves the relayServer handler in-process
type fakeServer struct {
	srv *relayServer
}

func (f fakeServer) Query(ctx context.Context, owned identity.Identity, device encoding.UID, q *protocol.ServerQuery) (encoding.Encoded, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.queries = append(f.srv.queries, string(q.Type))
	if q.Type == protocol.QueryTransferOpen {
		return encoding.OfString("100001"), nil
	}
	return encoding.OfBool(true), nil
}

func (f fakeServer) Relay(ctx context.Context, session string, device encoding.UID, payload []byte) error {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	key := "/v1/relay/" + session + "?" + device.String()
	f.srv.pending[key] = append(f.srv.pending[key], payload)
	return nil
}

func (f fakeServer) Pending(ctx context.Context, session string, device encoding.UID) ([][]byte, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	key := "/v1/relay/" + session + "?" + device.String()
	out := f.srv.pending[key]
	delete(f.srv.pending, key)
	return out, nil
}
