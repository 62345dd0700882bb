package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"
)

const obliviousKeyInfo = "zentalk-oblivious-frame"

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNoServer      = errors.New("no server configured")
	ErrRejected      = errors.New("frame rejected by peer")
)

// Store gives the transport read access to identity records
type Store interface {
	View(ctx context.Context, fn func(identity.Manager) error) error
}

// Receiver takes inbound messages; *protocol.Engine is one
type Receiver interface {
	ProvideInboundMessage(ctx context.Context, in protocol.Inbound) (protocol.Outcome, error)
}

// ReceiverFunc adapts a function to the Receiver interface
type ReceiverFunc func(ctx context.Context, in protocol.Inbound) (protocol.Outcome, error)

func (f ReceiverFunc) ProvideInboundMessage(ctx context.Context, in protocol.Inbound) (protocol.Outcome, error) {
	return f(ctx, in)
}

// Transport is the libp2p implementation of protocol.Channel
type Transport struct {
	cfg    *Config
	host   host.Host
	dht    *dht.IpfsDHT
	dir    *Directory
	store  Store
	keys   identity.KeyStore
	server Server
	prng   crypto.PRNG

	mu       sync.RWMutex
	receiver Receiver
	sessions map[string]*relaySession
}

// New creates the libp2p host and DHT and starts accepting frames.
// server may be nil when server queries are not needed.
func New(ctx context.Context, cfg *Config, store Store, keys identity.KeyStore, server Server) (*Transport, error) {
	cfg = cfg.withDefaults()

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = p2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenHost, cfg.ListenPort)),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableNATService())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.BootstrapPeers(),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	t := &Transport{
		cfg:      cfg,
		host:     h,
		dht:      kad,
		dir:      NewDirectory(),
		store:    store,
		keys:     keys,
		server:   server,
		prng:     crypto.SystemPRNG(),
		sessions: make(map[string]*relaySession),
	}
	h.SetStreamHandler(ProtocolID, t.handleStream)

	if len(cfg.BootstrapPeers) > 0 {
		if err := t.Bootstrap(ctx, cfg.BootstrapPeers); err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to bootstrap: %w", err)
		}
	}
	cfg.Logger.Printf("🌐 transport %s listening on %v", h.ID(), h.Addrs())
	return t, nil
}

// SetReceiver sets where inbound messages go
func (t *Transport) SetReceiver(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

func (t *Transport) currentReceiver() Receiver {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.receiver
}

func (t *Transport) ID() peer.ID { return t.host.ID() }

func (t *Transport) Directory() *Directory { return t.dir }

// Addrs returns the full p2p addresses of the host
func (t *Transport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

// Peers returns the connected peers
func (t *Transport) Peers() []peer.ID {
	return t.host.Network().Peers()
}

func (t *Transport) PeerCount() int { return len(t.host.Network().Peers()) }

// DeviceCount is the number of devices with a known peer
func (t *Transport) DeviceCount() int { return t.dir.Len() }

// Connect dials a peer given its full p2p address
func (t *Transport) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid address %s: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("invalid peer address %s: %w", addr, err)
	}
	cctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	if err := t.host.Connect(cctx, *info); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	return nil
}

// Bootstrap connects to the given peers and bootstraps the DHT
func (t *Transport) Bootstrap(ctx context.Context, addrs []string) error {
	connected := 0
	for _, addr := range addrs {
		if err := t.Connect(ctx, addr); err != nil {
			t.cfg.Logger.Printf("⚠️  %v", err)
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("no bootstrap peer reachable out of %d", len(addrs))
	}
	return t.dht.Bootstrap(ctx)
}

// Announce records the current device of every owned identity as hosted
// here and publishes it on the DHT when there are peers to publish to
func (t *Transport) Announce(ctx context.Context) error {
	type local struct {
		id     identity.Identity
		device encoding.UID
	}
	var locals []local
	err := t.store.View(ctx, func(m identity.Manager) error {
		owned, err := m.OwnedIdentities()
		if err != nil {
			return err
		}
		for _, o := range owned {
			uid, err := m.CurrentDevice(o.Identity)
			if err != nil {
				return err
			}
			locals = append(locals, local{id: o.Identity, device: uid})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list local devices: %w", err)
	}

	for _, l := range locals {
		t.dir.Learn(l.id, l.device, t.host.ID())
	}
	if len(t.host.Network().Peers()) == 0 {
		return nil
	}
	var errs []error
	for _, l := range locals {
		key, err := DeviceKey(l.device)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := t.dht.Provide(ctx, key, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to announce device %s: %w", l.device.Short(), err))
		}
	}
	return errors.Join(errs...)
}

// Run announces local devices, polls relay sessions and re-announces
// periodically until ctx is done
func (t *Transport) Run(ctx context.Context) error {
	if err := t.Announce(ctx); err != nil {
		t.cfg.Logger.Printf("⚠️  %v", err)
	}
	poll := t.cfg.Clock.Ticker(t.cfg.PollInterval)
	defer poll.Stop()
	provide := t.cfg.Clock.Ticker(t.cfg.ProvideInterval)
	defer provide.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			t.PollSessions(ctx)
		case <-provide.C:
			if err := t.Announce(ctx); err != nil {
				t.cfg.Logger.Printf("⚠️  %v", err)
			}
		}
	}
}

// Close stops the DHT and the host
func (t *Transport) Close() error {
	var errs []error
	if err := t.dht.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.host.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DeliverOutgoingMessage implements protocol.Channel. Destinations arrive
// resolved by the engine: contact and owned destinations name their devices.
func (t *Transport) DeliverOutgoingMessage(ctx context.Context, msg protocol.OutgoingMessage) error {
	dest := msg.Destination
	switch dest.Kind {
	case protocol.DestApp:
		return t.notify(msg)
	case protocol.DestContactDevices, protocol.DestOwnedDevices:
		return t.sendOblivious(ctx, msg)
	case protocol.DestAsymmetric:
		return t.sendAsymmetric(ctx, msg)
	case protocol.DestServer:
		return t.query(ctx, msg)
	case protocol.DestTransferRelay:
		return t.relay(ctx, msg)
	}
	return fmt.Errorf("cannot deliver %s destinations", dest.Kind)
}

func (t *Transport) notify(msg protocol.OutgoingMessage) error {
	e, err := encoding.Parse(msg.Payload)
	if err != nil {
		return err
	}
	values, err := e.DecodeList()
	if err != nil {
		return err
	}
	if t.cfg.Notifier != nil {
		t.cfg.Notifier(msg.Owned, msg.Destination.Notification, values)
		return nil
	}
	t.cfg.Logger.Printf("🔔 %s: %s (%d values)", msg.Owned, msg.Destination.Notification, len(values))
	return nil
}

func (t *Transport) sendOblivious(ctx context.Context, msg protocol.OutgoingMessage) error {
	dest := msg.Destination
	type target struct {
		recipient identity.Identity
		device    encoding.UID
		seed      []byte
	}
	var (
		sender  encoding.UID
		targets []target
	)
	err := t.store.View(ctx, func(m identity.Manager) error {
		var err error
		if sender, err = m.CurrentDevice(msg.Owned); err != nil {
			return err
		}
		for _, recipient := range dest.Identities {
			for _, device := range dest.Devices {
				ch, err := m.Channel(msg.Owned, device)
				if identity.ErrIsNotFound(err) {
					t.cfg.Logger.Printf("⚠️  no channel with device %s of %s, frame dropped", device.Short(), recipient)
					continue
				}
				if err != nil {
					return err
				}
				if ch.RemoteIdentity != recipient {
					t.cfg.Logger.Printf("⚠️  security: device %s belongs to %s, not %s", device.Short(), ch.RemoteIdentity, recipient)
					continue
				}
				targets = append(targets, target{recipient: recipient, device: device, seed: ch.Seed})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resolve channels: %w", err)
	}

	var errs []error
	for _, tg := range targets {
		key, err := crypto.AuthEncKeyFromSeed(crypto.AuthEncChaCha20Poly1305, tg.seed, obliviousKeyInfo)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		body, err := key.Encrypt(msg.Payload, t.prng)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f := Frame{Kind: FrameOblivious, Recipient: tg.recipient, Sender: sender, Body: body}
		errs = append(errs, t.sendFrame(ctx, tg.device, f))
	}
	// a retry resends to every device; receivers drop the duplicates
	return errors.Join(errs...)
}

func (t *Transport) sendAsymmetric(ctx context.Context, msg protocol.OutgoingMessage) error {
	dest := msg.Destination
	if len(dest.Identities) != 1 {
		return fmt.Errorf("asymmetric destination with %d recipients", len(dest.Identities))
	}
	recipient := dest.Identities[0]
	devices := dest.Devices
	if len(devices) == 0 {
		devices = t.dir.Devices(recipient)
	}
	if len(devices) == 0 {
		return fmt.Errorf("%w: no device known for %s", ErrUnknownDevice, recipient)
	}

	var sender encoding.UID
	err := t.store.View(ctx, func(m identity.Manager) error {
		var err error
		sender, err = m.CurrentDevice(msg.Owned)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to resolve current device: %w", err)
	}

	var errs []error
	for _, device := range devices {
		body, err := crypto.PublicKeyEncrypt(recipient.EncryptionKey(), msg.Payload, t.prng)
		if err != nil {
			return err
		}
		f := Frame{Kind: FrameAsymmetric, Recipient: recipient, Sender: sender, Body: body}
		errs = append(errs, t.sendFrame(ctx, device, f))
	}
	return errors.Join(errs...)
}

// resolve finds the peer hosting device, asking the DHT when the directory
// does not know it
func (t *Transport) resolve(ctx context.Context, device encoding.UID) (peer.ID, error) {
	if p, ok := t.dir.Peer(device); ok {
		return p, nil
	}
	key, err := DeviceKey(device)
	if err != nil {
		return "", err
	}
	fctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	for info := range t.dht.FindProvidersAsync(fctx, key, 1) {
		if info.ID == "" {
			continue
		}
		if info.ID != t.host.ID() {
			t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		}
		t.dir.Learn(identity.Identity{}, device, info.ID)
		return info.ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownDevice, device.Short())
}

func (t *Transport) sendFrame(ctx context.Context, device encoding.UID, f Frame) error {
	p, err := t.resolve(ctx, device)
	if err != nil {
		return err
	}
	if p == t.host.ID() {
		if !t.receive(ctx, f, p) {
			return fmt.Errorf("%w: local device %s", ErrRejected, device.Short())
		}
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	s, err := t.host.NewStream(sctx, p, ProtocolID)
	if err != nil {
		t.dir.Forget(device)
		return fmt.Errorf("failed to open stream to %s: %w", p, err)
	}
	defer s.Close()

	if deadline, ok := sctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	if err := WriteFrame(s, f); err != nil {
		s.Reset()
		return err
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	var ack [1]byte
	if _, err := s.Read(ack[:]); err != nil {
		return fmt.Errorf("no ack from %s: %w", p, err)
	}
	if ack[0] != ackAccepted {
		return fmt.Errorf("%w: %s", ErrRejected, p)
	}
	return nil
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer()
	f, err := ReadFrame(s)
	if err != nil {
		t.cfg.Logger.Printf("⚠️  bad frame from %s: %v", from, err)
		s.Reset()
		return
	}
	ack := ackRejected
	if t.receive(context.Background(), f, from) {
		ack = ackAccepted
	}
	if _, err := s.Write([]byte{ack}); err != nil {
		t.cfg.Logger.Printf("⚠️  failed to ack frame from %s: %v", from, err)
	}
}

// receive opens a frame and hands it to the receiver. It reports false only
// when the frame should be sent again; frames that can never be opened are
// acked and dropped.
func (t *Transport) receive(ctx context.Context, f Frame, from peer.ID) bool {
	r := t.currentReceiver()
	if r == nil {
		t.cfg.Logger.Printf("⚠️  frame from %s before a receiver was set", from)
		return false
	}

	in, ok := t.open(ctx, f, from)
	if !ok {
		return true
	}
	outcome, err := r.ProvideInboundMessage(ctx, in)
	if err != nil {
		t.cfg.Logger.Printf("⚠️  inbound %s frame for %s failed: %v", f.Kind, f.Recipient, err)
		return false
	}
	if outcome == protocol.OutcomeDiscarded {
		t.cfg.Logger.Printf("🗑️  %s frame from device %s discarded", f.Kind, f.Sender.Short())
	}
	return true
}

func (t *Transport) open(ctx context.Context, f Frame, from peer.ID) (protocol.Inbound, bool) {
	switch f.Kind {
	case FrameOblivious:
		var ch *identity.ObliviousChannel
		err := t.store.View(ctx, func(m identity.Manager) error {
			var err error
			ch, err = m.Channel(f.Recipient, f.Sender)
			return err
		})
		if err != nil {
			t.cfg.Logger.Printf("⚠️  security: oblivious frame from unknown device %s: %v", f.Sender.Short(), err)
			return protocol.Inbound{}, false
		}
		key, err := crypto.AuthEncKeyFromSeed(crypto.AuthEncChaCha20Poly1305, ch.Seed, obliviousKeyInfo)
		if err != nil {
			return protocol.Inbound{}, false
		}
		raw, err := key.Decrypt(f.Body)
		if err != nil {
			t.cfg.Logger.Printf("⚠️  security: oblivious frame from device %s does not decrypt", f.Sender.Short())
			return protocol.Inbound{}, false
		}
		t.dir.Learn(ch.RemoteIdentity, f.Sender, from)
		return protocol.Inbound{
			Owned: f.Recipient,
			Raw:   raw,
			Channel: protocol.ReceptionChannel{
				Kind:           protocol.ChannelOblivious,
				RemoteIdentity: ch.RemoteIdentity,
				RemoteDevice:   f.Sender,
			},
		}, true

	case FrameAsymmetric:
		keys, err := t.keys.PrivateKeys(f.Recipient)
		if err != nil {
			t.cfg.Logger.Printf("⚠️  asymmetric frame for %s which is not owned here", f.Recipient)
			return protocol.Inbound{}, false
		}
		raw, err := crypto.PrivateKeyDecrypt(keys.Encryption, f.Body)
		if err != nil {
			t.cfg.Logger.Printf("⚠️  security: asymmetric frame from device %s does not decrypt", f.Sender.Short())
			return protocol.Inbound{}, false
		}
		return protocol.Inbound{
			Owned:   f.Recipient,
			Raw:     raw,
			Channel: protocol.ReceptionChannel{Kind: protocol.ChannelAsymmetric},
		}, true
	}
	return protocol.Inbound{}, false
}
