// Package protocoltest runs several devices against each other in one
// process. Outgoing messages are queued and routed on Flush, a fake server
// answers queries and a shared mock clock drives timers.
package protocoltest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/storage"
	"github.com/benbjohnson/clock"
)

const ServerURL = "https://server.zentalk.test"

// maxFlushRounds bounds Flush so a looping protocol fails the test instead of hanging it
const maxFlushRounds = 10000

// Delivery is one routed message waiting for, or past, delivery
type Delivery struct {
	From    *Device
	To      *Device
	Inbound protocol.Inbound
}

// Notification is an app notification emitted by a step
type Notification struct {
	Name   string
	Values []encoding.Encoded
}

// Network connects devices, the fake server and the clock
type Network struct {
	t     testing.TB
	defs  []*protocol.Definition
	prng  crypto.PRNG
	Clock *clock.Mock

	mu        sync.Mutex
	devices   []*Device
	queue     []Delivery
	delivered []Delivery
	drop      func(Delivery) bool

	Server *Server
}

// New creates a network whose devices run defs
func New(t testing.TB, defs ...*protocol.Definition) *Network {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC))
	n := &Network{
		t:     t,
		defs:  defs,
		prng:  crypto.NewSeededPRNG([]byte(t.Name())),
		Clock: mock,
	}
	n.Server = newServer(n)
	return n
}

// PRNG returns the deterministic randomness shared by the network
func (n *Network) PRNG() crypto.PRNG {
	return n.prng
}

// AddIdentity creates a new owned identity on a fresh device
func (n *Network) AddIdentity(name string) *Device {
	n.t.Helper()
	id, keys, err := identity.Generate(ServerURL, crypto.SignatureEd25519, n.prng)
	if err != nil {
		n.t.Fatalf("failed to generate identity %s: %v", name, err)
	}
	return n.newDevice(name, id, keys, identity.Details{FirstName: name})
}

// AddDevice adds another device of owner's identity. Owned device lists are
// not updated; use LinkOwnedDevices or run device discovery.
func (n *Network) AddDevice(owner *Device, name string) *Device {
	n.t.Helper()
	details := identity.Details{}
	owner.View(func(m identity.Manager) error {
		o, err := m.OwnedIdentity(owner.Identity)
		if err == nil {
			details = o.Details
		}
		return err
	})
	return n.newDevice(name, owner.Identity, owner.Keys, details)
}

// AddBlankDevice creates a device holding only a throwaway identity, the
// way a fresh install does before an identity transfer
func (n *Network) AddBlankDevice(name string) *Device {
	return n.AddIdentity(name)
}

func (n *Network) newDevice(name string, id identity.Identity, keys identity.PrivateKeys, details identity.Details) *Device {
	db, err := storage.Open(filepath.Join(n.t.TempDir(), name+".db"))
	if err != nil {
		n.t.Fatalf("failed to open database for %s: %v", name, err)
	}
	n.t.Cleanup(func() { db.Close() })

	d := &Device{
		Name:     name,
		UID:      crypto.GenerateUID(n.prng),
		Identity: id,
		Keys:     keys,
		DB:       db,
		KeyStore: identity.NewMemoryKeyStore(),
		net:      n,
	}
	if err := d.KeyStore.StorePrivateKeys(id, keys); err != nil {
		n.t.Fatalf("failed to store keys for %s: %v", name, err)
	}
	d.View(func(m identity.Manager) error {
		return m.AddOwnedIdentity(&identity.OwnedIdentity{
			Identity:       id,
			Details:        details,
			DetailsVersion: 0,
			Active:         true,
			CreatedAt:      n.Clock.Now(),
		}, d.UID)
	})

	cfg := protocol.DefaultConfig()
	cfg.Clock = n.Clock
	cfg.PRNG = n.prng
	cfg.AfterCommit = d.recordStep
	d.Engine = protocol.NewEngine(db, protocol.ChannelFunc(d.deliverOutgoing), d.KeyStore, cfg)
	if err := d.Engine.Register(n.defs...); err != nil {
		n.t.Fatalf("failed to register protocols on %s: %v", name, err)
	}

	n.mu.Lock()
	n.devices = append(n.devices, d)
	n.mu.Unlock()
	n.Server.registerDevice(id, d.UID)
	return d
}

// Devices returns the devices of an identity
func (n *Network) Devices(id identity.Identity) []*Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Device
	for _, d := range n.devices {
		if d.Identity == id {
			out = append(out, d)
		}
	}
	return out
}

func (n *Network) device(id identity.Identity, uid encoding.UID) *Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, d := range n.devices {
		if d.UID == uid && (id.IsZero() || d.Identity == id) {
			return d
		}
	}
	return nil
}

// LinkOwnedDevices makes the given devices of one identity know each other
// and confirms channels between them
func (n *Network) LinkOwnedDevices(devices ...*Device) {
	n.t.Helper()
	for _, d := range devices {
		var others []encoding.UID
		for _, o := range devices {
			if o != d {
				others = append(others, o.UID)
			}
		}
		d.View(func(m identity.Manager) error {
			if _, err := m.SetOwnedDevices(d.Identity, others); err != nil {
				return err
			}
			for _, o := range devices {
				if o == d {
					continue
				}
				if err := m.ConfirmChannel(&identity.ObliviousChannel{
					Owned: d.Identity, RemoteIdentity: o.Identity, RemoteDevice: o.UID,
					Seed: n.prng.Bytes(32), ConfirmedAt: n.Clock.Now(),
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

// MakeContacts makes the identities of a and b mutual contacts on all their
// devices, with every device known and every channel confirmed
func (n *Network) MakeContacts(a, b *Device) {
	n.t.Helper()
	n.makeContactsOneWay(a.Identity, b.Identity)
	n.makeContactsOneWay(b.Identity, a.Identity)
}

func (n *Network) makeContactsOneWay(owned, contact identity.Identity) {
	remote := n.Devices(contact)
	var uids []encoding.UID
	for _, r := range remote {
		uids = append(uids, r.UID)
	}
	details := identity.Details{}
	if len(remote) > 0 {
		remote[0].View(func(m identity.Manager) error {
			o, err := m.OwnedIdentity(contact)
			if err == nil {
				details = o.Details
			}
			return err
		})
	}
	for _, d := range n.Devices(owned) {
		d.View(func(m identity.Manager) error {
			if err := m.AddContact(owned, contact, details, identity.TrustOrigin{Kind: identity.TrustDirect, Timestamp: n.Clock.Now()}); err != nil {
				return err
			}
			if _, err := m.SetContactDevices(owned, contact, uids); err != nil {
				return err
			}
			for _, uid := range uids {
				if err := m.ConfirmChannel(&identity.ObliviousChannel{
					Owned: owned, RemoteIdentity: contact, RemoteDevice: uid,
					Seed: n.prng.Bytes(32), ConfirmedAt: n.Clock.Now(),
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

// DropIf installs a filter; matching deliveries are lost instead of delivered
func (n *Network) DropIf(drop func(Delivery) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

func (n *Network) enqueue(d Delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, d)
}

// Pending returns the queued deliveries
func (n *Network) Pending() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.queue...)
}

// Delivered returns every delivery made so far, in order
func (n *Network) Delivered() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.delivered...)
}

// DeliverNext delivers the oldest queued message. It reports false when the queue is empty.
func (n *Network) DeliverNext() (Delivery, protocol.Outcome, bool) {
	n.t.Helper()
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return Delivery{}, protocol.OutcomeDiscarded, false
	}
	d := n.queue[0]
	n.queue = n.queue[1:]
	drop := n.drop
	n.mu.Unlock()

	if drop != nil && drop(d) {
		return d, protocol.OutcomeDiscarded, true
	}
	return d, n.Deliver(d), true
}

// Deliver hands d to its device now, regardless of the queue. It can be
// used to replay a past delivery.
func (n *Network) Deliver(d Delivery) protocol.Outcome {
	n.t.Helper()
	outcome, err := d.To.Engine.ProvideInboundMessage(context.Background(), d.Inbound)
	if err != nil {
		n.t.Fatalf("delivery to %s failed: %v", d.To.Name, err)
	}
	n.mu.Lock()
	n.delivered = append(n.delivered, d)
	n.mu.Unlock()
	return outcome
}

// Flush delivers queued messages until the network is quiet and returns how many were delivered
func (n *Network) Flush() int {
	n.t.Helper()
	count := 0
	for {
		if _, _, ok := n.DeliverNext(); !ok {
			return count
		}
		count++
		if count > maxFlushRounds {
			n.t.Fatalf("network did not settle after %d deliveries", maxFlushRounds)
		}
	}
}

// Advance moves the clock, fires due timers on every device and flushes
func (n *Network) Advance(d time.Duration) {
	n.t.Helper()
	n.Clock.Add(d)
	n.mu.Lock()
	devices := append([]*Device(nil), n.devices...)
	n.mu.Unlock()
	for _, dev := range devices {
		if _, err := dev.Engine.DispatchDue(context.Background()); err != nil {
			n.t.Fatalf("dispatch on %s failed: %v", dev.Name, err)
		}
	}
	n.Flush()
}

// route turns one outgoing message of from into deliveries
func (n *Network) route(from *Device, msg protocol.OutgoingMessage) error {
	dest := msg.Destination
	switch dest.Kind {
	case protocol.DestApp:
		values, err := decodeNotification(msg.Payload)
		if err != nil {
			return err
		}
		from.mu.Lock()
		from.notifications = append(from.notifications, Notification{Name: dest.Notification, Values: values})
		from.mu.Unlock()
		return nil

	case protocol.DestContactDevices, protocol.DestOwnedDevices:
		for _, id := range dest.Identities {
			for _, uid := range dest.Devices {
				to := n.device(id, uid)
				if to == nil {
					continue
				}
				n.enqueue(Delivery{From: from, To: to, Inbound: protocol.Inbound{
					Owned: to.Identity,
					Raw:   msg.Payload,
					Channel: protocol.ReceptionChannel{
						Kind:           protocol.ChannelOblivious,
						RemoteIdentity: from.Identity,
						RemoteDevice:   from.UID,
					},
				}})
			}
		}
		return nil

	case protocol.DestAsymmetric:
		for _, id := range dest.Identities {
			for _, to := range n.Devices(id) {
				if len(dest.Devices) > 0 && !containsUID(dest.Devices, to.UID) {
					continue
				}
				n.enqueue(Delivery{From: from, To: to, Inbound: protocol.Inbound{
					Owned:   to.Identity,
					Raw:     msg.Payload,
					Channel: protocol.ReceptionChannel{Kind: protocol.ChannelAsymmetric},
				}})
			}
		}
		return nil

	case protocol.DestServer:
		response, err := n.Server.handle(from, dest.Query)
		if err != nil {
			return err
		}
		n.enqueue(Delivery{From: from, To: from, Inbound: protocol.Inbound{
			Owned:          from.Identity,
			Raw:            msg.Payload,
			Channel:        protocol.ReceptionChannel{Kind: protocol.ChannelServerQuery},
			ServerResponse: &response,
		}})
		return nil

	case protocol.DestTransferRelay:
		to, err := n.Server.relayPeer(dest.Session, from)
		if err != nil {
			return err
		}
		n.enqueue(Delivery{From: from, To: to, Inbound: protocol.Inbound{
			Owned:   to.Identity,
			Raw:     msg.Payload,
			Channel: protocol.ReceptionChannel{Kind: protocol.ChannelTransferRelay},
		}})
		return nil
	}
	return fmt.Errorf("unroutable destination %s", dest.Kind)
}

func decodeNotification(payload []byte) ([]encoding.Encoded, error) {
	e, err := encoding.Parse(payload)
	if err != nil {
		return nil, err
	}
	return e.DecodeList()
}

func containsUID(uids []encoding.UID, uid encoding.UID) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}
