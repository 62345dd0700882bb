package protocoltest

import (
	"context"
	"sync"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/storage"
)

// Device is one engine with its own database and key store
type Device struct {
	Name     string
	UID      encoding.UID
	Identity identity.Identity
	Keys     identity.PrivateKeys
	DB       *storage.DB
	KeyStore *identity.MemoryKeyStore
	Engine   *protocol.Engine

	net *Network

	mu            sync.Mutex
	notifications []Notification
	steps         []StepRecord
	sent          int
}

// StepRecord is one committed step
type StepRecord struct {
	Key      protocol.InstanceKey
	Step     string
	Outgoing int
}

func (d *Device) String() string { return d.Name }

func (d *Device) deliverOutgoing(_ context.Context, msg protocol.OutgoingMessage) error {
	d.mu.Lock()
	d.sent++
	d.mu.Unlock()
	return d.net.route(d, msg)
}

func (d *Device) recordStep(key protocol.InstanceKey, step string, outgoing int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, StepRecord{Key: key, Step: step, Outgoing: outgoing})
}

// Steps returns the steps committed on the device for one protocol, in order
func (d *Device) Steps(id protocol.ID) []StepRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []StepRecord
	for _, s := range d.steps {
		if s.Key.Protocol == id {
			out = append(out, s)
		}
	}
	return out
}

// Sent counts the messages the engine handed to the network, notifications included
func (d *Device) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// View runs fn in a transaction and fails the test on error
func (d *Device) View(fn func(m identity.Manager) error) {
	d.net.t.Helper()
	if err := d.DB.View(context.Background(), fn); err != nil {
		d.net.t.Fatalf("%s: %v", d.Name, err)
	}
}

// Initiate starts a protocol on this device and fails the test if it is not accepted
func (d *Device) Initiate(id protocol.ID, msg protocol.Message) encoding.UID {
	d.net.t.Helper()
	uid, err := d.Engine.Initiate(context.Background(), d.Identity, id, msg)
	if err != nil {
		d.net.t.Fatalf("%s: initiate protocol %d: %v", d.Name, id, err)
	}
	return uid
}

// Post delivers a local message to an instance and returns the outcome
func (d *Device) Post(id protocol.ID, uid encoding.UID, msg protocol.Message) protocol.Outcome {
	d.net.t.Helper()
	outcome, err := d.Engine.PostLocal(context.Background(), d.Identity, protocol.Target{Protocol: id, UID: uid}, msg)
	if err != nil {
		d.net.t.Fatalf("%s: post to protocol %d: %v", d.Name, id, err)
	}
	return outcome
}

// State returns the current state of an instance, nil when there is none
func (d *Device) State(id protocol.ID, uid encoding.UID) protocol.State {
	return d.StateOf(d.Identity, id, uid)
}

// StateOf is State for another owned identity of the device
func (d *Device) StateOf(owned identity.Identity, id protocol.ID, uid encoding.UID) protocol.State {
	d.net.t.Helper()
	st, _, err := d.Engine.Instance(context.Background(), protocol.InstanceKey{Owned: owned, Protocol: id, UID: uid})
	if err != nil {
		d.net.t.Fatalf("%s: load instance: %v", d.Name, err)
	}
	return st
}

// Instances lists the instances of the device's identity
func (d *Device) Instances() []protocol.InstanceInfo {
	d.net.t.Helper()
	infos, err := d.Engine.Instances(context.Background(), d.Identity)
	if err != nil {
		d.net.t.Fatalf("%s: list instances: %v", d.Name, err)
	}
	return infos
}

// Notifications returns the app notifications with the given name
func (d *Device) Notifications(name string) []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Notification
	for _, n := range d.notifications {
		if n.Name == name {
			out = append(out, n)
		}
	}
	return out
}

// LastNotification returns the most recent notification with the given name
func (d *Device) LastNotification(name string) (Notification, bool) {
	all := d.Notifications(name)
	if len(all) == 0 {
		return Notification{}, false
	}
	return all[len(all)-1], true
}

// Contact returns the contact record of id, nil when id is not a contact
func (d *Device) Contact(id identity.Identity) *identity.Contact {
	var c *identity.Contact
	d.View(func(m identity.Manager) error {
		var err error
		c, err = m.Contact(d.Identity, id)
		if identity.ErrIsNotFound(err) {
			return nil
		}
		return err
	})
	return c
}

// Owned returns the owned identity record, nil once it has been deleted
func (d *Device) Owned() *identity.OwnedIdentity {
	var o *identity.OwnedIdentity
	d.View(func(m identity.Manager) error {
		var err error
		o, err = m.OwnedIdentity(d.Identity)
		if identity.ErrIsNotFound(err) {
			return nil
		}
		return err
	})
	return o
}

// Group returns a group record, nil when it is unknown
func (d *Device) Group(owner identity.Identity, uid encoding.UID) *identity.Group {
	var g *identity.Group
	d.View(func(m identity.Manager) error {
		var err error
		g, err = m.Group(d.Identity, owner, uid)
		if identity.ErrIsNotFound(err) {
			return nil
		}
		return err
	})
	return g
}

// Channel returns the confirmed channel to a remote device, nil when there is none
func (d *Device) Channel(remote encoding.UID) *identity.ObliviousChannel {
	var ch *identity.ObliviousChannel
	d.View(func(m identity.Manager) error {
		var err error
		ch, err = m.Channel(d.Identity, remote)
		if identity.ErrIsNotFound(err) {
			return nil
		}
		return err
	})
	return ch
}

// Adopt switches the device to an owned identity it received, for instance
// through an identity transfer
func (d *Device) Adopt(id identity.Identity) {
	d.net.t.Helper()
	keys, err := d.KeyStore.PrivateKeys(id)
	if err != nil {
		d.net.t.Fatalf("%s: adopt %s: %v", d.Name, id, err)
	}
	d.Identity = id
	d.Keys = keys
	d.net.Server.registerDevice(id, d.UID)
}

// Inject delivers msg to target as if from had sent it over a channel of the
// given kind, bypassing from's engine. It is used to replay or forge messages.
func (d *Device) Inject(from *Device, target protocol.Target, msg protocol.Message, kind protocol.ChannelKind) protocol.Outcome {
	d.net.t.Helper()
	env := protocol.Envelope{
		Protocol: target.Protocol,
		UID:      target.UID,
		Message:  msg.MessageID(),
		Origin: protocol.Origin{
			Identity:  from.Identity,
			Device:    from.UID,
			Timestamp: d.net.Clock.Now(),
			Nonce:     d.net.prng.Bytes(protocol.OriginNonceSize),
		},
		Inputs: msg.Encode(),
	}
	ch := protocol.ReceptionChannel{Kind: kind}
	if kind == protocol.ChannelOblivious {
		ch.RemoteIdentity, ch.RemoteDevice = from.Identity, from.UID
	}
	return d.net.Deliver(Delivery{From: from, To: d, Inbound: protocol.Inbound{
		Owned:   d.Identity,
		Raw:     env.Encode().Bytes(),
		Channel: ch,
	}})
}
