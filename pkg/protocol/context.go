package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/google/uuid"
)

// Target names a protocol instance, possibly of another protocol
type Target struct {
	Protocol ID
	UID      encoding.UID
}

// Context is the only way a step reaches the outside world. It is valid for
// the duration of one step execution and is bound to its transaction.
type Context struct {
	ctx     context.Context
	engine  *Engine
	tx      Tx
	key     InstanceKey
	round   int
	origin  Origin
	channel ReceptionChannel
	now     time.Time
	device  *encoding.UID
	outbox  []OutboxEntry
}

func (c *Context) Context() context.Context { return c.ctx }

// Owned returns the owned identity running the instance
func (c *Context) Owned() identity.Identity { return c.key.Owned }

// InstanceUID returns the UID of the running instance
func (c *Context) InstanceUID() encoding.UID { return c.key.UID }

// Round returns the number of steps the instance committed before this one
func (c *Context) Round() int { return c.round }

// Now returns the engine clock time at which the step started
func (c *Context) Now() time.Time { return c.now }

// Channel describes how the triggering message was received
func (c *Context) Channel() ReceptionChannel { return c.channel }

// Origin returns the routing metadata of the triggering message
func (c *Context) Origin() Origin { return c.origin }

// Identities returns the identity records, bound to the step transaction
func (c *Context) Identities() identity.Manager { return c.tx.Identities() }

func (c *Context) PRNG() crypto.PRNG { return c.engine.cfg.PRNG }

// NewUID draws a fresh UID
func (c *Context) NewUID() encoding.UID { return crypto.GenerateUID(c.engine.cfg.PRNG) }

// KeyStore returns the private key store
func (c *Context) KeyStore() identity.KeyStore { return c.engine.keys }

// PrivateKeys returns the private keys of the owned identity
func (c *Context) PrivateKeys() (identity.PrivateKeys, error) {
	return c.engine.keys.PrivateKeys(c.key.Owned)
}

// SolveChallenge proves possession of the owned identity's signing key
func (c *Context) SolveChallenge(ct crypto.ChallengeType, challenge []byte) ([]byte, error) {
	keys, err := c.PrivateKeys()
	if err != nil {
		return nil, err
	}
	return crypto.SolveChallenge(ct, challenge, keys.Sign, c.PRNG())
}

// CheckResponse verifies that signer solved challenge for ct
func (c *Context) CheckResponse(proof []byte, ct crypto.ChallengeType, challenge []byte, signer identity.Identity) bool {
	return crypto.CheckResponse(proof, ct, challenge, signer.SignKey())
}

// Decrypt opens a ciphertext encrypted to the owned identity's public key
func (c *Context) Decrypt(ciphertext []byte) ([]byte, error) {
	keys, err := c.PrivateKeys()
	if err != nil {
		return nil, err
	}
	return crypto.PrivateKeyDecrypt(keys.Encryption, ciphertext)
}

// Logf logs with the instance as prefix
func (c *Context) Logf(format string, args ...any) {
	c.engine.cfg.Logger.Printf("[%s] "+format, append([]any{c.key}, args...)...)
}

// Send queues msg for this instance
func (c *Context) Send(dest Destination, msg Message) error {
	return c.SendTo(Target{Protocol: c.key.Protocol, UID: c.key.UID}, dest, msg)
}

// SendTo queues msg for another instance, possibly of another protocol
func (c *Context) SendTo(target Target, dest Destination, msg Message) error {
	payload, err := c.envelope(target, msg)
	if err != nil {
		return err
	}
	dests, err := c.resolve(dest)
	if err != nil {
		return err
	}
	for _, d := range dests {
		c.queue(d, payload, c.now)
	}
	return nil
}

// Schedule queues msg for this instance, delivered locally once after has elapsed
func (c *Context) Schedule(after time.Duration, msg Message) error {
	payload, err := c.envelope(Target{Protocol: c.key.Protocol, UID: c.key.UID}, msg)
	if err != nil {
		return err
	}
	c.queue(ToLocal(), payload, c.now.Add(after))
	return nil
}

// Notify queues a notification for the application
func (c *Context) Notify(name string, values ...encoding.Encoded) {
	c.queue(Destination{Kind: DestApp, Notification: name}, encoding.OfList(values...).Bytes(), c.now)
}

// RequireLocal discards messages that were not produced on this device
func (c *Context) RequireLocal() error {
	if c.channel.Kind != ChannelLocal {
		return Discard("expected a local message, got %s", c.channel.Kind)
	}
	return nil
}

// RequireFromOwnedDevice discards messages not received from another device of the owned identity
func (c *Context) RequireFromOwnedDevice() error {
	if c.channel.Kind != ChannelOblivious || c.channel.RemoteIdentity != c.key.Owned {
		return Discard("expected a message from an owned device, got %s", c.channel.Kind)
	}
	return nil
}

// RequireFromContact discards messages not received over a channel with a contact
func (c *Context) RequireFromContact() (identity.Identity, error) {
	if c.channel.Kind != ChannelOblivious || c.channel.RemoteIdentity == c.key.Owned {
		return identity.Identity{}, Discard("expected a message from a contact, got %s", c.channel.Kind)
	}
	ok, err := identity.IsContact(c.Identities(), c.key.Owned, c.channel.RemoteIdentity)
	if err != nil {
		return identity.Identity{}, err
	}
	if !ok {
		return identity.Identity{}, Discard("sender %s is not a contact", c.channel.RemoteIdentity)
	}
	return c.channel.RemoteIdentity, nil
}

// RequireFrom discards messages not received over a channel with remote
func (c *Context) RequireFrom(remote identity.Identity) error {
	if c.channel.Kind != ChannelOblivious || c.channel.RemoteIdentity != remote {
		return Discard("expected a message from %s", remote)
	}
	return nil
}

func (c *Context) currentDevice() (encoding.UID, error) {
	if c.device != nil {
		return *c.device, nil
	}
	dev, err := c.Identities().CurrentDevice(c.key.Owned)
	if err != nil && !identity.ErrIsNotFound(err) {
		return dev, err
	}
	c.device = &dev
	return dev, nil
}

func (c *Context) envelope(target Target, msg Message) ([]byte, error) {
	def, ok := c.engine.definition(target.Protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtocol, target.Protocol)
	}
	if _, ok := def.messages[msg.MessageID()]; !ok {
		return nil, fmt.Errorf("%w: %s declares no message %d", ErrStepFailed, def.name, msg.MessageID())
	}
	device, err := c.currentDevice()
	if err != nil {
		return nil, err
	}
	env := Envelope{
		Protocol: target.Protocol,
		UID:      target.UID,
		Message:  msg.MessageID(),
		Origin: Origin{
			Identity:  c.key.Owned,
			Device:    device,
			Timestamp: c.now,
			Nonce:     c.PRNG().Bytes(OriginNonceSize),
		},
		Inputs: msg.Encode(),
	}
	return env.Encode().Bytes(), nil
}

func (c *Context) resolve(dest Destination) ([]Destination, error) {
	switch dest.Kind {
	case DestContactDevices:
		var out []Destination
		for _, id := range dest.Identities {
			devices := dest.Devices
			if len(devices) == 0 || len(dest.Identities) > 1 {
				contact, err := c.Identities().Contact(c.key.Owned, id)
				if identity.ErrIsNotFound(err) {
					c.Logf("%s is not a contact, message dropped", id)
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("failed to resolve devices of %s: %w", id, err)
				}
				devices = contact.Devices
			}
			if len(devices) == 0 {
				c.Logf("no known device for contact %s, message dropped", id)
				continue
			}
			out = append(out, Destination{Kind: DestContactDevices, Identities: []identity.Identity{id}, Devices: devices})
		}
		return out, nil
	case DestOwnedDevices:
		devices := dest.Devices
		if len(devices) == 0 {
			var err error
			if devices, err = identity.OtherOwnedDevices(c.Identities(), c.key.Owned); err != nil {
				return nil, err
			}
		}
		if len(devices) == 0 {
			return nil, nil
		}
		return []Destination{{Kind: DestOwnedDevices, Identities: []identity.Identity{c.key.Owned}, Devices: devices}}, nil
	case DestAsymmetric:
		if len(dest.Identities) != 1 {
			return nil, fmt.Errorf("%w: asymmetric destination needs exactly one recipient", ErrStepFailed)
		}
		return []Destination{dest}, nil
	case DestServer:
		if dest.Query == nil {
			return nil, fmt.Errorf("%w: server destination without query", ErrStepFailed)
		}
		return []Destination{dest}, nil
	default:
		return []Destination{dest}, nil
	}
}

func (c *Context) queue(dest Destination, payload []byte, notBefore time.Time) {
	id, err := uuid.NewRandomFromReader(c.PRNG())
	if err != nil {
		id = uuid.New()
	}
	c.outbox = append(c.outbox, OutboxEntry{
		ID:          id.String(),
		Owned:       c.key.Owned,
		Destination: dest,
		Payload:     payload,
		NotBefore:   notBefore,
		CreatedAt:   c.now,
	})
}
