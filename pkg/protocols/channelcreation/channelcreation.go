// Package channelcreation establishes an oblivious channel between the
// current device and one device of a contact or of the owned identity.
//
// The initiator sends an ephemeral public key with a proof. The responder
// answers with a fresh seed encrypted to that key and its own proof, and the
// initiator acknowledges with a hash of the seed. Each side confirms the
// channel once it holds authenticated key material.
package channelcreation

import (
	"bytes"
	"crypto/subtle"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 1

const (
	seedSize = 32
	ackTag   = "zentalk-channel-ack"

	// NotificationConfirmed carries the remote identity and device of a new channel
	NotificationConfirmed = "channel_confirmed"
)

// States

type WaitingForKey struct {
	Remote    identity.Identity
	Device    encoding.UID
	Ephemeral crypto.EncryptionPrivateKey
}

func (WaitingForKey) StateID() protocol.StateID { return 1 }

func (s WaitingForKey) Encode() encoding.Encoded {
	return encoding.OfList(s.Remote.Encode(), encoding.OfUID(s.Device), encoding.OfBytes(s.Ephemeral[:]))
}

func decodeWaitingForKey(e encoding.Encoded) (WaitingForKey, error) {
	r := wire.List(e, 3)
	s := WaitingForKey{Remote: r.Identity(), Device: r.UID(), Ephemeral: r.EncryptionPrivateKey()}
	return s, r.Err()
}

type WaitingForAck struct {
	Remote identity.Identity
	Device encoding.UID
	Seed   []byte
}

func (WaitingForAck) StateID() protocol.StateID { return 2 }

func (s WaitingForAck) Encode() encoding.Encoded {
	return encoding.OfList(s.Remote.Encode(), encoding.OfUID(s.Device), encoding.OfBytes(s.Seed))
}

func decodeWaitingForAck(e encoding.Encoded) (WaitingForAck, error) {
	r := wire.List(e, 3)
	s := WaitingForAck{Remote: r.Identity(), Device: r.UID(), Seed: r.Bytes()}
	return s, r.Err()
}

type Confirmed struct {
	Remote identity.Identity
	Device encoding.UID
}

func (Confirmed) StateID() protocol.StateID { return 3 }

func (s Confirmed) Encode() encoding.Encoded {
	return encoding.OfList(s.Remote.Encode(), encoding.OfUID(s.Device))
}

func decodeConfirmed(e encoding.Encoded) (Confirmed, error) {
	r := wire.List(e, 2)
	s := Confirmed{Remote: r.Identity(), Device: r.UID()}
	return s, r.Err()
}

// Messages

// Start asks for a channel with one device of remote
type Start struct {
	Remote identity.Identity
	Device encoding.UID
}

func (Start) MessageID() protocol.MessageID { return 0 }

func (m Start) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Remote.Encode(), encoding.OfUID(m.Device)}
}

func decodeStart(in protocol.Inputs) (Start, error) {
	r := wire.Inputs(in, 2)
	m := Start{Remote: r.Identity(), Device: r.UID()}
	return m, r.Err()
}

type Ping struct {
	Ephemeral crypto.EncryptionPublicKey
	Proof     []byte
}

func (Ping) MessageID() protocol.MessageID { return 1 }

func (m Ping) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBytes(m.Ephemeral[:]), encoding.OfBytes(m.Proof)}
}

func decodePing(in protocol.Inputs) (Ping, error) {
	r := wire.Inputs(in, 2)
	m := Ping{Ephemeral: r.EncryptionKey(), Proof: r.Bytes()}
	return m, r.Err()
}

type Key struct {
	Ciphertext []byte
	Proof      []byte
}

func (Key) MessageID() protocol.MessageID { return 2 }

func (m Key) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBytes(m.Ciphertext), encoding.OfBytes(m.Proof)}
}

func decodeKey(in protocol.Inputs) (Key, error) {
	r := wire.Inputs(in, 2)
	m := Key{Ciphertext: r.Bytes(), Proof: r.Bytes()}
	return m, r.Err()
}

type Ack struct {
	Confirmation []byte
}

func (Ack) MessageID() protocol.MessageID { return 3 }

func (m Ack) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBytes(m.Confirmation)}
}

func decodeAck(in protocol.Inputs) (Ack, error) {
	r := wire.Inputs(in, 1)
	m := Ack{Confirmation: r.Bytes()}
	return m, r.Err()
}

// Definition returns the channel creation protocol
func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "channel-creation")

	waitingForKey := protocol.DeclareState(d, 1, "waitingForKey", decodeWaitingForKey)
	waitingForAck := protocol.DeclareState(d, 2, "waitingForAck", decodeWaitingForAck)
	protocol.DeclareFinalState(d, 3, "confirmed", decodeConfirmed)

	start := protocol.DeclareMessage(d, 0, "start", decodeStart, protocol.Initiation())
	ping := protocol.DeclareMessage(d, 1, "ping", decodePing, protocol.Initiation())
	key := protocol.DeclareMessage(d, 2, "key", decodeKey)
	ack := protocol.DeclareMessage(d, 3, "ack", decodeAck)

	protocol.AddStep(d, "send-ping", d.Initial(), start, sendPing)
	protocol.AddStep(d, "answer-ping", d.Initial(), ping, answerPing)
	protocol.AddStep(d, "receive-key", waitingForKey, key, receiveKey)
	protocol.AddStep(d, "receive-ack", waitingForAck, ack, receiveAck)
	return d
}

func pingChallenge(responderDevice, initiatorDevice encoding.UID, ephemeral crypto.EncryptionPublicKey) []byte {
	return bytes.Join([][]byte{responderDevice[:], initiatorDevice[:], ephemeral[:]}, nil)
}

func keyChallenge(initiatorDevice, responderDevice encoding.UID, ephemeral crypto.EncryptionPublicKey, ciphertext []byte) []byte {
	return bytes.Join([][]byte{initiatorDevice[:], responderDevice[:], ephemeral[:], ciphertext}, nil)
}

func ackOf(seed []byte) []byte {
	h := crypto.HashParts([]byte(ackTag), seed)
	return h[:]
}

// trusted reports whether remote may open a channel with the owned identity
func trusted(c *protocol.Context, remote identity.Identity) (bool, error) {
	if remote == c.Owned() {
		return true, nil
	}
	return identity.IsContact(c.Identities(), c.Owned(), remote)
}

func sendPing(c *protocol.Context, _ protocol.InitialState, m Start) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	ok, err := trusted(c, m.Remote)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.Discard("%s is neither a contact nor owned", m.Remote)
	}
	current, err := c.Identities().CurrentDevice(c.Owned())
	if err != nil {
		return nil, err
	}
	if m.Remote == c.Owned() && m.Device == current {
		return nil, protocol.Discard("no channel with the current device")
	}

	pub, priv, err := crypto.GenerateEncryptionKeyPair(c.PRNG())
	if err != nil {
		return nil, err
	}
	proof, err := c.SolveChallenge(crypto.ChallengeChannelCreation, pingChallenge(m.Device, current, pub))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(m.Remote, m.Device), Ping{Ephemeral: pub, Proof: proof}); err != nil {
		return nil, err
	}
	return WaitingForKey{Remote: m.Remote, Device: m.Device, Ephemeral: priv}, nil
}

func answerPing(c *protocol.Context, _ protocol.InitialState, m Ping) (protocol.State, error) {
	origin := c.Origin()
	ok, err := trusted(c, origin.Identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.Discard("ping from unknown identity %s", origin.Identity)
	}
	current, err := c.Identities().CurrentDevice(c.Owned())
	if err != nil {
		return nil, err
	}
	if !c.CheckResponse(m.Proof, crypto.ChallengeChannelCreation, pingChallenge(current, origin.Device, m.Ephemeral), origin.Identity) {
		return nil, protocol.Hostile("invalid ping proof from %s", origin.Identity)
	}

	seed := c.PRNG().Bytes(seedSize)
	ct, err := crypto.PublicKeyEncrypt(m.Ephemeral, seed, c.PRNG())
	if err != nil {
		return nil, err
	}
	proof, err := c.SolveChallenge(crypto.ChallengeChannelCreation, keyChallenge(origin.Device, current, m.Ephemeral, ct))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(origin.Identity, origin.Device), Key{Ciphertext: ct, Proof: proof}); err != nil {
		return nil, err
	}
	return WaitingForAck{Remote: origin.Identity, Device: origin.Device, Seed: seed}, nil
}

func receiveKey(c *protocol.Context, s WaitingForKey, m Key) (protocol.State, error) {
	origin := c.Origin()
	if origin.Identity != s.Remote || origin.Device != s.Device {
		return nil, protocol.Discard("key from an unexpected device")
	}
	current, err := c.Identities().CurrentDevice(c.Owned())
	if err != nil {
		return nil, err
	}
	ephemeral, err := s.Ephemeral.Public()
	if err != nil {
		return nil, err
	}
	if !c.CheckResponse(m.Proof, crypto.ChallengeChannelCreation, keyChallenge(current, s.Device, ephemeral, m.Ciphertext), s.Remote) {
		return nil, protocol.Hostile("invalid key proof from %s", s.Remote)
	}
	seed, err := crypto.PrivateKeyDecrypt(s.Ephemeral, m.Ciphertext)
	if err != nil {
		return nil, protocol.Hostile("cannot decrypt channel seed: %v", err)
	}

	if err := confirm(c, s.Remote, s.Device, seed); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(s.Remote, s.Device), Ack{Confirmation: ackOf(seed)}); err != nil {
		return nil, err
	}
	return Confirmed{Remote: s.Remote, Device: s.Device}, nil
}

func receiveAck(c *protocol.Context, s WaitingForAck, m Ack) (protocol.State, error) {
	origin := c.Origin()
	if origin.Identity != s.Remote || origin.Device != s.Device {
		return nil, protocol.Discard("ack from an unexpected device")
	}
	if subtle.ConstantTimeCompare(m.Confirmation, ackOf(s.Seed)) != 1 {
		return nil, protocol.Hostile("channel ack does not match the seed")
	}
	if err := confirm(c, s.Remote, s.Device, s.Seed); err != nil {
		return nil, err
	}
	return Confirmed{Remote: s.Remote, Device: s.Device}, nil
}

func confirm(c *protocol.Context, remote identity.Identity, device encoding.UID, seed []byte) error {
	err := c.Identities().ConfirmChannel(&identity.ObliviousChannel{
		Owned:          c.Owned(),
		RemoteIdentity: remote,
		RemoteDevice:   device,
		Seed:           seed,
		ConfirmedAt:    c.Now(),
	})
	if err != nil {
		return err
	}
	c.Notify(NotificationConfirmed, remote.Encode(), encoding.OfUID(device))
	return nil
}
