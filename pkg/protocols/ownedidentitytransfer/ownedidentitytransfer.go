// Package ownedidentitytransfer moves an owned identity to a new device.
//
// The new device opens a relay session on the server and shows its number.
// The user enters that number on a device already holding the identity,
// which then commits to a seed, reveals it once the new device answered with
// its own seed and an ephemeral key, and waits for the user to type the code
// shown on the new device. Only then does it send the private keys and a
// snapshot, encrypted to the ephemeral key.
package ownedidentitytransfer

import (
	"crypto/subtle"
	"slices"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 23

// Digits is the length of the code shown on the new device
const Digits = 6

const seedSize = 32

const (
	NotificationSessionNumber = "transfer_session_number"
	NotificationShowSAS       = "transfer_sas"
	NotificationEnterSAS      = "transfer_enter_sas"
	NotificationCompleted     = "transfer_completed"
	NotificationFailed        = "transfer_failed"
)

// States of the new device
const (
	StateOpening                protocol.StateID = 1
	StateOpened                 protocol.StateID = 2
	StateWaitingForSource       protocol.StateID = 3
	StateWaitingForDecommitment protocol.StateID = 4
	StateShowingSAS             protocol.StateID = 5
	StateReceived               protocol.StateID = 6
)

// States of the device holding the identity
const (
	StateWaitingForJoin protocol.StateID = 7
	StateWaitingForSeed protocol.StateID = 8
	StateWaitingForSAS  protocol.StateID = 9
	StateTransferred    protocol.StateID = 10
	StateFailed         protocol.StateID = 11
)

const StateAborted protocol.StateID = 12

// SessionUID is the instance both devices run the transfer in
func SessionUID(number string) encoding.UID {
	return crypto.DeriveUID("transfer", []byte(number))
}

// Session carries what one side knows so far. Remote is the identity on the
// other end of the relay, Device its device.
type Session struct {
	ID           protocol.StateID
	Number       string
	Remote       identity.Identity
	Device       encoding.UID
	Details      identity.Details
	Commitment   []byte
	Decommitment []byte
	Seed         []byte
	RemoteSeed   []byte
	Ephemeral    []byte
	SAS          string
}

func (s Session) StateID() protocol.StateID { return s.ID }

func (s Session) Encode() encoding.Encoded {
	return encoding.OfList(
		encoding.OfString(s.Number),
		encoding.OfBytes(s.Remote.Bytes()),
		encoding.OfUID(s.Device),
		s.Details.Encode(),
		encoding.OfBytes(s.Commitment),
		encoding.OfBytes(s.Decommitment),
		encoding.OfBytes(s.Seed),
		encoding.OfBytes(s.RemoteSeed),
		encoding.OfBytes(s.Ephemeral),
		encoding.OfString(s.SAS),
	)
}

func decodeSession(id protocol.StateID) func(encoding.Encoded) (Session, error) {
	return func(e encoding.Encoded) (Session, error) {
		r := wire.List(e, 10)
		s := Session{ID: id, Number: r.String()}
		remote := r.Bytes()
		s.Device = r.UID()
		s.Details = r.Details()
		s.Commitment = r.Bytes()
		s.Decommitment = r.Bytes()
		s.Seed = r.Bytes()
		s.RemoteSeed = r.Bytes()
		s.Ephemeral = r.Bytes()
		s.SAS = r.String()
		if err := r.Err(); err != nil {
			return s, err
		}
		if len(remote) > 0 {
			var err error
			if s.Remote, err = identity.FromBytes(remote); err != nil {
				return s, err
			}
		}
		return s, nil
	}
}

// Open asks the server for a session number, on the new device
type Open struct{}

func (Open) MessageID() protocol.MessageID { return 0 }
func (Open) Encode() []encoding.Encoded    { return nil }

type SessionOpened struct {
	Number string
}

func (SessionOpened) MessageID() protocol.MessageID { return 1 }
func (SessionOpened) Encode() []encoding.Encoded    { return nil }

func decodeSessionOpened(in protocol.Inputs) (SessionOpened, error) {
	if err := in.Expect(0); err != nil {
		return SessionOpened{}, err
	}
	resp, err := in.Response()
	if err != nil {
		return SessionOpened{}, err
	}
	number, err := resp.DecodeString()
	return SessionOpened{Number: number}, err
}

// Await starts the new device's side of the session
type Await struct {
	Number string
}

func (Await) MessageID() protocol.MessageID { return 2 }

func (m Await) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfString(m.Number)} }

func decodeAwait(in protocol.Inputs) (Await, error) {
	r := wire.Inputs(in, 1)
	m := Await{Number: r.String()}
	return m, r.Err()
}

// Join enters a session number on the device holding the identity
type Join struct {
	Number string
}

func (Join) MessageID() protocol.MessageID { return 3 }

func (m Join) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfString(m.Number)} }

func decodeJoin(in protocol.Inputs) (Join, error) {
	r := wire.Inputs(in, 1)
	m := Join{Number: r.String()}
	return m, r.Err()
}

type Joined struct {
	OK bool
}

func (Joined) MessageID() protocol.MessageID { return 4 }
func (Joined) Encode() []encoding.Encoded    { return nil }

func decodeJoined(in protocol.Inputs) (Joined, error) {
	if err := in.Expect(0); err != nil {
		return Joined{}, err
	}
	resp, err := in.Response()
	if err != nil {
		return Joined{}, err
	}
	ok, err := resp.DecodeBool()
	return Joined{OK: ok}, err
}

type SourceCommitment struct {
	Identity   identity.Identity
	Details    identity.Details
	Commitment []byte
}

func (SourceCommitment) MessageID() protocol.MessageID { return 5 }

func (m SourceCommitment) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Identity.Encode(), m.Details.Encode(), encoding.OfBytes(m.Commitment)}
}

func decodeSourceCommitment(in protocol.Inputs) (SourceCommitment, error) {
	r := wire.Inputs(in, 3)
	m := SourceCommitment{Identity: r.Identity(), Details: r.Details(), Commitment: r.Bytes()}
	return m, r.Err()
}

type TargetSeed struct {
	Seed      []byte
	Ephemeral crypto.EncryptionPublicKey
}

func (TargetSeed) MessageID() protocol.MessageID { return 6 }

func (m TargetSeed) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBytes(m.Seed), encoding.OfBytes(m.Ephemeral[:])}
}

func decodeTargetSeed(in protocol.Inputs) (TargetSeed, error) {
	r := wire.Inputs(in, 2)
	m := TargetSeed{Seed: r.Bytes(), Ephemeral: r.EncryptionKey()}
	return m, r.Err()
}

type Decommitment struct {
	Decommitment []byte
}

func (Decommitment) MessageID() protocol.MessageID { return 7 }

func (m Decommitment) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBytes(m.Decommitment)}
}

func decodeDecommitment(in protocol.Inputs) (Decommitment, error) {
	r := wire.Inputs(in, 1)
	m := Decommitment{Decommitment: r.Bytes()}
	return m, r.Err()
}

// EnterSAS is the code the user read on the new device
type EnterSAS struct {
	Code string
}

func (EnterSAS) MessageID() protocol.MessageID { return 8 }

func (m EnterSAS) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfString(m.Code)} }

func decodeEnterSAS(in protocol.Inputs) (EnterSAS, error) {
	r := wire.Inputs(in, 1)
	m := EnterSAS{Code: r.String()}
	return m, r.Err()
}

// Transfer carries the private keys and snapshot, encrypted to the ephemeral key
type Transfer struct {
	Ciphertext []byte
}

func (Transfer) MessageID() protocol.MessageID { return 9 }

func (m Transfer) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfBytes(m.Ciphertext)} }

func decodeTransfer(in protocol.Inputs) (Transfer, error) {
	r := wire.Inputs(in, 1)
	m := Transfer{Ciphertext: r.Bytes()}
	return m, r.Err()
}

type Abort struct{}

func (Abort) MessageID() protocol.MessageID { return 10 }
func (Abort) Encode() []encoding.Encoded    { return nil }

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "owned-identity-transfer")

	opening := protocol.DeclareState(d, StateOpening, "opening", decodeSession(StateOpening))
	protocol.DeclareFinalState(d, StateOpened, "opened", decodeSession(StateOpened))
	waitingForSource := protocol.DeclareState(d, StateWaitingForSource, "waitingForSource", decodeSession(StateWaitingForSource))
	waitingForDecommitment := protocol.DeclareState(d, StateWaitingForDecommitment, "waitingForDecommitment", decodeSession(StateWaitingForDecommitment))
	showing := protocol.DeclareState(d, StateShowingSAS, "showingSAS", decodeSession(StateShowingSAS))
	protocol.DeclareFinalState(d, StateReceived, "received", decodeSession(StateReceived))
	waitingForJoin := protocol.DeclareState(d, StateWaitingForJoin, "waitingForJoin", decodeSession(StateWaitingForJoin))
	waitingForSeed := protocol.DeclareState(d, StateWaitingForSeed, "waitingForSeed", decodeSession(StateWaitingForSeed))
	waitingForSAS := protocol.DeclareState(d, StateWaitingForSAS, "waitingForSAS", decodeSession(StateWaitingForSAS))
	protocol.DeclareFinalState(d, StateTransferred, "transferred", decodeSession(StateTransferred))
	protocol.DeclareFinalState(d, StateFailed, "failed", decodeSession(StateFailed))
	protocol.DeclareFinalState(d, StateAborted, "aborted", decodeSession(StateAborted))

	open := protocol.DeclareMessage(d, 0, "open", protocol.NoInputs(Open{}), protocol.Initiation())
	opened := protocol.DeclareMessage(d, 1, "sessionOpened", decodeSessionOpened)
	await := protocol.DeclareMessage(d, 2, "await", decodeAwait, protocol.Initiation())
	join := protocol.DeclareMessage(d, 3, "join", decodeJoin, protocol.Initiation())
	joined := protocol.DeclareMessage(d, 4, "joined", decodeJoined)
	commitment := protocol.DeclareMessage(d, 5, "sourceCommitment", decodeSourceCommitment)
	seed := protocol.DeclareMessage(d, 6, "targetSeed", decodeTargetSeed)
	decommitment := protocol.DeclareMessage(d, 7, "decommitment", decodeDecommitment)
	enter := protocol.DeclareMessage(d, 8, "enterSAS", decodeEnterSAS)
	transfer := protocol.DeclareMessage(d, 9, "transfer", decodeTransfer)
	abort := protocol.DeclareMessage(d, 10, "abort", protocol.NoInputs(Abort{}))

	protocol.AddStep(d, "open-session", d.Initial(), open, openSession)
	protocol.AddStep(d, "session-opened", opening, opened, sessionOpened)
	protocol.AddStep(d, "await-source", d.Initial(), await, awaitSource)
	protocol.AddStep(d, "receive-commitment", waitingForSource, commitment, receiveCommitment)
	protocol.AddStep(d, "open-commitment", waitingForDecommitment, decommitment, openCommitment)
	protocol.AddStep(d, "receive-identity", showing, transfer, receiveIdentity)

	protocol.AddStep(d, "join-session", d.Initial(), join, joinSession)
	protocol.AddStep(d, "send-commitment", waitingForJoin, joined, sendCommitment)
	protocol.AddStep(d, "send-decommitment", waitingForSeed, seed, sendDecommitment)
	protocol.AddStep(d, "send-identity", waitingForSAS, enter, sendIdentity)

	for _, from := range []protocol.StateKind[Session]{opening, waitingForSource, waitingForDecommitment, showing, waitingForJoin, waitingForSeed, waitingForSAS} {
		protocol.AddStep(d, "abort-"+from.Name(), from, abort, abortTransfer)
	}
	return d
}

func requireRelay(c *protocol.Context, s Session) error {
	if c.Channel().Kind != protocol.ChannelTransferRelay {
		return protocol.Discard("transfer message over %s", c.Channel().Kind)
	}
	if !s.Remote.IsZero() && c.Origin().Identity != s.Remote {
		return protocol.Hostile("transfer message from %s, expected %s", c.Origin().Identity, s.Remote)
	}
	return nil
}

func checkSession(c *protocol.Context, number string) error {
	if number == "" {
		return protocol.Discard("empty session number")
	}
	if c.InstanceUID() != SessionUID(number) {
		return protocol.Discard("session %s posted to the wrong instance", number)
	}
	return nil
}

// ephemeralSeed binds the ephemeral key into the code
func ephemeralSeed(seed []byte, ephemeral crypto.EncryptionPublicKey) []byte {
	return append(slices.Clone(seed), ephemeral[:]...)
}

func openSession(c *protocol.Context, _ protocol.InitialState, _ Open) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToServer(protocol.QueryTransferOpen), SessionOpened{}); err != nil {
		return nil, err
	}
	return Session{ID: StateOpening}, nil
}

func sessionOpened(c *protocol.Context, s Session, m SessionOpened) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return nil, protocol.Discard("server answer over %s", c.Channel().Kind)
	}
	target := protocol.Target{Protocol: ID, UID: SessionUID(m.Number)}
	if err := c.SendTo(target, protocol.ToLocal(), Await{Number: m.Number}); err != nil {
		return nil, err
	}
	c.Notify(NotificationSessionNumber, encoding.OfString(m.Number))
	s.ID, s.Number = StateOpened, m.Number
	return s, nil
}

func awaitSource(c *protocol.Context, _ protocol.InitialState, m Await) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := checkSession(c, m.Number); err != nil {
		return nil, err
	}
	return Session{ID: StateWaitingForSource, Number: m.Number}, nil
}

func receiveCommitment(c *protocol.Context, s Session, m SourceCommitment) (protocol.State, error) {
	if err := requireRelay(c, s); err != nil {
		return nil, err
	}
	if m.Identity != c.Origin().Identity {
		return nil, protocol.Hostile("commitment for %s sent by %s", m.Identity, c.Origin().Identity)
	}
	if m.Identity == c.Owned() {
		return nil, protocol.Discard("transfer of the identity this device already holds")
	}
	pub, priv, err := crypto.GenerateEncryptionKeyPair(c.PRNG())
	if err != nil {
		return nil, err
	}
	seed := c.PRNG().Bytes(seedSize)
	if err := c.Send(protocol.ToTransferRelay(s.Number), TargetSeed{Seed: seed, Ephemeral: pub}); err != nil {
		return nil, err
	}
	s.ID = StateWaitingForDecommitment
	s.Remote, s.Device, s.Details = m.Identity, c.Origin().Device, m.Details
	s.Commitment, s.Seed, s.Ephemeral = m.Commitment, seed, priv[:]
	return s, nil
}

func openCommitment(c *protocol.Context, s Session, m Decommitment) (protocol.State, error) {
	if err := requireRelay(c, s); err != nil {
		return nil, err
	}
	remoteSeed, ok := crypto.Open(s.Commitment, m.Decommitment)
	if !ok {
		return nil, protocol.Hostile("decommitment does not open the commitment")
	}
	var priv crypto.EncryptionPrivateKey
	copy(priv[:], s.Ephemeral)
	pub, err := priv.Public()
	if err != nil {
		return nil, err
	}
	s.SAS = crypto.ComputeSAS(
		crypto.SASParty{Identity: s.Remote.Bytes(), Seed: remoteSeed},
		crypto.SASParty{Identity: c.Owned().Bytes(), Seed: ephemeralSeed(s.Seed, pub)},
		Digits,
	)
	s.ID, s.RemoteSeed = StateShowingSAS, remoteSeed
	c.Notify(NotificationShowSAS, encoding.OfString(s.SAS), s.Details.Encode())
	return s, nil
}

func receiveIdentity(c *protocol.Context, s Session, m Transfer) (protocol.State, error) {
	if err := requireRelay(c, s); err != nil {
		return nil, err
	}
	var priv crypto.EncryptionPrivateKey
	copy(priv[:], s.Ephemeral)
	plaintext, err := crypto.PrivateKeyDecrypt(priv, m.Ciphertext)
	if err != nil {
		return nil, protocol.Hostile("transfer does not decrypt: %v", err)
	}
	payload, err := encoding.Parse(plaintext)
	if err != nil {
		return nil, protocol.Hostile("malformed transfer: %v", err)
	}
	parts, err := payload.DecodeListN(2)
	if err != nil {
		return nil, protocol.Hostile("malformed transfer: %v", err)
	}
	keys, err := identity.DecodePrivateKeys(parts[0])
	if err != nil {
		return nil, protocol.Hostile("malformed private keys: %v", err)
	}
	snapshot, err := identity.DecodeSnapshot(parts[1])
	if err != nil {
		return nil, protocol.Hostile("malformed snapshot: %v", err)
	}
	if snapshot.Identity != s.Remote || !keys.Matches(s.Remote) {
		return nil, protocol.Hostile("transferred identity is not %s", s.Remote)
	}

	ids := c.Identities()
	device, err := ids.CurrentDevice(c.Owned())
	if err != nil {
		return nil, err
	}
	owned := &identity.OwnedIdentity{
		Identity:       s.Remote,
		Details:        snapshot.Details,
		DetailsVersion: snapshot.DetailsVersion,
		Active:         true,
		CreatedAt:      c.Now(),
	}
	if err := ids.AddOwnedIdentity(owned, device); err != nil {
		return nil, err
	}
	if err := ids.ImportSnapshot(s.Remote, snapshot); err != nil {
		return nil, err
	}
	if _, err := ids.SetOwnedDevices(s.Remote, []encoding.UID{s.Device}); err != nil {
		return nil, err
	}
	if err := c.KeyStore().StorePrivateKeys(s.Remote, keys); err != nil {
		return nil, err
	}
	c.Notify(NotificationCompleted, s.Remote.Encode())
	s.ID = StateReceived
	return s, nil
}

func joinSession(c *protocol.Context, _ protocol.InitialState, m Join) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := checkSession(c, m.Number); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToServer(protocol.QueryTransferJoin, encoding.OfString(m.Number)), Joined{}); err != nil {
		return nil, err
	}
	return Session{ID: StateWaitingForJoin, Number: m.Number}, nil
}

func sendCommitment(c *protocol.Context, s Session, m Joined) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return nil, protocol.Discard("server answer over %s", c.Channel().Kind)
	}
	if !m.OK {
		c.Notify(NotificationFailed, encoding.OfString(s.Number))
		s.ID = StateFailed
		return s, nil
	}
	owned, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	seed := c.PRNG().Bytes(seedSize)
	commitment, decommitment := crypto.Commit(seed, c.PRNG())
	msg := SourceCommitment{Identity: c.Owned(), Details: owned.Details, Commitment: commitment}
	if err := c.Send(protocol.ToTransferRelay(s.Number), msg); err != nil {
		return nil, err
	}
	s.ID, s.Seed, s.Commitment, s.Decommitment = StateWaitingForSeed, seed, commitment, decommitment
	return s, nil
}

func sendDecommitment(c *protocol.Context, s Session, m TargetSeed) (protocol.State, error) {
	if err := requireRelay(c, s); err != nil {
		return nil, err
	}
	if len(m.Seed) != seedSize {
		return nil, protocol.Discard("seed of %d bytes", len(m.Seed))
	}
	if err := c.Send(protocol.ToTransferRelay(s.Number), Decommitment{Decommitment: s.Decommitment}); err != nil {
		return nil, err
	}
	s.Remote, s.Device = c.Origin().Identity, c.Origin().Device
	s.RemoteSeed, s.Ephemeral = m.Seed, m.Ephemeral[:]
	s.SAS = crypto.ComputeSAS(
		crypto.SASParty{Identity: c.Owned().Bytes(), Seed: s.Seed},
		crypto.SASParty{Identity: s.Remote.Bytes(), Seed: ephemeralSeed(m.Seed, m.Ephemeral)},
		Digits,
	)
	s.ID = StateWaitingForSAS
	c.Notify(NotificationEnterSAS, encoding.OfString(s.Number))
	return s, nil
}

func sendIdentity(c *protocol.Context, s Session, m EnterSAS) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(m.Code), []byte(s.SAS)) != 1 {
		return nil, protocol.Discard("wrong transfer code")
	}
	ids := c.Identities()
	keys, err := c.PrivateKeys()
	if err != nil {
		return nil, err
	}
	snapshot, err := ids.ExportSnapshot(c.Owned())
	if err != nil {
		return nil, err
	}
	ephemeral, err := crypto.EncryptionPublicKeyFromBytes(s.Ephemeral)
	if err != nil {
		return nil, err
	}
	payload := encoding.OfList(keys.Encode(), snapshot.Encode())
	ciphertext, err := crypto.PublicKeyEncrypt(ephemeral, payload.Bytes(), c.PRNG())
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToTransferRelay(s.Number), Transfer{Ciphertext: ciphertext}); err != nil {
		return nil, err
	}

	others, err := identity.OtherOwnedDevices(ids, c.Owned())
	if err != nil {
		return nil, err
	}
	if !slices.Contains(others, s.Device) {
		others = append(others, s.Device)
	}
	if _, err := ids.SetOwnedDevices(c.Owned(), others); err != nil {
		return nil, err
	}
	c.Notify(NotificationCompleted, c.Owned().Encode())
	s.ID = StateTransferred
	return s, nil
}

func abortTransfer(c *protocol.Context, s Session, _ Abort) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	s.ID = StateAborted
	return s, nil
}
