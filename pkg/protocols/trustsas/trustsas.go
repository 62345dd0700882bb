// Package trustsas establishes trust between two identities that are not
// contacts yet by comparing a short authentication string out of band.
//
// The initiator commits to its seed before seeing the responder's one, so
// neither side can steer the resulting code.
package trustsas

import (
	"crypto/subtle"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 12

// Digits is the length of the displayed code
const Digits = 4

const seedSize = 32

const (
	NotificationInvitation = "sas_invitation"
	NotificationShowSAS    = "sas_show"
	NotificationTrusted    = "sas_trusted"
)

const (
	StateWaitingForSeed         protocol.StateID = 1
	StateCommitmentReceived     protocol.StateID = 2
	StateWaitingForDecommitment protocol.StateID = 3
	StateShowingSAS             protocol.StateID = 4
	StateFinished               protocol.StateID = 5
	StateAborted                protocol.StateID = 6
)

// Session carries everything either side knows at a given point. Fields not
// yet known are empty.
type Session struct {
	ID           protocol.StateID
	Remote       identity.Identity
	Details      identity.Details
	Commitment   []byte
	Decommitment []byte
	Seed         []byte
	SAS          string
}

func (s Session) StateID() protocol.StateID { return s.ID }

func (s Session) Encode() encoding.Encoded {
	return encoding.OfList(
		s.Remote.Encode(),
		s.Details.Encode(),
		encoding.OfBytes(s.Commitment),
		encoding.OfBytes(s.Decommitment),
		encoding.OfBytes(s.Seed),
		encoding.OfString(s.SAS),
	)
}

func decodeSession(id protocol.StateID) func(encoding.Encoded) (Session, error) {
	return func(e encoding.Encoded) (Session, error) {
		r := wire.List(e, 6)
		s := Session{
			ID:           id,
			Remote:       r.Identity(),
			Details:      r.Details(),
			Commitment:   r.Bytes(),
			Decommitment: r.Bytes(),
			Seed:         r.Bytes(),
			SAS:          r.String(),
		}
		return s, r.Err()
	}
}

type Start struct {
	Remote identity.Identity
}

func (Start) MessageID() protocol.MessageID { return 0 }

func (m Start) Encode() []encoding.Encoded { return []encoding.Encoded{m.Remote.Encode()} }

func decodeStart(in protocol.Inputs) (Start, error) {
	r := wire.Inputs(in, 1)
	m := Start{Remote: r.Identity()}
	return m, r.Err()
}

type Commitment struct {
	Details    identity.Details
	Commitment []byte
}

func (Commitment) MessageID() protocol.MessageID { return 1 }

func (m Commitment) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Details.Encode(), encoding.OfBytes(m.Commitment)}
}

func decodeCommitment(in protocol.Inputs) (Commitment, error) {
	r := wire.Inputs(in, 2)
	m := Commitment{Details: r.Details(), Commitment: r.Bytes()}
	return m, r.Err()
}

type Accept struct{}

func (Accept) MessageID() protocol.MessageID { return 2 }
func (Accept) Encode() []encoding.Encoded    { return nil }

type Seed struct {
	Details identity.Details
	Seed    []byte
}

func (Seed) MessageID() protocol.MessageID { return 3 }

func (m Seed) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Details.Encode(), encoding.OfBytes(m.Seed)}
}

func decodeSeed(in protocol.Inputs) (Seed, error) {
	r := wire.Inputs(in, 2)
	m := Seed{Details: r.Details(), Seed: r.Bytes()}
	return m, r.Err()
}

type Decommitment struct {
	Decommitment []byte
}

func (Decommitment) MessageID() protocol.MessageID { return 4 }

func (m Decommitment) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBytes(m.Decommitment)}
}

func decodeDecommitment(in protocol.Inputs) (Decommitment, error) {
	r := wire.Inputs(in, 1)
	m := Decommitment{Decommitment: r.Bytes()}
	return m, r.Err()
}

// EnterSAS is posted with the code read on the other device
type EnterSAS struct {
	Code string
}

func (EnterSAS) MessageID() protocol.MessageID { return 5 }

func (m EnterSAS) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfString(m.Code)} }

func decodeEnterSAS(in protocol.Inputs) (EnterSAS, error) {
	r := wire.Inputs(in, 1)
	m := EnterSAS{Code: r.String()}
	return m, r.Err()
}

type Abort struct{}

func (Abort) MessageID() protocol.MessageID { return 6 }
func (Abort) Encode() []encoding.Encoded    { return nil }

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "trust-sas")

	waitingForSeed := protocol.DeclareState(d, StateWaitingForSeed, "waitingForSeed", decodeSession(StateWaitingForSeed))
	received := protocol.DeclareState(d, StateCommitmentReceived, "commitmentReceived", decodeSession(StateCommitmentReceived))
	waitingForDecommitment := protocol.DeclareState(d, StateWaitingForDecommitment, "waitingForDecommitment", decodeSession(StateWaitingForDecommitment))
	showing := protocol.DeclareState(d, StateShowingSAS, "showingSAS", decodeSession(StateShowingSAS))
	protocol.DeclareFinalState(d, StateFinished, "finished", decodeSession(StateFinished))
	protocol.DeclareFinalState(d, StateAborted, "aborted", decodeSession(StateAborted))

	start := protocol.DeclareMessage(d, 0, "start", decodeStart, protocol.Initiation())
	commitment := protocol.DeclareMessage(d, 1, "commitment", decodeCommitment, protocol.Initiation())
	accept := protocol.DeclareMessage(d, 2, "accept", protocol.NoInputs(Accept{}))
	seed := protocol.DeclareMessage(d, 3, "seed", decodeSeed)
	decommitment := protocol.DeclareMessage(d, 4, "decommitment", decodeDecommitment)
	enter := protocol.DeclareMessage(d, 5, "enterSAS", decodeEnterSAS)
	abort := protocol.DeclareMessage(d, 6, "abort", protocol.NoInputs(Abort{}))

	protocol.AddStep(d, "send-commitment", d.Initial(), start, sendCommitment)
	protocol.AddStep(d, "receive-commitment", d.Initial(), commitment, receiveCommitment)
	protocol.AddStep(d, "send-seed", received, accept, sendSeed)
	protocol.AddStep(d, "send-decommitment", waitingForSeed, seed, sendDecommitment)
	protocol.AddStep(d, "open-commitment", waitingForDecommitment, decommitment, openCommitment)
	protocol.AddStep(d, "check-sas", showing, enter, checkSAS)
	for _, from := range []protocol.StateKind[Session]{waitingForSeed, received, waitingForDecommitment, showing} {
		protocol.AddStep(d, "abort", from, abort, abortSession)
	}
	return d
}

func ownedDetails(c *protocol.Context) (identity.Details, error) {
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return identity.Details{}, err
	}
	return o.Details, nil
}

func sas(c *protocol.Context, own, remote []byte, s Session) string {
	return crypto.ComputeSAS(
		crypto.SASParty{Identity: c.Owned().Bytes(), Seed: own},
		crypto.SASParty{Identity: s.Remote.Bytes(), Seed: remote},
		Digits,
	)
}

// fromRemote checks an asymmetric message comes from the session's remote identity
func fromRemote(c *protocol.Context, s Session) error {
	if c.Channel().Kind != protocol.ChannelAsymmetric || c.Origin().Identity != s.Remote {
		return protocol.Discard("expected %s over an asymmetric channel", s.Remote)
	}
	return nil
}

func sendCommitment(c *protocol.Context, _ protocol.InitialState, m Start) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.Remote == c.Owned() {
		return nil, protocol.Discard("cannot trust oneself")
	}
	details, err := ownedDetails(c)
	if err != nil {
		return nil, err
	}
	commitment, decommitment := crypto.Commit(c.PRNG().Bytes(seedSize), c.PRNG())
	if err := c.Send(protocol.ToAsymmetric(m.Remote), Commitment{Details: details, Commitment: commitment}); err != nil {
		return nil, err
	}
	return Session{ID: StateWaitingForSeed, Remote: m.Remote, Commitment: commitment, Decommitment: decommitment}, nil
}

func receiveCommitment(c *protocol.Context, _ protocol.InitialState, m Commitment) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelAsymmetric {
		return nil, protocol.Discard("commitment over %s", c.Channel().Kind)
	}
	remote := c.Origin().Identity
	if remote == c.Owned() {
		return nil, protocol.Discard("commitment from oneself")
	}
	if err := m.Details.Validate(); err != nil {
		return nil, protocol.Discard("invalid details: %v", err)
	}
	c.Notify(NotificationInvitation, remote.Encode(), m.Details.Encode())
	return Session{ID: StateCommitmentReceived, Remote: remote, Details: m.Details, Commitment: m.Commitment}, nil
}

func sendSeed(c *protocol.Context, s Session, _ Accept) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	details, err := ownedDetails(c)
	if err != nil {
		return nil, err
	}
	s.Seed = c.PRNG().Bytes(seedSize)
	if err := c.Send(protocol.ToAsymmetric(s.Remote), Seed{Details: details, Seed: s.Seed}); err != nil {
		return nil, err
	}
	s.ID = StateWaitingForDecommitment
	return s, nil
}

func sendDecommitment(c *protocol.Context, s Session, m Seed) (protocol.State, error) {
	if err := fromRemote(c, s); err != nil {
		return nil, err
	}
	if len(m.Seed) != seedSize {
		return nil, protocol.Discard("seed of %d bytes", len(m.Seed))
	}
	if err := m.Details.Validate(); err != nil {
		return nil, protocol.Discard("invalid details: %v", err)
	}
	if err := c.Send(protocol.ToAsymmetric(s.Remote), Decommitment{Decommitment: s.Decommitment}); err != nil {
		return nil, err
	}
	own, _ := crypto.Open(s.Commitment, s.Decommitment)
	s.Details = m.Details
	s.Seed = own
	s.SAS = sas(c, own, m.Seed, s)
	s.ID = StateShowingSAS
	c.Notify(NotificationShowSAS, s.Remote.Encode(), encoding.OfString(s.SAS))
	return s, nil
}

func openCommitment(c *protocol.Context, s Session, m Decommitment) (protocol.State, error) {
	if err := fromRemote(c, s); err != nil {
		return nil, err
	}
	remoteSeed, ok := crypto.Open(s.Commitment, m.Decommitment)
	if !ok {
		return nil, protocol.Hostile("decommitment from %s does not open the commitment", s.Remote)
	}
	s.Decommitment = m.Decommitment
	s.SAS = sas(c, s.Seed, remoteSeed, s)
	s.ID = StateShowingSAS
	c.Notify(NotificationShowSAS, s.Remote.Encode(), encoding.OfString(s.SAS))
	return s, nil
}

func checkSAS(c *protocol.Context, s Session, m EnterSAS) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(m.Code), []byte(s.SAS)) != 1 {
		return nil, protocol.Discard("wrong code entered")
	}
	origin := identity.TrustOrigin{Kind: identity.TrustSAS, Timestamp: c.Now()}
	if err := c.Identities().AddContact(c.Owned(), s.Remote, s.Details, origin); err != nil {
		return nil, err
	}
	if err := c.SendTo(protocol.Target{Protocol: devicediscovery.ID, UID: c.NewUID()}, protocol.ToLocal(),
		devicediscovery.Start{Remote: s.Remote}); err != nil {
		return nil, err
	}
	c.Notify(NotificationTrusted, s.Remote.Encode())
	s.ID = StateFinished
	return s, nil
}

func abortSession(c *protocol.Context, s Session, _ Abort) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	s.ID = StateAborted
	return s, nil
}
