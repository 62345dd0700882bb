// Package mutualintroduction lets a mediator introduce two of its contacts.
// Each introduced party accepts by sending the other a signed acceptance
// over an asymmetric channel; the contact is added once both have accepted.
package mutualintroduction

import (
	"bytes"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 9

const (
	NotificationIntroduced = "introduction_received"
	NotificationAccepted   = "introduction_accepted"
)

const (
	StateIntroduced         protocol.StateID = 1
	StateInvitationReceived protocol.StateID = 2
	StateAccepted           protocol.StateID = 3
	StateFinished           protocol.StateID = 4
	StateRejected           protocol.StateID = 5
)

// Introduced is the final state on the mediator
type Introduced struct {
	A, B identity.Identity
}

func (Introduced) StateID() protocol.StateID { return StateIntroduced }

func (s Introduced) Encode() encoding.Encoded { return encoding.OfList(s.A.Encode(), s.B.Encode()) }

func decodeIntroduced(e encoding.Encoded) (Introduced, error) {
	r := wire.List(e, 2)
	s := Introduced{A: r.Identity(), B: r.Identity()}
	return s, r.Err()
}

// Pending is the state of an introduced party. OtherAccepted is set when the
// other party's acceptance arrived first.
type Pending struct {
	ID            protocol.StateID
	Mediator      identity.Identity
	Other         identity.Identity
	Details       identity.Details
	OtherAccepted bool
}

func (s Pending) StateID() protocol.StateID { return s.ID }

func (s Pending) Encode() encoding.Encoded {
	return encoding.OfList(s.Mediator.Encode(), s.Other.Encode(), s.Details.Encode(), encoding.OfBool(s.OtherAccepted))
}

func decodePending(id protocol.StateID) func(encoding.Encoded) (Pending, error) {
	return func(e encoding.Encoded) (Pending, error) {
		r := wire.List(e, 4)
		s := Pending{ID: id, Mediator: r.Identity(), Other: r.Identity(), Details: r.Details(), OtherAccepted: r.Bool()}
		return s, r.Err()
	}
}

// Introduce is posted on the mediator
type Introduce struct {
	A, B identity.Identity
}

func (Introduce) MessageID() protocol.MessageID { return 0 }

func (m Introduce) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.A.Encode(), m.B.Encode()}
}

func decodeIntroduce(in protocol.Inputs) (Introduce, error) {
	r := wire.Inputs(in, 2)
	m := Introduce{A: r.Identity(), B: r.Identity()}
	return m, r.Err()
}

type Introduction struct {
	Other   identity.Identity
	Details identity.Details
}

func (Introduction) MessageID() protocol.MessageID { return 1 }

func (m Introduction) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Other.Encode(), m.Details.Encode()}
}

func decodeIntroduction(in protocol.Inputs) (Introduction, error) {
	r := wire.Inputs(in, 2)
	m := Introduction{Other: r.Identity(), Details: r.Details()}
	return m, r.Err()
}

type Accept struct{}

func (Accept) MessageID() protocol.MessageID { return 2 }
func (Accept) Encode() []encoding.Encoded    { return nil }

type Reject struct{}

func (Reject) MessageID() protocol.MessageID { return 3 }
func (Reject) Encode() []encoding.Encoded    { return nil }

// Acceptance travels between the two introduced parties
type Acceptance struct {
	Details identity.Details
	Proof   []byte
}

func (Acceptance) MessageID() protocol.MessageID { return 4 }

func (m Acceptance) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Details.Encode(), encoding.OfBytes(m.Proof)}
}

func decodeAcceptance(in protocol.Inputs) (Acceptance, error) {
	r := wire.Inputs(in, 2)
	m := Acceptance{Details: r.Details(), Proof: r.Bytes()}
	return m, r.Err()
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "mutual-introduction")

	protocol.DeclareFinalState(d, StateIntroduced, "introduced", decodeIntroduced)
	received := protocol.DeclareState(d, StateInvitationReceived, "invitationReceived", decodePending(StateInvitationReceived))
	accepted := protocol.DeclareState(d, StateAccepted, "accepted", decodePending(StateAccepted))
	protocol.DeclareFinalState(d, StateFinished, "finished", decodePending(StateFinished))
	protocol.DeclareFinalState(d, StateRejected, "rejected", decodePending(StateRejected))

	introduce := protocol.DeclareMessage(d, 0, "introduce", decodeIntroduce, protocol.Initiation())
	introduction := protocol.DeclareMessage(d, 1, "introduction", decodeIntroduction, protocol.Initiation())
	accept := protocol.DeclareMessage(d, 2, "accept", protocol.NoInputs(Accept{}))
	reject := protocol.DeclareMessage(d, 3, "reject", protocol.NoInputs(Reject{}))
	acceptance := protocol.DeclareMessage(d, 4, "acceptance", decodeAcceptance)

	protocol.AddStep(d, "introduce-contacts", d.Initial(), introduce, introduceContacts)
	protocol.AddStep(d, "receive-introduction", d.Initial(), introduction, receiveIntroduction)
	protocol.AddStep(d, "accept-introduction", received, accept, acceptIntroduction)
	protocol.AddStep(d, "reject-introduction", received, reject, rejectIntroduction)
	protocol.AddStep(d, "receive-early-acceptance", received, acceptance, receiveEarlyAcceptance)
	protocol.AddStep(d, "receive-acceptance", accepted, acceptance, receiveAcceptance)
	return d
}

func acceptanceChallenge(mediator, signer, recipient identity.Identity) []byte {
	return bytes.Join([][]byte{mediator.Bytes(), signer.Bytes(), recipient.Bytes()}, nil)
}

func introduceContacts(c *protocol.Context, _ protocol.InitialState, m Introduce) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.A == m.B {
		return nil, protocol.Discard("cannot introduce %s to itself", m.A)
	}
	var contacts [2]*identity.Contact
	for i, id := range []identity.Identity{m.A, m.B} {
		contact, err := c.Identities().Contact(c.Owned(), id)
		if identity.ErrIsNotFound(err) {
			return nil, protocol.Discard("%s is not a contact", id)
		}
		if err != nil {
			return nil, err
		}
		contacts[i] = contact
	}
	if err := c.Send(protocol.ToContacts(m.A), Introduction{Other: m.B, Details: contacts[1].Details}); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToContacts(m.B), Introduction{Other: m.A, Details: contacts[0].Details}); err != nil {
		return nil, err
	}
	return Introduced{A: m.A, B: m.B}, nil
}

func receiveIntroduction(c *protocol.Context, _ protocol.InitialState, m Introduction) (protocol.State, error) {
	mediator, err := c.RequireFromContact()
	if err != nil {
		return nil, err
	}
	if m.Other == c.Owned() || m.Other == mediator {
		return nil, protocol.Discard("introduction to %s makes no sense", m.Other)
	}
	c.Notify(NotificationIntroduced, mediator.Encode(), m.Other.Encode(), m.Details.Encode())
	return Pending{ID: StateInvitationReceived, Mediator: mediator, Other: m.Other, Details: m.Details}, nil
}

func acceptIntroduction(c *protocol.Context, s Pending, _ Accept) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	owned, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	proof, err := c.SolveChallenge(crypto.ChallengeMutualIntroduction, acceptanceChallenge(s.Mediator, c.Owned(), s.Other))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(s.Other), Acceptance{Details: owned.Details, Proof: proof}); err != nil {
		return nil, err
	}
	if s.OtherAccepted {
		return finish(c, s)
	}
	s.ID = StateAccepted
	return s, nil
}

func rejectIntroduction(c *protocol.Context, s Pending, _ Reject) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	s.ID = StateRejected
	return s, nil
}

func verifyAcceptance(c *protocol.Context, s Pending, m Acceptance) error {
	from := c.Origin().Identity
	if c.Channel().Kind != protocol.ChannelAsymmetric || from != s.Other {
		return protocol.Discard("acceptance from %s over %s", from, c.Channel().Kind)
	}
	if !c.CheckResponse(m.Proof, crypto.ChallengeMutualIntroduction, acceptanceChallenge(s.Mediator, from, c.Owned()), from) {
		return protocol.Hostile("invalid introduction acceptance from %s", from)
	}
	return nil
}

func receiveEarlyAcceptance(c *protocol.Context, s Pending, m Acceptance) (protocol.State, error) {
	if err := verifyAcceptance(c, s, m); err != nil {
		return nil, err
	}
	s.OtherAccepted = true
	if err := m.Details.Validate(); err == nil {
		s.Details = m.Details
	}
	return s, nil
}

func receiveAcceptance(c *protocol.Context, s Pending, m Acceptance) (protocol.State, error) {
	if err := verifyAcceptance(c, s, m); err != nil {
		return nil, err
	}
	if err := m.Details.Validate(); err == nil {
		s.Details = m.Details
	}
	return finish(c, s)
}

func finish(c *protocol.Context, s Pending) (protocol.State, error) {
	origin := identity.TrustOrigin{Kind: identity.TrustIntroduction, Timestamp: c.Now(), Mediator: s.Mediator}
	if err := c.Identities().AddContact(c.Owned(), s.Other, s.Details, origin); err != nil {
		return nil, err
	}
	if err := c.SendTo(protocol.Target{Protocol: devicediscovery.ID, UID: c.NewUID()}, protocol.ToLocal(),
		devicediscovery.Start{Remote: s.Other}); err != nil {
		return nil, err
	}
	c.Notify(NotificationAccepted, s.Mediator.Encode(), s.Other.Encode())
	s.ID = StateFinished
	return s, nil
}
