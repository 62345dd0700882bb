// Package trustestablishment makes two identities contacts of each other.
//
// The inviter sends its details and a random challenge, signed, to the public
// key of the invitee. Once the invitee accepts, it answers with its own details
// and a proof over the same challenge; the inviter then adds the contact and
// starts device discovery. Either side may back out before that.
package trustestablishment

import (
	"bytes"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 3

// InvitationTimeout is how long an inviter waits for an answer
const InvitationTimeout = 7 * 24 * time.Hour

const challengeSize = 32

// Notifications
const (
	NotificationInvitation = "trust_invitation"
	NotificationRejected   = "trust_rejected"
	NotificationAborted    = "trust_aborted"
	NotificationExpired    = "trust_expired"
)

// State ids
const (
	StateWaitingForConfirmation protocol.StateID = 1
	StateInvitationReceived     protocol.StateID = 2
	StateFinished               protocol.StateID = 3
	StateRejected               protocol.StateID = 4
	StateAborted                protocol.StateID = 5
	StateExpired                protocol.StateID = 6
	StateAlreadyTrusted         protocol.StateID = 7
)

type WaitingForConfirmation struct {
	Contact   identity.Identity
	Challenge []byte
}

func (WaitingForConfirmation) StateID() protocol.StateID { return StateWaitingForConfirmation }

func (s WaitingForConfirmation) Encode() encoding.Encoded {
	return encoding.OfList(s.Contact.Encode(), encoding.OfBytes(s.Challenge))
}

func decodeWaitingForConfirmation(e encoding.Encoded) (WaitingForConfirmation, error) {
	r := wire.List(e, 2)
	s := WaitingForConfirmation{Contact: r.Identity(), Challenge: r.Bytes()}
	return s, r.Err()
}

type InvitationReceived struct {
	Inviter   identity.Identity
	Details   identity.Details
	Challenge []byte
}

func (InvitationReceived) StateID() protocol.StateID { return StateInvitationReceived }

func (s InvitationReceived) Encode() encoding.Encoded {
	return encoding.OfList(s.Inviter.Encode(), s.Details.Encode(), encoding.OfBytes(s.Challenge))
}

func decodeInvitationReceived(e encoding.Encoded) (InvitationReceived, error) {
	r := wire.List(e, 3)
	s := InvitationReceived{Inviter: r.Identity(), Details: r.Details(), Challenge: r.Bytes()}
	return s, r.Err()
}

// Ended is shared by every final state; it remembers the other party
type Ended struct {
	ID      protocol.StateID
	Contact identity.Identity
}

func (s Ended) StateID() protocol.StateID { return s.ID }

func (s Ended) Encode() encoding.Encoded { return encoding.OfList(s.Contact.Encode()) }

func decodeEnded(id protocol.StateID) func(encoding.Encoded) (Ended, error) {
	return func(e encoding.Encoded) (Ended, error) {
		r := wire.List(e, 1)
		s := Ended{ID: id, Contact: r.Identity()}
		return s, r.Err()
	}
}

// Initiate invites Contact
type Initiate struct {
	Contact identity.Identity
}

func (Initiate) MessageID() protocol.MessageID { return 0 }

func (m Initiate) Encode() []encoding.Encoded { return []encoding.Encoded{m.Contact.Encode()} }

func decodeInitiate(in protocol.Inputs) (Initiate, error) {
	r := wire.Inputs(in, 1)
	m := Initiate{Contact: r.Identity()}
	return m, r.Err()
}

type Invitation struct {
	Details   identity.Details
	Challenge []byte
	Proof     []byte
}

func (Invitation) MessageID() protocol.MessageID { return 1 }

func (m Invitation) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Details.Encode(), encoding.OfBytes(m.Challenge), encoding.OfBytes(m.Proof)}
}

func decodeInvitation(in protocol.Inputs) (Invitation, error) {
	r := wire.Inputs(in, 3)
	m := Invitation{Details: r.Details(), Challenge: r.Bytes(), Proof: r.Bytes()}
	return m, r.Err()
}

type Accept struct{}

func (Accept) MessageID() protocol.MessageID { return 2 }
func (Accept) Encode() []encoding.Encoded    { return nil }

type Reject struct{}

func (Reject) MessageID() protocol.MessageID { return 3 }
func (Reject) Encode() []encoding.Encoded    { return nil }

// Confirmation carries the invitee's details and its proof over the challenge
type Confirmation struct {
	Details identity.Details
	Proof   []byte
}

func (Confirmation) MessageID() protocol.MessageID { return 4 }

func (m Confirmation) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Details.Encode(), encoding.OfBytes(m.Proof)}
}

func decodeConfirmation(in protocol.Inputs) (Confirmation, error) {
	r := wire.Inputs(in, 2)
	m := Confirmation{Details: r.Details(), Proof: r.Bytes()}
	return m, r.Err()
}

type Rejection struct {
	Proof []byte
}

func (Rejection) MessageID() protocol.MessageID { return 5 }

func (m Rejection) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfBytes(m.Proof)} }

func decodeRejection(in protocol.Inputs) (Rejection, error) {
	r := wire.Inputs(in, 1)
	m := Rejection{Proof: r.Bytes()}
	return m, r.Err()
}

type Abort struct{}

func (Abort) MessageID() protocol.MessageID { return 6 }
func (Abort) Encode() []encoding.Encoded    { return nil }

type AbortNotice struct {
	Proof []byte
}

func (AbortNotice) MessageID() protocol.MessageID { return 7 }

func (m AbortNotice) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfBytes(m.Proof)} }

func decodeAbortNotice(in protocol.Inputs) (AbortNotice, error) {
	r := wire.Inputs(in, 1)
	m := AbortNotice{Proof: r.Bytes()}
	return m, r.Err()
}

type Timeout struct{}

func (Timeout) MessageID() protocol.MessageID { return 8 }
func (Timeout) Encode() []encoding.Encoded    { return nil }

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "trust-establishment")

	waiting := protocol.DeclareState(d, StateWaitingForConfirmation, "waitingForConfirmation", decodeWaitingForConfirmation)
	received := protocol.DeclareState(d, StateInvitationReceived, "invitationReceived", decodeInvitationReceived)
	protocol.DeclareFinalState(d, StateFinished, "finished", decodeEnded(StateFinished))
	protocol.DeclareFinalState(d, StateRejected, "rejected", decodeEnded(StateRejected))
	protocol.DeclareFinalState(d, StateAborted, "aborted", decodeEnded(StateAborted))
	protocol.DeclareFinalState(d, StateExpired, "expired", decodeEnded(StateExpired))
	protocol.DeclareFinalState(d, StateAlreadyTrusted, "alreadyTrusted", decodeEnded(StateAlreadyTrusted))

	initiate := protocol.DeclareMessage(d, 0, "initiate", decodeInitiate, protocol.Initiation())
	invitation := protocol.DeclareMessage(d, 1, "invitation", decodeInvitation, protocol.Initiation())
	accept := protocol.DeclareMessage(d, 2, "accept", protocol.NoInputs(Accept{}))
	reject := protocol.DeclareMessage(d, 3, "reject", protocol.NoInputs(Reject{}))
	confirmation := protocol.DeclareMessage(d, 4, "confirmation", decodeConfirmation)
	rejection := protocol.DeclareMessage(d, 5, "rejection", decodeRejection)
	abort := protocol.DeclareMessage(d, 6, "abort", protocol.NoInputs(Abort{}))
	abortNotice := protocol.DeclareMessage(d, 7, "abortNotice", decodeAbortNotice)
	timeout := protocol.DeclareMessage(d, 8, "timeout", protocol.NoInputs(Timeout{}))

	protocol.AddStep(d, "send-invitation", d.Initial(), initiate, sendInvitation)
	protocol.AddStep(d, "receive-invitation", d.Initial(), invitation, receiveInvitation)
	protocol.AddStep(d, "accept-invitation", received, accept, acceptStep)
	protocol.AddStep(d, "reject-invitation", received, reject, rejectInvitation)
	protocol.AddStep(d, "receive-abort", received, abortNotice, receiveAbort)
	protocol.AddStep(d, "receive-confirmation", waiting, confirmation, receiveConfirmation)
	protocol.AddStep(d, "receive-rejection", waiting, rejection, receiveRejection)
	protocol.AddStep(d, "abort", waiting, abort, abortInvitation)
	protocol.AddStep(d, "expire", waiting, timeout, expire)
	return d
}

// Challenges bind the purpose, the challenge and both parties, inviter first
type purpose byte

const (
	purposeInvite purpose = iota + 1
	purposeConfirm
	purposeReject
	purposeAbort
)

func challengeFor(p purpose, challenge []byte, inviter, invitee identity.Identity) []byte {
	return bytes.Join([][]byte{{byte(p)}, challenge, inviter.Bytes(), invitee.Bytes()}, nil)
}

func ownDetails(c *protocol.Context) (identity.Details, error) {
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return identity.Details{}, err
	}
	return o.Details, nil
}

func discover(c *protocol.Context, contact identity.Identity) error {
	return c.SendTo(protocol.Target{Protocol: devicediscovery.ID, UID: c.NewUID()}, protocol.ToLocal(),
		devicediscovery.Start{Remote: contact})
}

func sendInvitation(c *protocol.Context, _ protocol.InitialState, m Initiate) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.Contact == c.Owned() {
		return nil, protocol.Discard("cannot invite the owned identity")
	}
	known, err := identity.IsContact(c.Identities(), c.Owned(), m.Contact)
	if err != nil {
		return nil, err
	}
	if known {
		return Ended{ID: StateAlreadyTrusted, Contact: m.Contact}, nil
	}

	details, err := ownDetails(c)
	if err != nil {
		return nil, err
	}
	challenge := c.PRNG().Bytes(challengeSize)
	proof, err := c.SolveChallenge(crypto.ChallengeTrustEstablishment, challengeFor(purposeInvite, challenge, c.Owned(), m.Contact))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(m.Contact), Invitation{Details: details, Challenge: challenge, Proof: proof}); err != nil {
		return nil, err
	}
	if err := c.Schedule(InvitationTimeout, Timeout{}); err != nil {
		return nil, err
	}
	return WaitingForConfirmation{Contact: m.Contact, Challenge: challenge}, nil
}

func receiveInvitation(c *protocol.Context, _ protocol.InitialState, m Invitation) (protocol.State, error) {
	inviter := c.Origin().Identity
	if inviter.IsZero() || inviter == c.Owned() {
		return nil, protocol.Discard("invitation without a valid inviter")
	}
	if len(m.Challenge) != challengeSize {
		return nil, protocol.Discard("invitation challenge has %d bytes", len(m.Challenge))
	}
	if !c.CheckResponse(m.Proof, crypto.ChallengeTrustEstablishment, challengeFor(purposeInvite, m.Challenge, inviter, c.Owned()), inviter) {
		return nil, protocol.Hostile("invalid invitation proof from %s", inviter)
	}

	known, err := identity.IsContact(c.Identities(), c.Owned(), inviter)
	if err != nil {
		return nil, err
	}
	s := InvitationReceived{Inviter: inviter, Details: m.Details, Challenge: m.Challenge}
	if known {
		return acceptInvitation(c, s)
	}
	c.Notify(NotificationInvitation, inviter.Encode(), m.Details.Encode())
	return s, nil
}

func acceptStep(c *protocol.Context, s InvitationReceived, _ Accept) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	return acceptInvitation(c, s)
}

func acceptInvitation(c *protocol.Context, s InvitationReceived) (protocol.State, error) {
	details, err := ownDetails(c)
	if err != nil {
		return nil, err
	}
	proof, err := c.SolveChallenge(crypto.ChallengeTrustEstablishment, challengeFor(purposeConfirm, s.Challenge, s.Inviter, c.Owned()))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(s.Inviter), Confirmation{Details: details, Proof: proof}); err != nil {
		return nil, err
	}
	err = c.Identities().AddContact(c.Owned(), s.Inviter, s.Details, identity.TrustOrigin{Kind: identity.TrustDirect, Timestamp: c.Now()})
	if err != nil {
		return nil, err
	}
	if err := discover(c, s.Inviter); err != nil {
		return nil, err
	}
	return Ended{ID: StateFinished, Contact: s.Inviter}, nil
}

func rejectInvitation(c *protocol.Context, s InvitationReceived, _ Reject) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	proof, err := c.SolveChallenge(crypto.ChallengeTrustEstablishment, challengeFor(purposeReject, s.Challenge, s.Inviter, c.Owned()))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(s.Inviter), Rejection{Proof: proof}); err != nil {
		return nil, err
	}
	return Ended{ID: StateRejected, Contact: s.Inviter}, nil
}

func receiveAbort(c *protocol.Context, s InvitationReceived, m AbortNotice) (protocol.State, error) {
	if !c.CheckResponse(m.Proof, crypto.ChallengeTrustEstablishment, challengeFor(purposeAbort, s.Challenge, s.Inviter, c.Owned()), s.Inviter) {
		return nil, protocol.Hostile("invalid abort proof")
	}
	c.Notify(NotificationAborted, s.Inviter.Encode())
	return Ended{ID: StateAborted, Contact: s.Inviter}, nil
}

func receiveConfirmation(c *protocol.Context, s WaitingForConfirmation, m Confirmation) (protocol.State, error) {
	if c.Origin().Identity != s.Contact {
		return nil, protocol.Discard("confirmation from %s, expected %s", c.Origin().Identity, s.Contact)
	}
	if !c.CheckResponse(m.Proof, crypto.ChallengeTrustEstablishment, challengeFor(purposeConfirm, s.Challenge, c.Owned(), s.Contact), s.Contact) {
		return nil, protocol.Hostile("invalid confirmation proof from %s", s.Contact)
	}
	err := c.Identities().AddContact(c.Owned(), s.Contact, m.Details, identity.TrustOrigin{Kind: identity.TrustDirect, Timestamp: c.Now()})
	if err != nil {
		return nil, err
	}
	if err := discover(c, s.Contact); err != nil {
		return nil, err
	}
	return Ended{ID: StateFinished, Contact: s.Contact}, nil
}

func receiveRejection(c *protocol.Context, s WaitingForConfirmation, m Rejection) (protocol.State, error) {
	if !c.CheckResponse(m.Proof, crypto.ChallengeTrustEstablishment, challengeFor(purposeReject, s.Challenge, c.Owned(), s.Contact), s.Contact) {
		return nil, protocol.Hostile("invalid rejection proof from %s", s.Contact)
	}
	c.Notify(NotificationRejected, s.Contact.Encode())
	return Ended{ID: StateRejected, Contact: s.Contact}, nil
}

func abortInvitation(c *protocol.Context, s WaitingForConfirmation, _ Abort) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	proof, err := c.SolveChallenge(crypto.ChallengeTrustEstablishment, challengeFor(purposeAbort, s.Challenge, c.Owned(), s.Contact))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(s.Contact), AbortNotice{Proof: proof}); err != nil {
		return nil, err
	}
	return Ended{ID: StateAborted, Contact: s.Contact}, nil
}

func expire(c *protocol.Context, s WaitingForConfirmation, _ Timeout) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	c.Notify(NotificationExpired, s.Contact.Encode())
	return Ended{ID: StateExpired, Contact: s.Contact}, nil
}
