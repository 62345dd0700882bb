package groups

import (
	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

// Invitation state ids
const (
	StateInvited  protocol.StateID = 1
	StateAccepted protocol.StateID = 2
	StateDeclined protocol.StateID = 3
)

// Invited is the invitee's state; Accepted and Declined reuse the type
type Invited struct {
	ID    protocol.StateID
	Owner identity.Identity
	Group encoding.UID
	Name  string
}

func (s Invited) StateID() protocol.StateID { return s.ID }

func (s Invited) Encode() encoding.Encoded {
	return encoding.OfList(s.Owner.Encode(), encoding.OfUID(s.Group), encoding.OfString(s.Name))
}

func decodeInvited(id protocol.StateID) func(encoding.Encoded) (Invited, error) {
	return func(e encoding.Encoded) (Invited, error) {
		r := wire.List(e, 3)
		s := Invited{ID: id, Owner: r.Identity(), Group: r.UID(), Name: r.String()}
		return s, r.Err()
	}
}

type Invitation struct {
	Group encoding.UID
	Name  string
	Proof []byte
}

func (Invitation) MessageID() protocol.MessageID { return 0 }

func (m Invitation) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfUID(m.Group), encoding.OfString(m.Name), encoding.OfBytes(m.Proof)}
}

func decodeInvitation(in protocol.Inputs) (Invitation, error) {
	r := wire.Inputs(in, 3)
	m := Invitation{Group: r.UID(), Name: r.String(), Proof: r.Bytes()}
	return m, r.Err()
}

type Accept struct{}

func (Accept) MessageID() protocol.MessageID { return 1 }
func (Accept) Encode() []encoding.Encoded    { return nil }

type Decline struct{}

func (Decline) MessageID() protocol.MessageID { return 2 }
func (Decline) Encode() []encoding.Encoded    { return nil }

func InvitationDefinition() *protocol.Definition {
	d := protocol.NewDefinition(InvitationID, "group-invitation")

	invited := protocol.DeclareState(d, StateInvited, "invited", decodeInvited(StateInvited))
	protocol.DeclareFinalState(d, StateAccepted, "accepted", decodeInvited(StateAccepted))
	protocol.DeclareFinalState(d, StateDeclined, "declined", decodeInvited(StateDeclined))

	invitation := protocol.DeclareMessage(d, 0, "invitation", decodeInvitation, protocol.Initiation())
	accept := protocol.DeclareMessage(d, 1, "accept", protocol.NoInputs(Accept{}))
	decline := protocol.DeclareMessage(d, 2, "decline", protocol.NoInputs(Decline{}))

	protocol.AddStep(d, "receive-invitation", d.Initial(), invitation, receiveInvitation)
	protocol.AddStep(d, "accept", invited, accept, acceptInvitation)
	protocol.AddStep(d, "decline", invited, decline, declineInvitation)
	return d
}

func receiveInvitation(c *protocol.Context, _ protocol.InitialState, m Invitation) (protocol.State, error) {
	owner, err := c.RequireFromContact()
	if err != nil {
		return nil, err
	}
	if !c.CheckResponse(m.Proof, crypto.ChallengeGroupInvitation, invitationChallenge(m.Group, c.Owned()), owner) {
		return nil, protocol.Hostile("invalid group invitation proof from %s", owner)
	}
	c.Notify(NotificationInvitation, owner.Encode(), encoding.OfUID(m.Group), encoding.OfString(m.Name))
	return Invited{ID: StateInvited, Owner: owner, Group: m.Group, Name: m.Name}, nil
}

func respond(c *protocol.Context, s Invited, accepted bool) error {
	return c.SendTo(protocol.Target{Protocol: ManagementID, UID: s.Group}, protocol.ToContacts(s.Owner),
		InvitationResponse{Accepted: accepted})
}

func acceptInvitation(c *protocol.Context, s Invited, _ Accept) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	_, err := c.Identities().Group(c.Owned(), s.Owner, s.Group)
	if identity.ErrIsNotFound(err) {
		// placeholder until the owner sends the membership
		err = c.Identities().SaveGroup(&identity.Group{
			Owned:   c.Owned(),
			Owner:   s.Owner,
			UID:     s.Group,
			Name:    s.Name,
			Pending: []identity.Identity{c.Owned()},
		})
	}
	if err != nil {
		return nil, err
	}
	if err := respond(c, s, true); err != nil {
		return nil, err
	}
	s.ID = StateAccepted
	return s, nil
}

func declineInvitation(c *protocol.Context, s Invited, _ Decline) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := respond(c, s, false); err != nil {
		return nil, err
	}
	s.ID = StateDeclined
	return s, nil
}
