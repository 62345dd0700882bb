package groups

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

// Management state ids
const (
	StateManaging  protocol.StateID = 1
	StateDisbanded protocol.StateID = 2
	StateLeft      protocol.StateID = 3
)

// Managing is the state of a live group instance. Membership itself lives in
// the group record.
type Managing struct {
	ID    protocol.StateID
	Owner identity.Identity
}

func (s Managing) StateID() protocol.StateID { return s.ID }

func (s Managing) Encode() encoding.Encoded { return encoding.OfList(s.Owner.Encode()) }

func decodeManaging(id protocol.StateID) func(encoding.Encoded) (Managing, error) {
	return func(e encoding.Encoded) (Managing, error) {
		r := wire.List(e, 1)
		s := Managing{ID: id, Owner: r.Identity()}
		return s, r.Err()
	}
}

type InvitationResponse struct {
	Accepted bool
}

func (InvitationResponse) MessageID() protocol.MessageID { return 0 }

func (m InvitationResponse) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBool(m.Accepted)}
}

func decodeInvitationResponse(in protocol.Inputs) (InvitationResponse, error) {
	r := wire.Inputs(in, 1)
	m := InvitationResponse{Accepted: r.Bool()}
	return m, r.Err()
}

type AddMembers struct {
	Members []identity.Identity
}

func (AddMembers) MessageID() protocol.MessageID { return 1 }

func (m AddMembers) Encode() []encoding.Encoded {
	return []encoding.Encoded{identity.EncodeList(m.Members)}
}

func decodeAddMembers(in protocol.Inputs) (AddMembers, error) {
	r := wire.Inputs(in, 1)
	m := AddMembers{Members: r.Identities()}
	return m, r.Err()
}

type RemoveMembers struct {
	Members []identity.Identity
}

func (RemoveMembers) MessageID() protocol.MessageID { return 2 }

func (m RemoveMembers) Encode() []encoding.Encoded {
	return []encoding.Encoded{identity.EncodeList(m.Members)}
}

func decodeRemoveMembers(in protocol.Inputs) (RemoveMembers, error) {
	r := wire.Inputs(in, 1)
	m := RemoveMembers{Members: r.Identities()}
	return m, r.Err()
}

// Leave leaves the group of Owner
type Leave struct {
	Owner identity.Identity
}

func (Leave) MessageID() protocol.MessageID { return 3 }

func (m Leave) Encode() []encoding.Encoded { return []encoding.Encoded{m.Owner.Encode()} }

func decodeLeave(in protocol.Inputs) (Leave, error) {
	r := wire.Inputs(in, 1)
	m := Leave{Owner: r.Identity()}
	return m, r.Err()
}

type LeaveNotice struct {
	Owner identity.Identity
}

func (LeaveNotice) MessageID() protocol.MessageID { return 4 }

func (m LeaveNotice) Encode() []encoding.Encoded { return []encoding.Encoded{m.Owner.Encode()} }

func decodeLeaveNotice(in protocol.Inputs) (LeaveNotice, error) {
	r := wire.Inputs(in, 1)
	m := LeaveNotice{Owner: r.Identity()}
	return m, r.Err()
}

type Disband struct{}

func (Disband) MessageID() protocol.MessageID { return 5 }
func (Disband) Encode() []encoding.Encoded    { return nil }

type DisbandNotice struct{}

func (DisbandNotice) MessageID() protocol.MessageID { return 6 }
func (DisbandNotice) Encode() []encoding.Encoded    { return nil }

type Kicked struct{}

func (Kicked) MessageID() protocol.MessageID { return 7 }
func (Kicked) Encode() []encoding.Encoded    { return nil }

// MembershipUpdate is the owner's authoritative view of the group
type MembershipUpdate struct {
	Owner   identity.Identity
	Name    string
	Version int
	Members []identity.Identity
	Pending []identity.Identity
}

func (MembershipUpdate) MessageID() protocol.MessageID { return 8 }

func (m MembershipUpdate) Encode() []encoding.Encoded {
	return []encoding.Encoded{
		m.Owner.Encode(),
		encoding.OfString(m.Name),
		encoding.OfInt(int64(m.Version)),
		identity.EncodeList(m.Members),
		identity.EncodeList(m.Pending),
	}
}

func decodeMembershipUpdate(in protocol.Inputs) (MembershipUpdate, error) {
	r := wire.Inputs(in, 5)
	m := MembershipUpdate{Owner: r.Identity(), Name: r.String(), Version: r.Int(), Members: r.Identities(), Pending: r.Identities()}
	return m, r.Err()
}

func updateOf(g *identity.Group) MembershipUpdate {
	return MembershipUpdate{Owner: g.Owner, Name: g.Name, Version: g.Version, Members: g.Members, Pending: g.Pending}
}

func ManagementDefinition() *protocol.Definition {
	d := protocol.NewDefinition(ManagementID, "group-management")

	managing := protocol.DeclareState(d, StateManaging, "managing", decodeManaging(StateManaging))
	protocol.DeclareFinalState(d, StateDisbanded, "disbanded", decodeManaging(StateDisbanded))
	// a member who left can be invited again, so left is not final
	left := protocol.DeclareState(d, StateLeft, "left", decodeManaging(StateLeft))

	initiation := protocol.Initiation()
	onAny(d, managing, left, "process-invitation-response",
		protocol.DeclareMessage(d, 0, "invitationResponse", decodeInvitationResponse, initiation), processInvitationResponse)
	onAny(d, managing, left, "add-members",
		protocol.DeclareMessage(d, 1, "addMembers", decodeAddMembers, initiation), addMembers)
	onAny(d, managing, left, "remove-members",
		protocol.DeclareMessage(d, 2, "removeMembers", decodeRemoveMembers, initiation), removeMembers)
	onAny(d, managing, left, "leave",
		protocol.DeclareMessage(d, 3, "leave", decodeLeave, initiation), leave)
	onAny(d, managing, left, "process-leave-notice",
		protocol.DeclareMessage(d, 4, "leaveNotice", decodeLeaveNotice, initiation), processLeaveNotice)
	onAny(d, managing, left, "disband",
		protocol.DeclareMessage(d, 5, "disband", protocol.NoInputs(Disband{}), initiation), disband)
	onAny(d, managing, left, "process-disband-notice",
		protocol.DeclareMessage(d, 6, "disbandNotice", protocol.NoInputs(DisbandNotice{}), initiation), processDisbandNotice)
	onAny(d, managing, left, "process-kick",
		protocol.DeclareMessage(d, 7, "kicked", protocol.NoInputs(Kicked{}), initiation), processKick)
	onAny(d, managing, left, "apply-membership-update",
		protocol.DeclareMessage(d, 8, "membershipUpdate", decodeMembershipUpdate, initiation), applyMembershipUpdate)
	return d
}

// onAny registers run for a fresh instance, a managing one and one whose
// member left
func onAny[M protocol.Message](d *protocol.Definition, managing, left protocol.StateKind[Managing], name string, on protocol.MessageKind[M], run func(*protocol.Context, M) (protocol.State, error)) {
	protocol.AddStep(d, name, d.Initial(), on, func(c *protocol.Context, _ protocol.InitialState, m M) (protocol.State, error) {
		return run(c, m)
	})
	for _, kind := range []protocol.StateKind[Managing]{managing, left} {
		protocol.AddStep(d, name, kind, on, func(c *protocol.Context, _ Managing, m M) (protocol.State, error) {
			return run(c, m)
		})
	}
}

func managingFor(owner identity.Identity) Managing {
	return Managing{ID: StateManaging, Owner: owner}
}

// sender returns the identity behind an oblivious message, which is either
// another owned device or a contact
func sender(c *protocol.Context) (identity.Identity, error) {
	if c.RequireFromOwnedDevice() == nil {
		return c.Owned(), nil
	}
	return c.RequireFromContact()
}

func group(c *protocol.Context, owner identity.Identity) (*identity.Group, error) {
	g, err := c.Identities().Group(c.Owned(), owner, c.InstanceUID())
	if identity.ErrIsNotFound(err) {
		return nil, protocol.Discard("unknown group %s", c.InstanceUID().Short())
	}
	return g, err
}

// save bumps the version of a group the owned identity administers and sends it out
func save(c *protocol.Context, g *identity.Group) error {
	g.Version++
	if err := c.Identities().SaveGroup(g); err != nil {
		return err
	}
	if err := broadcast(c, g); err != nil {
		return err
	}
	c.Notify(NotificationUpdated, encoding.OfUID(g.UID), encoding.OfInt(int64(g.Version)))
	return nil
}

func processInvitationResponse(c *protocol.Context, m InvitationResponse) (protocol.State, error) {
	member, err := c.RequireFromContact()
	if err != nil {
		return nil, err
	}
	g, err := group(c, c.Owned())
	if err != nil {
		return nil, err
	}
	if !identity.Contains(g.Pending, member) {
		return nil, protocol.Discard("%s was not invited", member)
	}
	g.Pending = identity.Remove(g.Pending, member)
	if m.Accepted {
		g.Members = append(g.Members, member)
	}
	if err := save(c, g); err != nil {
		return nil, err
	}
	return managingFor(c.Owned()), nil
}

func addMembers(c *protocol.Context, m AddMembers) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	g, err := group(c, c.Owned())
	if err != nil {
		return nil, err
	}
	var added []identity.Identity
	for _, id := range m.Members {
		if !identity.Contains(g.Members, id) && !identity.Contains(g.Pending, id) && !identity.Contains(added, id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return nil, protocol.Discard("no new member")
	}
	if err := contactsOnly(c, added); err != nil {
		return nil, err
	}
	g.Pending = append(g.Pending, added...)
	for _, id := range added {
		if err := invite(c, g, id); err != nil {
			return nil, err
		}
	}
	if err := save(c, g); err != nil {
		return nil, err
	}
	return managingFor(c.Owned()), nil
}

func removeMembers(c *protocol.Context, m RemoveMembers) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	g, err := group(c, c.Owned())
	if err != nil {
		return nil, err
	}
	var removed []identity.Identity
	for _, id := range m.Members {
		if identity.Contains(g.Members, id) || identity.Contains(g.Pending, id) {
			g.Members = identity.Remove(g.Members, id)
			g.Pending = identity.Remove(g.Pending, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, protocol.Discard("nobody to remove")
	}
	if err := c.Send(protocol.ToContacts(removed...), Kicked{}); err != nil {
		return nil, err
	}
	if err := save(c, g); err != nil {
		return nil, err
	}
	return managingFor(c.Owned()), nil
}

func leave(c *protocol.Context, m Leave) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.Owner == c.Owned() {
		return nil, protocol.Discard("the owner disbands instead of leaving")
	}
	if _, err := group(c, m.Owner); err != nil {
		return nil, err
	}
	if err := c.Identities().DeleteGroup(c.Owned(), m.Owner, c.InstanceUID()); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToContacts(m.Owner), LeaveNotice{Owner: m.Owner}); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToOwnedDevices(), LeaveNotice{Owner: m.Owner}); err != nil {
		return nil, err
	}
	return Managing{ID: StateLeft, Owner: m.Owner}, nil
}

func processLeaveNotice(c *protocol.Context, m LeaveNotice) (protocol.State, error) {
	from, err := sender(c)
	if err != nil {
		return nil, err
	}
	if from == c.Owned() {
		// another owned device left the group
		if _, err := group(c, m.Owner); err != nil {
			return nil, err
		}
		if err := c.Identities().DeleteGroup(c.Owned(), m.Owner, c.InstanceUID()); err != nil {
			return nil, err
		}
		return Managing{ID: StateLeft, Owner: m.Owner}, nil
	}

	if m.Owner != c.Owned() {
		return nil, protocol.Discard("leave notice for a group of %s", m.Owner)
	}
	g, err := group(c, c.Owned())
	if err != nil {
		return nil, err
	}
	if !identity.Contains(g.Members, from) && !identity.Contains(g.Pending, from) {
		return nil, protocol.Discard("%s is not a member", from)
	}
	g.Members = identity.Remove(g.Members, from)
	g.Pending = identity.Remove(g.Pending, from)
	if err := save(c, g); err != nil {
		return nil, err
	}
	return managingFor(c.Owned()), nil
}

func disband(c *protocol.Context, _ Disband) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	g, err := group(c, c.Owned())
	if err != nil {
		return nil, err
	}
	if recipients := g.Recipients(); len(recipients) > 0 {
		if err := c.Send(protocol.ToContacts(recipients...), DisbandNotice{}); err != nil {
			return nil, err
		}
	}
	if err := c.Send(protocol.ToOwnedDevices(), DisbandNotice{}); err != nil {
		return nil, err
	}
	if err := c.Identities().DeleteGroup(c.Owned(), c.Owned(), g.UID); err != nil {
		return nil, err
	}
	c.Notify(NotificationDisbanded, encoding.OfUID(g.UID))
	return Managing{ID: StateDisbanded, Owner: c.Owned()}, nil
}

func processDisbandNotice(c *protocol.Context, _ DisbandNotice) (protocol.State, error) {
	owner, err := sender(c)
	if err != nil {
		return nil, err
	}
	g, err := group(c, owner)
	if err != nil {
		return nil, err
	}
	if err := c.Identities().DeleteGroup(c.Owned(), owner, g.UID); err != nil {
		return nil, err
	}
	c.Notify(NotificationDisbanded, encoding.OfUID(g.UID))
	return Managing{ID: StateDisbanded, Owner: owner}, nil
}

func processKick(c *protocol.Context, _ Kicked) (protocol.State, error) {
	owner, err := c.RequireFromContact()
	if err != nil {
		return nil, err
	}
	g, err := group(c, owner)
	if err != nil {
		return nil, err
	}
	if err := c.Identities().DeleteGroup(c.Owned(), owner, g.UID); err != nil {
		return nil, err
	}
	c.Notify(NotificationKicked, encoding.OfUID(g.UID))
	return managingFor(owner), nil
}

func applyMembershipUpdate(c *protocol.Context, m MembershipUpdate) (protocol.State, error) {
	from, err := sender(c)
	if err != nil {
		return nil, err
	}
	if from != m.Owner {
		return nil, protocol.Discard("membership of %s sent by %s", m.Owner, from)
	}
	ids := c.Identities()
	existing, err := ids.Group(c.Owned(), m.Owner, c.InstanceUID())
	if err != nil && !identity.ErrIsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.Version >= m.Version {
		return nil, protocol.Discard("stale membership version %d", m.Version)
	}

	owned := c.Owned()
	member := m.Owner == owned || identity.Contains(m.Members, owned)
	if !member && !identity.Contains(m.Pending, owned) {
		if existing != nil {
			if err := ids.DeleteGroup(owned, m.Owner, c.InstanceUID()); err != nil {
				return nil, err
			}
			c.Notify(NotificationKicked, encoding.OfUID(c.InstanceUID()))
		}
		return managingFor(m.Owner), nil
	}
	if existing == nil && !member {
		// invitation not accepted on this device
		return managingFor(m.Owner), nil
	}

	g := &identity.Group{
		Owned:   owned,
		Owner:   m.Owner,
		UID:     c.InstanceUID(),
		Name:    m.Name,
		Version: m.Version,
		Members: m.Members,
		Pending: m.Pending,
	}
	if err := ids.SaveGroup(g); err != nil {
		return nil, err
	}
	c.Notify(NotificationUpdated, encoding.OfUID(g.UID), encoding.OfInt(int64(g.Version)))
	return managingFor(m.Owner), nil
}
