package groups

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

// Created is the final state of a creation; the instance UID is the group UID
type Created struct {
	Name    string
	Members []identity.Identity
}

func (Created) StateID() protocol.StateID { return 1 }

func (s Created) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfString(s.Name), identity.EncodeList(s.Members))
}

func decodeCreated(e encoding.Encoded) (Created, error) {
	r := wire.List(e, 2)
	s := Created{Name: r.String(), Members: r.Identities()}
	return s, r.Err()
}

// Create creates a group owned by the owned identity and invites Members
type Create struct {
	Name    string
	Members []identity.Identity
}

func (Create) MessageID() protocol.MessageID { return 0 }

func (m Create) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfString(m.Name), identity.EncodeList(m.Members)}
}

func decodeCreate(in protocol.Inputs) (Create, error) {
	r := wire.Inputs(in, 2)
	m := Create{Name: r.String(), Members: r.Identities()}
	return m, r.Err()
}

func CreationDefinition() *protocol.Definition {
	d := protocol.NewDefinition(CreationID, "group-creation")
	protocol.DeclareFinalState(d, 1, "created", decodeCreated)
	create := protocol.DeclareMessage(d, 0, "create", decodeCreate, protocol.Initiation())
	protocol.AddStep(d, "create-group", d.Initial(), create, createGroup)
	return d
}

func createGroup(c *protocol.Context, _ protocol.InitialState, m Create) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, protocol.Discard("group without a name")
	}
	var members []identity.Identity
	for _, id := range m.Members {
		if !identity.Contains(members, id) {
			members = append(members, id)
		}
	}
	if err := contactsOnly(c, members); err != nil {
		return nil, err
	}

	g := &identity.Group{
		Owned:   c.Owned(),
		Owner:   c.Owned(),
		UID:     c.InstanceUID(),
		Name:    m.Name,
		Version: 1,
		Pending: members,
	}
	if err := c.Identities().SaveGroup(g); err != nil {
		return nil, err
	}
	for _, id := range members {
		if err := invite(c, g, id); err != nil {
			return nil, err
		}
	}
	if err := c.SendTo(protocol.Target{Protocol: ManagementID, UID: g.UID}, protocol.ToOwnedDevices(), updateOf(g)); err != nil {
		return nil, err
	}
	c.Notify(NotificationCreated, encoding.OfUID(g.UID), encoding.OfString(g.Name))
	return Created{Name: m.Name, Members: members}, nil
}
