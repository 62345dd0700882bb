package keycloak

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const StateAdded protocol.StateID = 1

type Added struct {
	Contact identity.Identity
}

func (Added) StateID() protocol.StateID { return StateAdded }

func (s Added) Encode() encoding.Encoded { return encoding.OfList(s.Contact.Encode()) }

func decodeAdded(e encoding.Encoded) (Added, error) {
	r := wire.List(e, 1)
	s := Added{Contact: r.Identity()}
	return s, r.Err()
}

// AddContact adds a user found in the keycloak directory. Details must carry
// the keycloak signature.
type AddContact struct {
	Contact identity.Identity
	Details identity.Details
}

func (AddContact) MessageID() protocol.MessageID { return 0 }

func (m AddContact) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Contact.Encode(), m.Details.Encode()}
}

func decodeAddContact(in protocol.Inputs) (AddContact, error) {
	r := wire.Inputs(in, 2)
	m := AddContact{Contact: r.Identity(), Details: r.Details()}
	return m, r.Err()
}

// Invite carries the adder's signed details to the added contact
type Invite struct {
	Details identity.Details
}

func (Invite) MessageID() protocol.MessageID { return 1 }

func (m Invite) Encode() []encoding.Encoded { return []encoding.Encoded{m.Details.Encode()} }

func decodeInvite(in protocol.Inputs) (Invite, error) {
	r := wire.Inputs(in, 1)
	m := Invite{Details: r.Details()}
	return m, r.Err()
}

func ContactAdditionDefinition() *protocol.Definition {
	d := protocol.NewDefinition(ContactAdditionID, "keycloak-contact-addition")
	protocol.DeclareFinalState(d, StateAdded, "added", decodeAdded)

	add := protocol.DeclareMessage(d, 0, "addContact", decodeAddContact, protocol.Initiation())
	invite := protocol.DeclareMessage(d, 1, "invite", decodeInvite, protocol.Initiation())

	protocol.AddStep(d, "add-keycloak-contact", d.Initial(), add, addKeycloakContact)
	protocol.AddStep(d, "accept-keycloak-invite", d.Initial(), invite, acceptKeycloakInvite)
	return d
}

func trustKeycloakContact(c *protocol.Context, contact identity.Identity, details identity.Details) error {
	origin := identity.TrustOrigin{Kind: identity.TrustKeycloak, Timestamp: c.Now()}
	if err := c.Identities().AddContact(c.Owned(), contact, details, origin); err != nil {
		return err
	}
	if err := c.SendTo(protocol.Target{Protocol: devicediscovery.ID, UID: c.NewUID()}, protocol.ToLocal(),
		devicediscovery.Start{Remote: contact}); err != nil {
		return err
	}
	c.Notify(NotificationContactAdded, contact.Encode())
	return nil
}

func addKeycloakContact(c *protocol.Context, _ protocol.InitialState, m AddContact) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.Contact == c.Owned() {
		return nil, protocol.Discard("cannot add oneself")
	}
	b, err := binding(c)
	if err != nil {
		return nil, err
	}
	if !verifySigned(b.SignKey, m.Contact, m.Details) {
		return nil, protocol.Discard("details of %s are not signed by %s", m.Contact, b.ServerURL)
	}
	owned, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	if owned.Details.SignedByKeycloak == "" {
		return nil, protocol.Discard("own details are not signed yet")
	}
	if err := c.Send(protocol.ToAsymmetric(m.Contact), Invite{Details: owned.Details}); err != nil {
		return nil, err
	}
	if err := trustKeycloakContact(c, m.Contact, m.Details); err != nil {
		return nil, err
	}
	return Added{Contact: m.Contact}, nil
}

func acceptKeycloakInvite(c *protocol.Context, _ protocol.InitialState, m Invite) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelAsymmetric {
		return nil, protocol.Discard("keycloak invite over %s", c.Channel().Kind)
	}
	from := c.Origin().Identity
	b, err := binding(c)
	if err != nil {
		return nil, err
	}
	if !verifySigned(b.SignKey, from, m.Details) {
		return nil, protocol.Hostile("keycloak invite from %s with unsigned details", from)
	}
	if err := trustKeycloakContact(c, from, m.Details); err != nil {
		return nil, err
	}
	return Added{Contact: from}, nil
}
