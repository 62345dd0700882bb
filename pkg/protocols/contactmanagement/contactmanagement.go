// Package contactmanagement deletes a contact on every owned device and lets
// the contact know.
package contactmanagement

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 13

const NotificationContactDeleted = "contact_deleted"

const StateDeleted protocol.StateID = 1

type Deleted struct {
	Contact identity.Identity
}

func (Deleted) StateID() protocol.StateID { return StateDeleted }

func (s Deleted) Encode() encoding.Encoded { return encoding.OfList(s.Contact.Encode()) }

func decodeDeleted(e encoding.Encoded) (Deleted, error) {
	r := wire.List(e, 1)
	s := Deleted{Contact: r.Identity()}
	return s, r.Err()
}

// Delete removes a contact
type Delete struct {
	Contact identity.Identity
}

func (Delete) MessageID() protocol.MessageID { return 0 }

func (m Delete) Encode() []encoding.Encoded { return []encoding.Encoded{m.Contact.Encode()} }

func decodeDelete(in protocol.Inputs) (Delete, error) {
	r := wire.Inputs(in, 1)
	m := Delete{Contact: r.Identity()}
	return m, r.Err()
}

// Deletion tells the removed contact to drop us as well
type Deletion struct{}

func (Deletion) MessageID() protocol.MessageID { return 1 }
func (Deletion) Encode() []encoding.Encoded    { return nil }

// OwnedDeletion propagates a deletion to the other owned devices
type OwnedDeletion struct {
	Contact identity.Identity
}

func (OwnedDeletion) MessageID() protocol.MessageID { return 2 }

func (m OwnedDeletion) Encode() []encoding.Encoded { return []encoding.Encoded{m.Contact.Encode()} }

func decodeOwnedDeletion(in protocol.Inputs) (OwnedDeletion, error) {
	r := wire.Inputs(in, 1)
	m := OwnedDeletion{Contact: r.Identity()}
	return m, r.Err()
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "contact-management")
	protocol.DeclareFinalState(d, StateDeleted, "deleted", decodeDeleted)

	del := protocol.DeclareMessage(d, 0, "delete", decodeDelete, protocol.Initiation())
	deletion := protocol.DeclareMessage(d, 1, "deletion", protocol.NoInputs(Deletion{}), protocol.Initiation())
	owned := protocol.DeclareMessage(d, 2, "ownedDeletion", decodeOwnedDeletion, protocol.Initiation())

	protocol.AddStep(d, "delete-contact", d.Initial(), del, deleteContact)
	protocol.AddStep(d, "process-deletion", d.Initial(), deletion, processDeletion)
	protocol.AddStep(d, "process-owned-deletion", d.Initial(), owned, processOwnedDeletion)
	return d
}

func remove(c *protocol.Context, contact identity.Identity) error {
	ids := c.Identities()
	if err := ids.DeleteChannels(c.Owned(), contact); err != nil {
		return err
	}
	if err := ids.DeleteContact(c.Owned(), contact); err != nil {
		return err
	}
	c.Notify(NotificationContactDeleted, contact.Encode())
	return nil
}

func deleteContact(c *protocol.Context, _ protocol.InitialState, m Delete) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	ok, err := identity.IsContact(c.Identities(), c.Owned(), m.Contact)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.Discard("%s is not a contact", m.Contact)
	}
	// resolved now, while the contact's devices are still known
	if err := c.Send(protocol.ToContacts(m.Contact), Deletion{}); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToOwnedDevices(), OwnedDeletion{Contact: m.Contact}); err != nil {
		return nil, err
	}
	if err := remove(c, m.Contact); err != nil {
		return nil, err
	}
	return Deleted{Contact: m.Contact}, nil
}

func processDeletion(c *protocol.Context, _ protocol.InitialState, _ Deletion) (protocol.State, error) {
	contact, err := c.RequireFromContact()
	if err != nil {
		return nil, err
	}
	if err := remove(c, contact); err != nil {
		return nil, err
	}
	return Deleted{Contact: contact}, nil
}

func processOwnedDeletion(c *protocol.Context, _ protocol.InitialState, m OwnedDeletion) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	ok, err := identity.IsContact(c.Identities(), c.Owned(), m.Contact)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := remove(c, m.Contact); err != nil {
			return nil, err
		}
	}
	return Deleted{Contact: m.Contact}, nil
}
