// Package ownedidentitydeletion deletes an owned identity everywhere: contacts
// are told to forget it, groups are disbanded or left, other owned devices
// drop it and the server removes its devices and backups.
package ownedidentitydeletion

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/groups"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 11

const (
	NotificationDeleted        = "owned_identity_deleted"
	NotificationContactDeleted = "contact_identity_deleted"
)

const (
	StateWaitingForServer protocol.StateID = 1
	StateDeleted          protocol.StateID = 2
	StateContactRemoved   protocol.StateID = 3
)

type WaitingForServer struct{}

func (WaitingForServer) StateID() protocol.StateID { return StateWaitingForServer }
func (WaitingForServer) Encode() encoding.Encoded  { return encoding.OfList() }

type Deleted struct{}

func (Deleted) StateID() protocol.StateID { return StateDeleted }
func (Deleted) Encode() encoding.Encoded  { return encoding.OfList() }

type ContactRemoved struct {
	Contact identity.Identity
}

func (ContactRemoved) StateID() protocol.StateID { return StateContactRemoved }

func (s ContactRemoved) Encode() encoding.Encoded { return encoding.OfList(s.Contact.Encode()) }

func decodeContactRemoved(e encoding.Encoded) (ContactRemoved, error) {
	r := wire.List(e, 1)
	s := ContactRemoved{Contact: r.Identity()}
	return s, r.Err()
}

// Delete starts the deletion of the owned identity
type Delete struct{}

func (Delete) MessageID() protocol.MessageID { return 0 }
func (Delete) Encode() []encoding.Encoded    { return nil }

// ContactNotice tells a contact the identity no longer exists
type ContactNotice struct{}

func (ContactNotice) MessageID() protocol.MessageID { return 1 }
func (ContactNotice) Encode() []encoding.Encoded    { return nil }

// OwnedNotice tells the other owned devices to drop the identity
type OwnedNotice struct{}

func (OwnedNotice) MessageID() protocol.MessageID { return 2 }
func (OwnedNotice) Encode() []encoding.Encoded    { return nil }

type ServerDeleted struct {
	OK bool
}

func (ServerDeleted) MessageID() protocol.MessageID { return 3 }
func (ServerDeleted) Encode() []encoding.Encoded    { return nil }

func decodeServerDeleted(in protocol.Inputs) (ServerDeleted, error) {
	if err := in.Expect(0); err != nil {
		return ServerDeleted{}, err
	}
	resp, err := in.Response()
	if err != nil {
		return ServerDeleted{}, err
	}
	ok, err := resp.DecodeBool()
	return ServerDeleted{OK: ok}, err
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "owned-identity-deletion")

	waiting := protocol.DeclareState(d, StateWaitingForServer, "waitingForServer", protocol.NoPayload(WaitingForServer{}))
	protocol.DeclareFinalState(d, StateDeleted, "deleted", protocol.NoPayload(Deleted{}))
	protocol.DeclareFinalState(d, StateContactRemoved, "contactRemoved", decodeContactRemoved)

	start := protocol.DeclareMessage(d, 0, "delete", protocol.NoInputs(Delete{}), protocol.Initiation())
	contactNotice := protocol.DeclareMessage(d, 1, "contactNotice", protocol.NoInputs(ContactNotice{}), protocol.Initiation())
	ownedNotice := protocol.DeclareMessage(d, 2, "ownedNotice", protocol.NoInputs(OwnedNotice{}), protocol.Initiation())
	serverDeleted := protocol.DeclareMessage(d, 3, "serverDeleted", decodeServerDeleted)

	protocol.AddStep(d, "notify-and-delete", d.Initial(), start, notifyAndDelete)
	protocol.AddStep(d, "forget-contact", d.Initial(), contactNotice, forgetContact)
	protocol.AddStep(d, "delete-on-owned-device", d.Initial(), ownedNotice, deleteOnOwnedDevice)
	protocol.AddStep(d, "finish-deletion", waiting, serverDeleted, finishDeletion)
	return d
}

func notifyAndDelete(c *protocol.Context, _ protocol.InitialState, _ Delete) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	ids := c.Identities()
	owned := c.Owned()

	list, err := ids.Groups(owned)
	if err != nil {
		return nil, err
	}
	for _, g := range list {
		target := protocol.Target{Protocol: groups.ManagementID, UID: g.UID}
		recipients := g.Recipients()
		if len(recipients) == 0 {
			continue
		}
		if g.IsOwner() {
			err = c.SendTo(target, protocol.ToContacts(recipients...), groups.DisbandNotice{})
		} else {
			err = c.SendTo(target, protocol.ToContacts(g.Owner), groups.LeaveNotice{Owner: g.Owner})
		}
		if err != nil {
			return nil, err
		}
	}

	contacts, err := ids.Contacts(owned)
	if err != nil {
		return nil, err
	}
	if len(contacts) > 0 {
		all := make([]identity.Identity, 0, len(contacts))
		for _, contact := range contacts {
			all = append(all, contact.Identity)
		}
		if err := c.Send(protocol.ToContacts(all...), ContactNotice{}); err != nil {
			return nil, err
		}
	}
	if err := c.Send(protocol.ToOwnedDevices(), OwnedNotice{}); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToServer(protocol.QueryDeleteOwnedIdentity), ServerDeleted{}); err != nil {
		return nil, err
	}
	return WaitingForServer{}, nil
}

func deleteLocally(c *protocol.Context) error {
	if err := c.Identities().DeleteOwnedIdentity(c.Owned()); err != nil {
		return err
	}
	if err := c.KeyStore().DeletePrivateKeys(c.Owned()); err != nil {
		return err
	}
	c.Notify(NotificationDeleted, c.Owned().Encode())
	return nil
}

func finishDeletion(c *protocol.Context, _ WaitingForServer, m ServerDeleted) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return nil, protocol.Discard("server response over %s", c.Channel().Kind)
	}
	if !m.OK {
		return nil, protocol.Discard("server refused to delete %s", c.Owned())
	}
	if err := deleteLocally(c); err != nil {
		return nil, err
	}
	return Deleted{}, nil
}

func deleteOnOwnedDevice(c *protocol.Context, _ protocol.InitialState, _ OwnedNotice) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	if err := deleteLocally(c); err != nil {
		return nil, err
	}
	return Deleted{}, nil
}

func forgetContact(c *protocol.Context, _ protocol.InitialState, _ ContactNotice) (protocol.State, error) {
	contact, err := c.RequireFromContact()
	if err != nil {
		return nil, err
	}
	ids := c.Identities()
	if err := ids.DeleteChannels(c.Owned(), contact); err != nil {
		return nil, err
	}
	if err := ids.DeleteContact(c.Owned(), contact); err != nil {
		return nil, err
	}
	c.Notify(NotificationContactDeleted, contact.Encode())
	return ContactRemoved{Contact: contact}, nil
}
