// Package groups holds the group protocols: creation by the owner, invitation
// of members and the long-lived management instance every member runs with
// the group UID as instance UID.
package groups

import (
	"bytes"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

const (
	CreationID   protocol.ID = 6
	InvitationID protocol.ID = 7
	ManagementID protocol.ID = 8
)

const (
	NotificationCreated    = "group_created"
	NotificationInvitation = "group_invitation"
	NotificationUpdated    = "group_updated"
	NotificationKicked     = "group_kicked"
	NotificationDisbanded  = "group_disbanded"
)

// Definitions returns the creation, invitation and management protocols
func Definitions() []*protocol.Definition {
	return []*protocol.Definition{CreationDefinition(), InvitationDefinition(), ManagementDefinition()}
}

func invitationChallenge(group encoding.UID, member identity.Identity) []byte {
	return bytes.Join([][]byte{group[:], member.Bytes()}, nil)
}

func invite(c *protocol.Context, g *identity.Group, member identity.Identity) error {
	proof, err := c.SolveChallenge(crypto.ChallengeGroupInvitation, invitationChallenge(g.UID, member))
	if err != nil {
		return err
	}
	return c.SendTo(protocol.Target{Protocol: InvitationID, UID: c.NewUID()}, protocol.ToContacts(member),
		Invitation{Group: g.UID, Name: g.Name, Proof: proof})
}

// broadcast sends the current membership to every member and owned device
func broadcast(c *protocol.Context, g *identity.Group) error {
	update := updateOf(g)
	target := protocol.Target{Protocol: ManagementID, UID: g.UID}
	if recipients := g.Recipients(); len(recipients) > 0 {
		if err := c.SendTo(target, protocol.ToContacts(recipients...), update); err != nil {
			return err
		}
	}
	return c.SendTo(target, protocol.ToOwnedDevices(), update)
}

func contactsOnly(c *protocol.Context, ids []identity.Identity) error {
	for _, id := range ids {
		if id == c.Owned() {
			return protocol.Discard("the owner cannot be a member")
		}
		ok, err := identity.IsContact(c.Identities(), c.Owned(), id)
		if err != nil {
			return err
		}
		if !ok {
			return protocol.Discard("%s is not a contact", id)
		}
	}
	return nil
}
