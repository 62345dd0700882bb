package ownedidentitydeletion_test

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/groups"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/ownedidentitydeletion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptInvitation(t *testing.T, net *protocoltest.Network, d *protocoltest.Device) {
	t.Helper()
	for _, info := range d.Instances() {
		if info.Protocol == groups.InvitationID && info.StateID == groups.StateInvited {
			require.Equal(t, protocol.OutcomeCommitted, d.Post(groups.InvitationID, info.UID, groups.Accept{}))
			net.Flush()
			return
		}
	}
	t.Fatalf("%s has no invitation", d)
}

func TestDeleteOwnedIdentity(t *testing.T) {
	net := protocoltest.New(t, append(groups.Definitions(), ownedidentitydeletion.Definition())...)
	alice := net.AddIdentity("alice")
	phone := net.AddDevice(alice, "alice-phone")
	bob := net.AddIdentity("bob")
	carol := net.AddIdentity("carol")
	net.LinkOwnedDevices(alice, phone)
	net.MakeContacts(alice, bob)
	net.MakeContacts(alice, carol)

	owned := alice.Initiate(groups.CreationID, groups.Create{Name: "alice's", Members: []identity.Identity{bob.Identity}})
	net.Flush()
	acceptInvitation(t, net, bob)
	joined := carol.Initiate(groups.CreationID, groups.Create{Name: "carol's", Members: []identity.Identity{alice.Identity}})
	net.Flush()
	acceptInvitation(t, net, alice)
	require.NotNil(t, bob.Group(alice.Identity, owned))
	require.Contains(t, carol.Group(carol.Identity, joined).Members, alice.Identity)

	uid := alice.Initiate(ownedidentitydeletion.ID, ownedidentitydeletion.Delete{})
	net.Flush()

	assert.Equal(t, ownedidentitydeletion.Deleted{}, alice.State(ownedidentitydeletion.ID, uid))
	assert.Nil(t, alice.Owned())
	assert.Nil(t, phone.Owned())
	_, err := alice.KeyStore.PrivateKeys(alice.Identity)
	assert.True(t, identity.ErrIsNotFound(err))
	assert.Empty(t, net.Server.RegisteredDevices(alice.Identity))
	assert.Len(t, alice.Notifications(ownedidentitydeletion.NotificationDeleted), 1)
	assert.Len(t, phone.Notifications(ownedidentitydeletion.NotificationDeleted), 1)

	for _, d := range []*protocoltest.Device{bob, carol} {
		assert.Nil(t, d.Contact(alice.Identity), d.Name)
		assert.Nil(t, d.Channel(alice.UID), d.Name)
		n, ok := d.LastNotification(ownedidentitydeletion.NotificationContactDeleted)
		require.True(t, ok, d.Name)
		gone, err := identity.Decode(n.Values[0])
		require.NoError(t, err)
		assert.Equal(t, alice.Identity, gone)
	}
	assert.Nil(t, bob.Group(alice.Identity, owned), "alice's group is disbanded")
	assert.NotContains(t, carol.Group(carol.Identity, joined).Members, alice.Identity, "alice left carol's group")
	t.Logf("✅ alice is gone from every device")
}

func TestNoticesNeedTheRightSender(t *testing.T) {
	net := protocoltest.New(t, append(groups.Definitions(), ownedidentitydeletion.Definition())...)
	alice := net.AddIdentity("alice")
	bob := net.AddIdentity("bob")
	mallory := net.AddIdentity("mallory")
	net.MakeContacts(alice, bob)

	target := protocol.Target{Protocol: ownedidentitydeletion.ID, UID: encoding.UID{9}}
	assert.Equal(t, protocol.OutcomeDiscarded, alice.Inject(bob, target, ownedidentitydeletion.OwnedNotice{}, protocol.ChannelOblivious))
	assert.NotNil(t, alice.Owned())

	assert.Equal(t, protocol.OutcomeDiscarded, alice.Inject(mallory, target, ownedidentitydeletion.ContactNotice{}, protocol.ChannelOblivious))
	assert.Equal(t, protocol.OutcomeDiscarded, alice.Inject(bob, target, ownedidentitydeletion.ContactNotice{}, protocol.ChannelAsymmetric))
	assert.NotNil(t, alice.Contact(bob.Identity))
}
