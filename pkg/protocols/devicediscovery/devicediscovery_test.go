package devicediscovery_test

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/channelcreation"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNetwork(t *testing.T) *protocoltest.Network {
	return protocoltest.New(t, devicediscovery.Definition(), channelcreation.Definition())
}

func ownedDevices(t *testing.T, d *protocoltest.Device) []encoding.UID {
	t.Helper()
	var out []encoding.UID
	d.View(func(m identity.Manager) error {
		var err error
		out, err = identity.OtherOwnedDevices(m, d.Identity)
		return err
	})
	return out
}

func TestOwnedDeviceDiscovery(t *testing.T) {
	net := newNetwork(t)
	laptop := net.AddIdentity("alice-laptop")
	phone := net.AddDevice(laptop, "alice-phone")

	uid := laptop.Initiate(devicediscovery.ID, devicediscovery.Start{Remote: laptop.Identity})
	net.Flush()

	done, ok := laptop.State(devicediscovery.ID, uid).(devicediscovery.Done)
	require.True(t, ok)
	assert.ElementsMatch(t, []encoding.UID{laptop.UID, phone.UID}, done.Devices)
	assert.Equal(t, []encoding.UID{phone.UID}, ownedDevices(t, laptop))

	assert.NotNil(t, laptop.Channel(phone.UID))
	assert.NotNil(t, phone.Channel(laptop.UID))
	assert.Len(t, laptop.Notifications(devicediscovery.NotificationUpdated), 1)
	assert.Len(t, laptop.Notifications(channelcreation.NotificationConfirmed), 1)
	assert.Len(t, phone.Notifications(channelcreation.NotificationConfirmed), 1)
	t.Logf("✅ laptop found phone and opened a channel")
}

func TestContactDeviceDiscovery(t *testing.T) {
	net := newNetwork(t)
	alice := net.AddIdentity("alice")
	bob := net.AddIdentity("bob")
	bobTablet := net.AddDevice(bob, "bob-tablet")
	net.MakeContacts(alice, bob)

	// bob's tablet was unknown to alice's contact record until now
	alice.View(func(m identity.Manager) error {
		_, err := m.SetContactDevices(alice.Identity, bob.Identity, []encoding.UID{bob.UID})
		return err
	})

	alice.Initiate(devicediscovery.ID, devicediscovery.Start{Remote: bob.Identity})
	net.Flush()

	contact := alice.Contact(bob.Identity)
	require.NotNil(t, contact)
	assert.ElementsMatch(t, []encoding.UID{bob.UID, bobTablet.UID}, contact.Devices)
	assert.NotNil(t, alice.Channel(bobTablet.UID))
	assert.NotNil(t, bobTablet.Channel(alice.UID))

	// only the new device got a channel creation
	assert.Len(t, alice.Steps(channelcreation.ID), 2)
}

func TestDiscoveryOfStranger(t *testing.T) {
	net := newNetwork(t)
	alice := net.AddIdentity("alice")
	mallory := net.AddIdentity("mallory")

	uid := alice.Initiate(devicediscovery.ID, devicediscovery.Start{Remote: mallory.Identity})
	net.Flush()

	assert.IsType(t, devicediscovery.Done{}, alice.State(devicediscovery.ID, uid))
	assert.Nil(t, alice.Contact(mallory.Identity))
	assert.Empty(t, alice.Steps(channelcreation.ID))
}

func TestDeviceListOnlyFromServer(t *testing.T) {
	net := newNetwork(t)
	alice := net.AddIdentity("alice")
	bob := net.AddIdentity("bob")
	net.MakeContacts(alice, bob)

	net.DropIf(func(protocoltest.Delivery) bool { return true })
	uid := alice.Initiate(devicediscovery.ID, devicediscovery.Start{Remote: bob.Identity})
	net.Flush()

	outcome := alice.Inject(bob, protocol.Target{Protocol: devicediscovery.ID, UID: uid}, devicediscovery.Response{}, protocol.ChannelOblivious)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
	assert.IsType(t, devicediscovery.Waiting{}, alice.State(devicediscovery.ID, uid))
}

func TestStartIsLocalOnly(t *testing.T) {
	net := newNetwork(t)
	alice := net.AddIdentity("alice")
	bob := net.AddIdentity("bob")
	net.MakeContacts(alice, bob)

	outcome := alice.Inject(bob, protocol.Target{Protocol: devicediscovery.ID, UID: encoding.UID{1}},
		devicediscovery.Start{Remote: bob.Identity}, protocol.ChannelOblivious)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
	assert.Empty(t, alice.Instances())
}
