package channelcreation_test

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/channelcreation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contacts(t *testing.T) (*protocoltest.Network, *protocoltest.Device, *protocoltest.Device) {
	net := protocoltest.New(t, channelcreation.Definition())
	alice := net.AddIdentity("alice")
	bob := net.AddIdentity("bob")
	for _, pair := range [][2]*protocoltest.Device{{alice, bob}, {bob, alice}} {
		owned, contact := pair[0], pair[1]
		owned.View(func(m identity.Manager) error {
			return m.AddContact(owned.Identity, contact.Identity, identity.Details{FirstName: contact.Name},
				identity.TrustOrigin{Kind: identity.TrustDirect, Timestamp: net.Clock.Now()})
		})
	}
	return net, alice, bob
}

func TestChannelCreation(t *testing.T) {
	net, alice, bob := contacts(t)

	uid := alice.Initiate(channelcreation.ID, channelcreation.Start{Remote: bob.Identity, Device: bob.UID})
	assert.IsType(t, channelcreation.WaitingForKey{}, alice.State(channelcreation.ID, uid))

	net.Flush()
	assert.IsType(t, channelcreation.Confirmed{}, alice.State(channelcreation.ID, uid))
	assert.IsType(t, channelcreation.Confirmed{}, bob.State(channelcreation.ID, uid))

	a, b := alice.Channel(bob.UID), bob.Channel(alice.UID)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.Seed, b.Seed)
	assert.Len(t, a.Seed, 32)
	assert.Equal(t, bob.Identity, a.RemoteIdentity)
	assert.Equal(t, alice.Identity, b.RemoteIdentity)
	t.Logf("✅ channel seed shared by both devices")
}

func TestChannelWithStrangerIsRefused(t *testing.T) {
	net := protocoltest.New(t, channelcreation.Definition())
	alice := net.AddIdentity("alice")
	mallory := net.AddIdentity("mallory")
	mallory.View(func(m identity.Manager) error {
		return m.AddContact(mallory.Identity, alice.Identity, identity.Details{FirstName: "alice"},
			identity.TrustOrigin{Kind: identity.TrustDirect, Timestamp: net.Clock.Now()})
	})

	uid := mallory.Initiate(channelcreation.ID, channelcreation.Start{Remote: alice.Identity, Device: alice.UID})
	net.Flush()

	assert.Nil(t, alice.State(channelcreation.ID, uid))
	assert.Nil(t, alice.Channel(mallory.UID))
	assert.IsType(t, channelcreation.WaitingForKey{}, mallory.State(channelcreation.ID, uid))
}

func TestForgedPingIsDiscarded(t *testing.T) {
	net, alice, bob := contacts(t)
	mallory := net.AddIdentity("mallory")

	pub, _, err := crypto.GenerateEncryptionKeyPair(net.PRNG())
	require.NoError(t, err)
	proof, err := crypto.SolveChallenge(crypto.ChallengeChannelCreation, append(append(alice.UID[:], bob.UID[:]...), pub[:]...),
		mallory.Keys.Sign, net.PRNG())
	require.NoError(t, err)

	// claims to be bob but is signed by mallory
	target := protocol.Target{Protocol: channelcreation.ID, UID: crypto.GenerateUID(net.PRNG())}
	outcome := alice.Inject(bob, target, channelcreation.Ping{Ephemeral: pub, Proof: proof}, protocol.ChannelAsymmetric)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
	assert.Nil(t, alice.State(channelcreation.ID, target.UID))
	assert.Empty(t, net.Pending())
}

func TestTamperedAckIsDiscarded(t *testing.T) {
	net, alice, bob := contacts(t)

	uid := alice.Initiate(channelcreation.ID, channelcreation.Start{Remote: bob.Identity, Device: bob.UID})
	net.DeliverNext() // ping
	net.DropIf(func(d protocoltest.Delivery) bool { return d.To == bob })
	net.Flush() // key reaches alice, her ack is lost

	assert.NotNil(t, alice.Channel(bob.UID))
	require.IsType(t, channelcreation.WaitingForAck{}, bob.State(channelcreation.ID, uid))

	outcome := bob.Inject(alice, protocol.Target{Protocol: channelcreation.ID, UID: uid},
		channelcreation.Ack{Confirmation: make([]byte, 32)}, protocol.ChannelAsymmetric)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
	assert.Nil(t, bob.Channel(alice.UID))
}

func TestNoChannelWithCurrentDevice(t *testing.T) {
	net := protocoltest.New(t, channelcreation.Definition())
	alice := net.AddIdentity("alice")

	_, err := alice.Engine.Initiate(t.Context(), alice.Identity, channelcreation.ID,
		channelcreation.Start{Remote: alice.Identity, Device: alice.UID})
	assert.ErrorIs(t, err, protocol.ErrDiscard)
}
