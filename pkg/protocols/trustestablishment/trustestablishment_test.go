package trustestablishment

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/channelcreation"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNetwork(t *testing.T) (*protocoltest.Network, *protocoltest.Device, *protocoltest.Device) {
	net := protocoltest.New(t, devicediscovery.Definition(), channelcreation.Definition(), Definition())
	return net, net.AddIdentity("alice"), net.AddIdentity("bob")
}

func stateID(t *testing.T, d *protocoltest.Device, uid encoding.UID) protocol.StateID {
	t.Helper()
	st := d.State(ID, uid)
	require.NotNil(t, st, "%s has no instance", d)
	return st.StateID()
}

func TestTrustEstablishment(t *testing.T) {
	net, alice, bob := newNetwork(t)

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	require.IsType(t, WaitingForConfirmation{}, alice.State(ID, uid))

	net.Flush()
	require.IsType(t, InvitationReceived{}, bob.State(ID, uid))
	n, ok := bob.LastNotification(NotificationInvitation)
	require.True(t, ok)
	inviter, err := identity.Decode(n.Values[0])
	require.NoError(t, err)
	assert.Equal(t, alice.Identity, inviter)

	require.Equal(t, protocol.OutcomeCommitted, bob.Post(ID, uid, Accept{}))

	// deliver the confirmation alone
	var confirmation protocoltest.Delivery
	for {
		d, outcome, ok := net.DeliverNext()
		require.True(t, ok, "confirmation never reached alice")
		if d.To == alice {
			require.Equal(t, protocol.OutcomeCommitted, outcome)
			confirmation = d
			break
		}
	}
	assert.Equal(t, StateFinished, stateID(t, alice, uid))
	steps := alice.Steps(ID)
	require.Len(t, steps, 2)
	assert.Equal(t, "receive-confirmation", steps[1].Step)
	assert.Equal(t, 1, steps[1].Outgoing)

	// redelivery changes nothing
	assert.Equal(t, protocol.OutcomeDiscarded, net.Deliver(confirmation))
	assert.Len(t, alice.Steps(ID), 2)
	assert.Equal(t, StateFinished, stateID(t, alice, uid))

	contact := alice.Contact(bob.Identity)
	require.NotNil(t, contact)
	assert.Equal(t, "bob", contact.Details.FirstName)
	require.Len(t, contact.TrustOrigins, 1)
	assert.Equal(t, identity.TrustDirect, contact.TrustOrigins[0].Kind)
	require.NotNil(t, bob.Contact(alice.Identity))

	// device discovery and channel creation complete on both sides
	net.Flush()
	assert.Equal(t, bob.UID, alice.Contact(bob.Identity).Devices[0])
	assert.NotNil(t, alice.Channel(bob.UID))
	assert.NotNil(t, bob.Channel(alice.UID))

	// the invitation timer fires on a finished instance
	net.Advance(InvitationTimeout)
	assert.Equal(t, StateFinished, stateID(t, alice, uid))
	assert.Empty(t, alice.Notifications(NotificationExpired))
	t.Logf("✅ alice and bob are contacts with confirmed channels")
}

func TestInvitationRejected(t *testing.T) {
	net, alice, bob := newNetwork(t)

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	net.Flush()
	require.Equal(t, protocol.OutcomeCommitted, bob.Post(ID, uid, Reject{}))
	net.Flush()

	assert.Equal(t, StateRejected, stateID(t, alice, uid))
	assert.Equal(t, StateRejected, stateID(t, bob, uid))
	assert.Len(t, alice.Notifications(NotificationRejected), 1)
	assert.Nil(t, alice.Contact(bob.Identity))
	assert.Nil(t, bob.Contact(alice.Identity))
}

func TestInvitationAborted(t *testing.T) {
	net, alice, bob := newNetwork(t)

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	net.Flush()
	require.Equal(t, protocol.OutcomeCommitted, alice.Post(ID, uid, Abort{}))
	net.Flush()

	assert.Equal(t, StateAborted, stateID(t, alice, uid))
	assert.Equal(t, StateAborted, stateID(t, bob, uid))
	assert.Len(t, bob.Notifications(NotificationAborted), 1)

	// accepting is no longer possible
	assert.Equal(t, protocol.OutcomeDiscarded, bob.Post(ID, uid, Accept{}))
}

func TestInvitationExpires(t *testing.T) {
	net, alice, bob := newNetwork(t)

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	net.Flush()

	net.Advance(InvitationTimeout / 2)
	assert.Equal(t, StateWaitingForConfirmation, stateID(t, alice, uid))

	net.Advance(InvitationTimeout / 2)
	assert.Equal(t, StateExpired, stateID(t, alice, uid))
	assert.Len(t, alice.Notifications(NotificationExpired), 1)

	// a late acceptance is lost
	bob.Post(ID, uid, Accept{})
	net.Flush()
	assert.Nil(t, alice.Contact(bob.Identity))
}

func TestAlreadyTrusted(t *testing.T) {
	net, alice, bob := newNetwork(t)
	net.MakeContacts(alice, bob)

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	assert.Equal(t, StateAlreadyTrusted, stateID(t, alice, uid))
	assert.Empty(t, net.Pending())
}

func TestInviteeAlreadyTrustsInviter(t *testing.T) {
	net, alice, bob := newNetwork(t)
	bob.View(func(m identity.Manager) error {
		return m.AddContact(bob.Identity, alice.Identity, identity.Details{FirstName: "alice"},
			identity.TrustOrigin{Kind: identity.TrustDirect, Timestamp: net.Clock.Now()})
	})

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	net.Flush()

	assert.Equal(t, StateFinished, stateID(t, bob, uid))
	assert.Equal(t, StateFinished, stateID(t, alice, uid))
	assert.Empty(t, bob.Notifications(NotificationInvitation))
	assert.NotNil(t, alice.Contact(bob.Identity))
}

func TestConfirmationProofIsDomainSeparated(t *testing.T) {
	net, alice, bob := newNetwork(t)

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	waiting, ok := alice.State(ID, uid).(WaitingForConfirmation)
	require.True(t, ok)
	target := protocol.Target{Protocol: ID, UID: uid}

	challenge := challengeFor(purposeConfirm, waiting.Challenge, alice.Identity, bob.Identity)
	wrongType, err := crypto.SolveChallenge(crypto.ChallengeMutualScan, challenge, bob.Keys.Sign, net.PRNG())
	require.NoError(t, err)
	outcome := alice.Inject(bob, target, Confirmation{Details: identity.Details{FirstName: "bob"}, Proof: wrongType}, protocol.ChannelAsymmetric)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)

	wrongPurpose, err := crypto.SolveChallenge(crypto.ChallengeTrustEstablishment,
		challengeFor(purposeInvite, waiting.Challenge, alice.Identity, bob.Identity), bob.Keys.Sign, net.PRNG())
	require.NoError(t, err)
	outcome = alice.Inject(bob, target, Confirmation{Details: identity.Details{FirstName: "bob"}, Proof: wrongPurpose}, protocol.ChannelAsymmetric)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)

	mallory := net.AddIdentity("mallory")
	forged, err := crypto.SolveChallenge(crypto.ChallengeTrustEstablishment, challenge, mallory.Keys.Sign, net.PRNG())
	require.NoError(t, err)
	outcome = alice.Inject(mallory, target, Confirmation{Details: identity.Details{FirstName: "bob"}, Proof: forged}, protocol.ChannelAsymmetric)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)

	assert.Equal(t, StateWaitingForConfirmation, stateID(t, alice, uid))
	assert.Nil(t, alice.Contact(bob.Identity))

	valid, err := crypto.SolveChallenge(crypto.ChallengeTrustEstablishment, challenge, bob.Keys.Sign, net.PRNG())
	require.NoError(t, err)
	outcome = alice.Inject(bob, target, Confirmation{Details: identity.Details{FirstName: "bob"}, Proof: valid}, protocol.ChannelAsymmetric)
	assert.Equal(t, protocol.OutcomeCommitted, outcome)
	assert.Equal(t, StateFinished, stateID(t, alice, uid))
}

func TestRemoteCannotAcceptForInvitee(t *testing.T) {
	net, alice, bob := newNetwork(t)

	uid := alice.Initiate(ID, Initiate{Contact: bob.Identity})
	net.Flush()

	outcome := bob.Inject(alice, protocol.Target{Protocol: ID, UID: uid}, Accept{}, protocol.ChannelAsymmetric)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
	assert.Equal(t, StateInvitationReceived, stateID(t, bob, uid))
}
