package mutualintroduction_test

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/channelcreation"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	mi "github.com/ZentaChain/zentalk-engine/pkg/protocols/mutualintroduction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	net               *protocoltest.Network
	alice, bob, carol *protocoltest.Device
}

func setup(t *testing.T) *fixture {
	net := protocoltest.New(t, devicediscovery.Definition(), channelcreation.Definition(), mi.Definition())
	f := &fixture{net: net, alice: net.AddIdentity("alice"), bob: net.AddIdentity("bob"), carol: net.AddIdentity("carol")}
	net.MakeContacts(f.alice, f.bob)
	net.MakeContacts(f.alice, f.carol)
	return f
}

func stateID(t *testing.T, d *protocoltest.Device, uid [32]byte) protocol.StateID {
	t.Helper()
	st := d.State(mi.ID, uid)
	require.NotNil(t, st, "%s has no instance", d)
	return st.StateID()
}

func TestIntroduction(t *testing.T) {
	f := setup(t)

	uid := f.alice.Initiate(mi.ID, mi.Introduce{A: f.bob.Identity, B: f.carol.Identity})
	f.net.Flush()
	assert.Equal(t, mi.StateIntroduced, stateID(t, f.alice, uid))

	for _, d := range []*protocoltest.Device{f.bob, f.carol} {
		assert.Equal(t, mi.StateInvitationReceived, stateID(t, d, uid), d.Name)
		require.Len(t, d.Notifications(mi.NotificationIntroduced), 1, d.Name)
	}
	st := f.bob.State(mi.ID, uid).(mi.Pending)
	assert.Equal(t, f.carol.Identity, st.Other)
	assert.Equal(t, "carol", st.Details.FirstName)

	require.Equal(t, protocol.OutcomeCommitted, f.bob.Post(mi.ID, uid, mi.Accept{}))
	f.net.Flush()
	assert.Equal(t, mi.StateAccepted, stateID(t, f.bob, uid))
	assert.True(t, f.carol.State(mi.ID, uid).(mi.Pending).OtherAccepted)
	assert.Nil(t, f.carol.Contact(f.bob.Identity))

	require.Equal(t, protocol.OutcomeCommitted, f.carol.Post(mi.ID, uid, mi.Accept{}))
	f.net.Flush()

	for _, pair := range [][2]*protocoltest.Device{{f.bob, f.carol}, {f.carol, f.bob}} {
		d, other := pair[0], pair[1]
		assert.Equal(t, mi.StateFinished, stateID(t, d, uid), d.Name)
		c := d.Contact(other.Identity)
		require.NotNil(t, c, d.Name)
		require.Len(t, c.TrustOrigins, 1)
		assert.Equal(t, identity.TrustIntroduction, c.TrustOrigins[0].Kind)
		assert.Equal(t, f.alice.Identity, c.TrustOrigins[0].Mediator)
		assert.NotNil(t, d.Channel(other.UID), "%s has a channel with %s", d, other)
	}
	t.Logf("✅ bob and carol trust each other through alice")
}

func TestRejectedIntroduction(t *testing.T) {
	f := setup(t)
	uid := f.alice.Initiate(mi.ID, mi.Introduce{A: f.bob.Identity, B: f.carol.Identity})
	f.net.Flush()

	require.Equal(t, protocol.OutcomeCommitted, f.bob.Post(mi.ID, uid, mi.Reject{}))
	require.Equal(t, protocol.OutcomeCommitted, f.carol.Post(mi.ID, uid, mi.Accept{}))
	f.net.Flush()

	assert.Equal(t, mi.StateRejected, stateID(t, f.bob, uid))
	assert.Equal(t, mi.StateAccepted, stateID(t, f.carol, uid))
	assert.Nil(t, f.bob.Contact(f.carol.Identity))
	assert.Nil(t, f.carol.Contact(f.bob.Identity))
}

func TestForgedAcceptanceIsDiscarded(t *testing.T) {
	f := setup(t)
	mallory := f.net.AddIdentity("mallory")
	uid := f.alice.Initiate(mi.ID, mi.Introduce{A: f.bob.Identity, B: f.carol.Identity})
	f.net.Flush()
	require.Equal(t, protocol.OutcomeCommitted, f.bob.Post(mi.ID, uid, mi.Accept{}))

	target := protocol.Target{Protocol: mi.ID, UID: uid}
	acceptance := mi.Acceptance{Details: identity.Details{FirstName: "carol"}, Proof: []byte("forged")}

	// not the introduced party
	assert.Equal(t, protocol.OutcomeDiscarded, f.bob.Inject(mallory, target, acceptance, protocol.ChannelAsymmetric))
	// right party, bad proof
	assert.Equal(t, protocol.OutcomeDiscarded, f.bob.Inject(f.carol, target, acceptance, protocol.ChannelAsymmetric))
	// the mediator cannot accept on carol's behalf
	assert.Equal(t, protocol.OutcomeDiscarded, f.bob.Inject(f.alice, target, acceptance, protocol.ChannelOblivious))

	assert.Equal(t, mi.StateAccepted, stateID(t, f.bob, uid))
	assert.Nil(t, f.bob.Contact(f.carol.Identity))
}

func TestIntroductionNeedsContacts(t *testing.T) {
	f := setup(t)
	mallory := f.net.AddIdentity("mallory")

	_, err := f.alice.Engine.Initiate(t.Context(), f.alice.Identity, mi.ID, mi.Introduce{A: f.bob.Identity, B: mallory.Identity})
	assert.ErrorIs(t, err, protocol.ErrDiscard)
	_, err = f.alice.Engine.Initiate(t.Context(), f.alice.Identity, mi.ID, mi.Introduce{A: f.bob.Identity, B: f.bob.Identity})
	assert.ErrorIs(t, err, protocol.ErrDiscard)

	// introductions only come from contacts
	outcome := f.bob.Inject(mallory, protocol.Target{Protocol: mi.ID, UID: [32]byte{7}},
		mi.Introduction{Other: f.carol.Identity, Details: identity.Details{FirstName: "carol"}}, protocol.ChannelOblivious)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
}
