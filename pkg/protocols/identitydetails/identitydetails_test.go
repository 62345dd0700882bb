package identitydetails_test

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/identitydetails"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	net    *protocoltest.Network
	alice  *protocoltest.Device
	phone  *protocoltest.Device
	bob    *protocoltest.Device
	carol  *protocoltest.Device
	newest identity.Details
}

func setup(t *testing.T) *fixture {
	net := protocoltest.New(t, identitydetails.Definition())
	f := &fixture{net: net, alice: net.AddIdentity("alice")}
	f.phone = net.AddDevice(f.alice, "alice-phone")
	f.bob = net.AddIdentity("bob")
	f.carol = net.AddIdentity("carol")
	net.LinkOwnedDevices(f.alice, f.phone)
	net.MakeContacts(f.alice, f.bob)
	net.MakeContacts(f.alice, f.carol)
	f.newest = identity.Details{FirstName: "Alice", LastName: "Liddell", Company: "Wonderland"}
	return f
}

func TestPublishDetails(t *testing.T) {
	f := setup(t)

	uid := f.alice.Initiate(identitydetails.ID, identitydetails.Publish{Details: f.newest})
	f.net.Flush()

	assert.Equal(t, identitydetails.Published{Version: 1}, f.alice.State(identitydetails.ID, uid))
	assert.Equal(t, 1, f.alice.Owned().DetailsVersion)

	for _, d := range []*protocoltest.Device{f.bob, f.carol} {
		c := d.Contact(f.alice.Identity)
		require.NotNil(t, c)
		assert.Equal(t, f.newest, c.Details, d.Name)
		assert.Equal(t, 1, c.PublishedDetailsVersion, d.Name)
		assert.Len(t, d.Notifications(identitydetails.NotificationContactUpdated), 1, d.Name)
	}

	owned := f.phone.Owned()
	assert.Equal(t, f.newest, owned.Details)
	assert.Equal(t, 1, owned.DetailsVersion)
	assert.Len(t, f.alice.Notifications(identitydetails.NotificationPublished), 1)

	// the server only holds ciphertext
	blob, ok := f.net.Server.UserData(identitydetails.Label(f.alice.Identity, 1))
	require.True(t, ok)
	assert.NotContains(t, string(blob), "Liddell")
	t.Logf("✅ details version 1 reached contacts and owned devices")
}

func TestVersionsIncrease(t *testing.T) {
	f := setup(t)

	f.alice.Initiate(identitydetails.ID, identitydetails.Publish{Details: identity.Details{FirstName: "Al"}})
	f.alice.Initiate(identitydetails.ID, identitydetails.Publish{Details: f.newest})
	f.net.Flush()

	c := f.bob.Contact(f.alice.Identity)
	assert.Equal(t, 2, c.PublishedDetailsVersion)
	assert.Equal(t, f.newest, c.Details)
	assert.Equal(t, 2, f.phone.Owned().DetailsVersion)

	// replaying an older version to the phone changes nothing
	f.phone.Inject(f.alice, protocol.Target{Protocol: identitydetails.ID, UID: crypto.GenerateUID(f.net.PRNG())},
		identitydetails.OwnedDetails{Details: identity.Details{FirstName: "Al"}, Version: 1}, protocol.ChannelOblivious)
	assert.Equal(t, f.newest, f.phone.Owned().Details)
}

func TestCorruptedUploadIsRejected(t *testing.T) {
	f := setup(t)

	f.alice.Initiate(identitydetails.ID, identitydetails.Publish{Details: f.newest})
	// the upload has been answered already; tamper before contacts download
	f.net.Server.CorruptUserData(identitydetails.Label(f.alice.Identity, 1), []byte("garbage that is long enough to look like a ciphertext"))
	f.net.Flush()

	c := f.bob.Contact(f.alice.Identity)
	assert.Equal(t, "alice", c.Details.FirstName)
	assert.Equal(t, 0, c.PublishedDetailsVersion)
	assert.Empty(t, f.bob.Notifications(identitydetails.NotificationContactUpdated))
}

func TestInvalidDetailsAreNotPublished(t *testing.T) {
	f := setup(t)

	_, err := f.alice.Engine.Initiate(t.Context(), f.alice.Identity, identitydetails.ID, identitydetails.Publish{})
	assert.ErrorIs(t, err, protocol.ErrDiscard)
	assert.Equal(t, 0, f.alice.Owned().DetailsVersion)
}

func TestAnnounceFromStrangerIsDiscarded(t *testing.T) {
	f := setup(t)
	mallory := f.net.AddIdentity("mallory")

	outcome := f.bob.Inject(mallory, protocol.Target{Protocol: identitydetails.ID, UID: crypto.GenerateUID(f.net.PRNG())},
		identitydetails.Announce{Version: 1, Label: identitydetails.Label(mallory.Identity, 1),
			Key: crypto.GenerateAuthEncKey(crypto.AuthEncChaCha20Poly1305, f.net.PRNG())}, protocol.ChannelOblivious)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)

	// a contact cannot announce details under another identity's label
	outcome = f.bob.Inject(f.alice, protocol.Target{Protocol: identitydetails.ID, UID: crypto.GenerateUID(f.net.PRNG())},
		identitydetails.Announce{Version: 1, Label: identitydetails.Label(f.carol.Identity, 1),
			Key: crypto.GenerateAuthEncKey(crypto.AuthEncChaCha20Poly1305, f.net.PRNG())}, protocol.ChannelOblivious)
	assert.Equal(t, protocol.OutcomeDiscarded, outcome)
}
