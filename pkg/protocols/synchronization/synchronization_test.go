package synchronization_test

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/synchronization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNetwork(t *testing.T) (*protocoltest.Network, *protocoltest.Device, *protocoltest.Device) {
	net := protocoltest.New(t, synchronization.SnapshotDefinition(), synchronization.AtomsDefinition())
	alice := net.AddIdentity("alice")
	phone := net.AddDevice(alice, "alice-phone")
	net.LinkOwnedDevices(alice, phone)
	return net, alice, phone
}

func setting(t *testing.T, d *protocoltest.Device, key string) string {
	t.Helper()
	var value string
	d.View(func(m identity.Manager) error {
		var err error
		value, _, err = m.Setting(d.Identity, key)
		return err
	})
	return value
}

func TestSnapshotRound(t *testing.T) {
	net, alice, phone := newNetwork(t)
	carol := net.AddIdentity("carol")
	alice.View(func(m identity.Manager) error {
		origin := identity.TrustOrigin{Kind: identity.TrustDirect, Timestamp: net.Clock.Now()}
		return m.AddContact(alice.Identity, carol.Identity, carol.Owned().Details, origin)
	})
	phone.View(func(m identity.Manager) error {
		return m.SetSetting(phone.Identity, "theme", "dark")
	})

	uid := synchronization.PairUID(alice.UID, phone.UID)
	require.Equal(t, protocol.OutcomeCommitted, alice.Post(synchronization.SnapshotID, uid, synchronization.Sync{Device: phone.UID}))
	net.Flush()

	assert.NotNil(t, phone.Contact(carol.Identity))
	assert.Equal(t, "dark", setting(t, alice, "theme"))

	onAlice, ok := alice.State(synchronization.SnapshotID, uid).(synchronization.Synced)
	require.True(t, ok)
	onPhone, ok := phone.State(synchronization.SnapshotID, uid).(synchronization.Synced)
	require.True(t, ok)
	assert.Equal(t, phone.UID, onAlice.Remote)
	assert.Equal(t, alice.UID, onPhone.Remote)
	assert.Equal(t, 1, onAlice.Rounds)
	assert.Equal(t, onAlice.Digest, onPhone.Digest)
	assert.Len(t, phone.Notifications(synchronization.NotificationMerged), 1)
	assert.Len(t, alice.Notifications(synchronization.NotificationMerged), 1)
	t.Logf("✅ both devices converged on digest %s", onAlice.Digest[:12])
}

func TestSnapshotAlreadyInSync(t *testing.T) {
	net, alice, phone := newNetwork(t)

	uid := synchronization.PairUID(phone.UID, alice.UID)
	require.Equal(t, protocol.OutcomeCommitted, alice.Post(synchronization.SnapshotID, uid, synchronization.Sync{Device: phone.UID}))
	net.Flush()

	assert.Len(t, phone.Notifications(synchronization.NotificationInSync), 1)
	assert.Empty(t, phone.Notifications(synchronization.NotificationMerged))
	assert.Empty(t, alice.Notifications(synchronization.NotificationMerged))

	// a second round reuses the instance
	require.Equal(t, protocol.OutcomeCommitted, alice.Post(synchronization.SnapshotID, uid, synchronization.Sync{Device: phone.UID}))
	net.Flush()
	assert.Equal(t, 2, alice.State(synchronization.SnapshotID, uid).(synchronization.Synced).Rounds)
	assert.Len(t, phone.Notifications(synchronization.NotificationInSync), 2)
}

func TestSnapshotRefusals(t *testing.T) {
	net, alice, phone := newNetwork(t)
	bob := net.AddIdentity("bob")
	net.MakeContacts(alice, bob)
	uid := synchronization.PairUID(alice.UID, phone.UID)
	target := protocol.Target{Protocol: synchronization.SnapshotID, UID: uid}

	assert.Equal(t, protocol.OutcomeDiscarded,
		alice.Post(synchronization.SnapshotID, [32]byte{1}, synchronization.Sync{Device: phone.UID}), "wrong instance")
	assert.Equal(t, protocol.OutcomeDiscarded,
		alice.Post(synchronization.SnapshotID, synchronization.PairUID(alice.UID, bob.UID), synchronization.Sync{Device: bob.UID}), "not an owned device")

	var own *identity.Snapshot
	phone.View(func(m identity.Manager) error {
		var err error
		own, err = m.ExportSnapshot(phone.Identity)
		return err
	})
	var foreign *identity.Snapshot
	bob.View(func(m identity.Manager) error {
		var err error
		foreign, err = m.ExportSnapshot(bob.Identity)
		return err
	})

	assert.Equal(t, protocol.OutcomeDiscarded,
		alice.Inject(bob, target, synchronization.Snapshot{Snapshot: own}, protocol.ChannelOblivious), "from a contact")
	assert.Equal(t, protocol.OutcomeDiscarded,
		alice.Inject(phone, target, synchronization.Snapshot{Snapshot: own, Hop: synchronization.MaxHops}, protocol.ChannelOblivious), "hop limit")
	assert.Equal(t, protocol.OutcomeDiscarded,
		alice.Inject(phone, target, synchronization.Snapshot{Snapshot: foreign}, protocol.ChannelOblivious), "another identity")
	assert.Equal(t, protocol.OutcomeCommitted,
		alice.Inject(phone, target, synchronization.Snapshot{Snapshot: own}, protocol.ChannelOblivious))
}

func TestSettingAtom(t *testing.T) {
	net, alice, phone := newNetwork(t)

	alice.Initiate(synchronization.AtomsID, synchronization.Push{Atom: synchronization.SettingAtom("theme", "dark")})
	net.Flush()

	assert.Equal(t, "dark", setting(t, alice, "theme"))
	assert.Equal(t, "dark", setting(t, phone, "theme"))
	assert.Len(t, phone.Notifications(synchronization.NotificationAtomApplied), 1)
	t.Logf("✅ setting pushed to the other owned device")
}

func TestNicknameAtom(t *testing.T) {
	net, alice, phone := newNetwork(t)
	bob := net.AddIdentity("bob")
	carol := net.AddIdentity("carol")
	net.MakeContacts(alice, bob)

	alice.Initiate(synchronization.AtomsID, synchronization.Push{Atom: synchronization.NicknameAtom(bob.Identity, "bobby")})
	net.Flush()
	assert.Equal(t, "bobby", alice.Contact(bob.Identity).Nickname)
	assert.Equal(t, "bobby", phone.Contact(bob.Identity).Nickname)

	_, err := alice.Engine.Initiate(t.Context(), alice.Identity, synchronization.AtomsID,
		synchronization.Push{Atom: synchronization.NicknameAtom(carol.Identity, "c")})
	assert.ErrorIs(t, err, protocol.ErrDiscard)
}

func TestAtomRefusals(t *testing.T) {
	net, alice, phone := newNetwork(t)
	bob := net.AddIdentity("bob")
	net.MakeContacts(alice, bob)
	target := protocol.Target{Protocol: synchronization.AtomsID, UID: [32]byte{9}}

	unknown := synchronization.Apply{Atom: synchronization.Atom{Kind: "color", Key: []byte("x")}}
	assert.Equal(t, protocol.OutcomeDiscarded, alice.Inject(phone, target, unknown, protocol.ChannelOblivious))

	forged := synchronization.Apply{Atom: synchronization.SettingAtom("theme", "light")}
	assert.Equal(t, protocol.OutcomeDiscarded, alice.Inject(bob, target, forged, protocol.ChannelOblivious))
	assert.Empty(t, setting(t, alice, "theme"))
}
