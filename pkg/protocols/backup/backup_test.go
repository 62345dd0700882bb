package backup_test

import (
	"testing"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/backup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*protocoltest.Network, *protocoltest.Device, *protocoltest.Device) {
	net := protocoltest.New(t, backup.Definition())
	alice := net.AddIdentity("alice")
	phone := net.AddDevice(alice, "alice-phone")
	net.LinkOwnedDevices(alice, phone)
	return net, alice, phone
}

func generate(t *testing.T, net *protocoltest.Network, d *protocoltest.Device) string {
	t.Helper()
	d.Initiate(backup.ID, backup.GenerateKey{})
	net.Flush()
	n, ok := d.LastNotification(backup.NotificationSeed)
	require.True(t, ok)
	seed, err := n.Values[0].DecodeString()
	require.NoError(t, err)
	return seed
}

func TestGenerateKey(t *testing.T) {
	net, alice, phone := setup(t)
	seed := generate(t, net, alice)

	_, err := crypto.NormalizeBackupSeed(seed)
	require.NoError(t, err)
	keys, err := crypto.DeriveBackupKeys(seed)
	require.NoError(t, err)

	require.NotNil(t, alice.Owned().BackupKey)
	require.NotNil(t, phone.Owned().BackupKey)
	assert.Equal(t, keys.Public, alice.Owned().BackupKey.Public)
	assert.Equal(t, keys.Public, phone.Owned().BackupKey.Public)
	assert.Len(t, phone.Notifications(backup.NotificationKeySet), 1)
	t.Logf("✅ backup key shared with the other owned device")
}

func TestVerifySeed(t *testing.T) {
	net, alice, _ := setup(t)
	seed := generate(t, net, alice)

	net.Advance(time.Hour)
	uid := alice.Initiate(backup.ID, backup.VerifySeed{Seed: seed})
	assert.Equal(t, backup.Result{ID: backup.StateVerified, OK: true}, alice.State(backup.ID, uid))
	assert.Equal(t, net.Clock.Now().Unix(), alice.Owned().BackupKey.LastVerified.Unix())

	other := crypto.GenerateBackupSeed(net.PRNG())
	uid = alice.Initiate(backup.ID, backup.VerifySeed{Seed: other})
	assert.Equal(t, backup.Result{ID: backup.StateVerified}, alice.State(backup.ID, uid))

	uid = alice.Initiate(backup.ID, backup.VerifySeed{Seed: "not a seed"})
	assert.Equal(t, backup.Result{ID: backup.StateVerified}, alice.State(backup.ID, uid))
}

func TestUploadAndRestore(t *testing.T) {
	net, alice, _ := setup(t)
	seed := generate(t, net, alice)

	uid := alice.Initiate(backup.ID, backup.Upload{})
	net.Flush()
	assert.Equal(t, backup.Result{ID: backup.StateUploaded, OK: true}, alice.State(backup.ID, uid))
	assert.Len(t, alice.Notifications(backup.NotificationUploaded), 1)

	blob, ok := net.Server.Backup(alice.Identity)
	require.True(t, ok)
	snapshot, err := backup.Restore(seed, blob)
	require.NoError(t, err)
	assert.Equal(t, alice.Identity, snapshot.Identity)

	_, err = backup.Restore(crypto.GenerateBackupSeed(net.PRNG()), blob)
	assert.ErrorIs(t, err, crypto.ErrInvalidBackupSeed)
	_, err = backup.Restore(seed, blob[:10])
	assert.Error(t, err)
	t.Logf("✅ backup of %d bytes restored with the seed", len(blob))
}

func TestUploadNeedsAKey(t *testing.T) {
	_, alice, _ := setup(t)
	_, err := alice.Engine.Initiate(t.Context(), alice.Identity, backup.ID, backup.Upload{})
	assert.ErrorIs(t, err, protocol.ErrDiscard)
}

func TestStaleKeyIsDiscarded(t *testing.T) {
	net, alice, phone := setup(t)
	generate(t, net, alice)
	current := alice.Owned().BackupKey

	target := protocol.Target{Protocol: backup.ID, UID: [32]byte{4}}
	stale := backup.OwnedKey{Public: crypto.EncryptionPublicKey{1}, MACKey: make([]byte, 32), CreatedAt: current.CreatedAt.Add(-time.Minute)}
	assert.Equal(t, protocol.OutcomeDiscarded, alice.Inject(phone, target, stale, protocol.ChannelOblivious))
	assert.Equal(t, current.Public, alice.Owned().BackupKey.Public)
}
