package ownedidentitytransfer_test

import (
	"testing"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol/protocoltest"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/ownedidentitytransfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	net    *protocoltest.Network
	alice  *protocoltest.Device
	bob    *protocoltest.Device
	tablet *protocoltest.Device
}

func setup(t *testing.T) *fixture {
	net := protocoltest.New(t, ownedidentitytransfer.Definition())
	f := &fixture{
		net:    net,
		alice:  net.AddIdentity("alice"),
		bob:    net.AddIdentity("bob"),
		tablet: net.AddBlankDevice("tablet"),
	}
	net.MakeContacts(f.alice, f.bob)
	f.alice.View(func(m identity.Manager) error {
		return m.SetSetting(f.alice.Identity, "theme", "dark")
	})
	return f
}

func notification(t *testing.T, d *protocoltest.Device, name string) string {
	t.Helper()
	n, ok := d.LastNotification(name)
	require.True(t, ok, "%s: no %s notification", d.Name, name)
	require.NotEmpty(t, n.Values)
	s, err := n.Values[0].DecodeString()
	require.NoError(t, err)
	return s
}

func session(t *testing.T, d *protocoltest.Device, owned identity.Identity, uid encoding.UID) ownedidentitytransfer.Session {
	t.Helper()
	s, ok := d.StateOf(owned, ownedidentitytransfer.ID, uid).(ownedidentitytransfer.Session)
	require.True(t, ok, "%s has no transfer session", d.Name)
	return s
}

// pair runs the transfer up to the point where both devices agree on a code
func (f *fixture) pair(t *testing.T) (number, sas string) {
	f.tablet.Initiate(ownedidentitytransfer.ID, ownedidentitytransfer.Open{})
	f.net.Flush()
	number = notification(t, f.tablet, ownedidentitytransfer.NotificationSessionNumber)

	uid := ownedidentitytransfer.SessionUID(number)
	require.Equal(t, protocol.OutcomeCommitted,
		f.alice.Post(ownedidentitytransfer.ID, uid, ownedidentitytransfer.Join{Number: number}))
	f.net.Flush()

	sas = notification(t, f.tablet, ownedidentitytransfer.NotificationShowSAS)
	assert.Len(t, sas, ownedidentitytransfer.Digits)
	assert.Equal(t, sas, session(t, f.alice, f.alice.Identity, uid).SAS)
	return number, sas
}

func TestTransfer(t *testing.T) {
	f := setup(t)
	throwaway := f.tablet.Identity
	number, sas := f.pair(t)
	uid := ownedidentitytransfer.SessionUID(number)

	require.Equal(t, protocol.OutcomeCommitted,
		f.alice.Post(ownedidentitytransfer.ID, uid, ownedidentitytransfer.EnterSAS{Code: sas}))
	f.net.Flush()

	assert.Equal(t, ownedidentitytransfer.StateTransferred, session(t, f.alice, f.alice.Identity, uid).ID)
	assert.Equal(t, ownedidentitytransfer.StateReceived, session(t, f.tablet, throwaway, uid).ID)

	f.tablet.Adopt(f.alice.Identity)
	owned := f.tablet.Owned()
	require.NotNil(t, owned)
	assert.Equal(t, f.alice.Owned().Details.FirstName, owned.Details.FirstName)
	assert.NotNil(t, f.tablet.Contact(f.bob.Identity))
	f.tablet.View(func(m identity.Manager) error {
		value, ok, err := m.Setting(f.alice.Identity, "theme")
		assert.True(t, ok)
		assert.Equal(t, "dark", value)
		devices, derr := m.OwnedDevices(f.alice.Identity)
		assert.Len(t, devices, 2)
		if err != nil {
			return err
		}
		return derr
	})
	f.alice.View(func(m identity.Manager) error {
		others, err := identity.OtherOwnedDevices(m, f.alice.Identity)
		assert.Contains(t, others, f.tablet.UID)
		return err
	})
	t.Logf("✅ identity moved to the new device through session %s", number)
}

func TestWrongCode(t *testing.T) {
	f := setup(t)
	number, sas := f.pair(t)
	uid := ownedidentitytransfer.SessionUID(number)

	wrong := "x" + sas[1:]
	assert.Equal(t, protocol.OutcomeDiscarded,
		f.alice.Post(ownedidentitytransfer.ID, uid, ownedidentitytransfer.EnterSAS{Code: wrong}))
	assert.Equal(t, ownedidentitytransfer.StateWaitingForSAS, session(t, f.alice, f.alice.Identity, uid).ID)
	assert.Zero(t, f.net.Flush())
}

func TestForgedTransferIsDiscarded(t *testing.T) {
	f := setup(t)
	throwaway := f.tablet.Identity
	number, _ := f.pair(t)
	uid := ownedidentitytransfer.SessionUID(number)
	mallory := f.net.AddIdentity("mallory")

	target := protocol.Target{Protocol: ownedidentitytransfer.ID, UID: uid}
	forged := ownedidentitytransfer.Transfer{Ciphertext: make([]byte, 96)}
	assert.Equal(t, protocol.OutcomeDiscarded, f.tablet.Inject(mallory, target, forged, protocol.ChannelTransferRelay))
	assert.Equal(t, protocol.OutcomeDiscarded, f.tablet.Inject(f.alice, target, forged, protocol.ChannelTransferRelay))
	assert.Equal(t, ownedidentitytransfer.StateShowingSAS, session(t, f.tablet, throwaway, uid).ID)
}

func TestUnknownSession(t *testing.T) {
	f := setup(t)
	uid := ownedidentitytransfer.SessionUID("99999999")

	require.Equal(t, protocol.OutcomeCommitted,
		f.alice.Post(ownedidentitytransfer.ID, uid, ownedidentitytransfer.Join{Number: "99999999"}))
	f.net.Flush()
	assert.Equal(t, ownedidentitytransfer.StateFailed, session(t, f.alice, f.alice.Identity, uid).ID)
	assert.Equal(t, "99999999", notification(t, f.alice, ownedidentitytransfer.NotificationFailed))

	assert.Equal(t, protocol.OutcomeDiscarded,
		f.alice.Post(ownedidentitytransfer.ID, [32]byte{1}, ownedidentitytransfer.Join{Number: "99999999"}), "wrong instance")
}

func TestAbort(t *testing.T) {
	f := setup(t)
	number, sas := f.pair(t)
	uid := ownedidentitytransfer.SessionUID(number)

	require.Equal(t, protocol.OutcomeCommitted, f.alice.Post(ownedidentitytransfer.ID, uid, ownedidentitytransfer.Abort{}))
	assert.Equal(t, ownedidentitytransfer.StateAborted, session(t, f.alice, f.alice.Identity, uid).ID)
	assert.Equal(t, protocol.OutcomeDiscarded,
		f.alice.Post(ownedidentitytransfer.ID, uid, ownedidentitytransfer.EnterSAS{Code: sas}))
}
