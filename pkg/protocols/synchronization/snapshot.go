// Package synchronization keeps the owned devices of an identity in sync.
//
// The snapshot protocol runs one long-lived instance per pair of owned
// devices. Each round ships the full synchronizable state, the receiver
// merges it and answers with its own state until both digests agree or the
// hop limit is reached. The atoms protocol pushes a single change, a setting
// or a contact nickname, to the other owned devices as it happens.
package synchronization

import (
	"slices"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const SnapshotID protocol.ID = 22

// MaxHops bounds the replies of a single round
const MaxHops = 3

const (
	NotificationInSync = "snapshot_in_sync"
	NotificationMerged = "snapshot_merged"
)

const StateSynced protocol.StateID = 1

// PairUID is the instance both devices use for their snapshot rounds
func PairUID(a, b encoding.UID) encoding.UID {
	sorted := wire.SortedUIDs([]encoding.UID{a, b})
	first, second := sorted[0], sorted[1]
	return crypto.DeriveUID("snapshot-sync", first[:], second[:])
}

// Synced records the last digest exchanged with the remote device
type Synced struct {
	Remote encoding.UID
	Digest string
	Rounds int
}

func (Synced) StateID() protocol.StateID { return StateSynced }

func (s Synced) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfUID(s.Remote), encoding.OfString(s.Digest), encoding.OfInt(int64(s.Rounds)))
}

func decodeSynced(e encoding.Encoded) (Synced, error) {
	r := wire.List(e, 3)
	s := Synced{Remote: r.UID(), Digest: r.String(), Rounds: r.Int()}
	return s, r.Err()
}

// Sync starts a round with another owned device
type Sync struct {
	Device encoding.UID
}

func (Sync) MessageID() protocol.MessageID { return 0 }

func (m Sync) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfUID(m.Device)} }

func decodeSync(in protocol.Inputs) (Sync, error) {
	r := wire.Inputs(in, 1)
	m := Sync{Device: r.UID()}
	return m, r.Err()
}

type Snapshot struct {
	Snapshot *identity.Snapshot
	Hop      int
}

func (Snapshot) MessageID() protocol.MessageID { return 1 }

func (m Snapshot) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Snapshot.Encode(), encoding.OfInt(int64(m.Hop))}
}

func decodeSnapshot(in protocol.Inputs) (Snapshot, error) {
	r := wire.Inputs(in, 2)
	m := Snapshot{Snapshot: r.Snapshot(), Hop: r.Int()}
	return m, r.Err()
}

func SnapshotDefinition() *protocol.Definition {
	d := protocol.NewDefinition(SnapshotID, "synchronization-snapshot")
	synced := protocol.DeclareState(d, StateSynced, "synced", decodeSynced)

	sync := protocol.DeclareMessage(d, 0, "sync", decodeSync, protocol.Initiation())
	snapshot := protocol.DeclareMessage(d, 1, "snapshot", decodeSnapshot, protocol.Initiation())

	protocol.AddStep(d, "start-round", d.Initial(), sync, func(c *protocol.Context, _ protocol.InitialState, m Sync) (protocol.State, error) {
		return startRound(c, Synced{}, m)
	})
	protocol.AddStep(d, "restart-round", synced, sync, startRound)
	protocol.AddStep(d, "merge-snapshot", d.Initial(), snapshot, func(c *protocol.Context, _ protocol.InitialState, m Snapshot) (protocol.State, error) {
		return mergeSnapshot(c, Synced{}, m)
	})
	protocol.AddStep(d, "merge-next-snapshot", synced, snapshot, mergeSnapshot)
	return d
}

func checkPair(c *protocol.Context, remote encoding.UID) error {
	current, err := c.Identities().CurrentDevice(c.Owned())
	if err != nil {
		return err
	}
	if remote == current {
		return protocol.Discard("snapshot round with the current device")
	}
	if c.InstanceUID() != PairUID(current, remote) {
		return protocol.Discard("snapshot for device %s posted to the wrong instance", remote.Short())
	}
	return nil
}

func startRound(c *protocol.Context, s Synced, m Sync) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := checkPair(c, m.Device); err != nil {
		return nil, err
	}
	others, err := identity.OtherOwnedDevices(c.Identities(), c.Owned())
	if err != nil {
		return nil, err
	}
	if !slices.Contains(others, m.Device) {
		return nil, protocol.Discard("%s is not an owned device", m.Device.Short())
	}
	local, err := c.Identities().ExportSnapshot(c.Owned())
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToOwnedDevices(m.Device), Snapshot{Snapshot: local}); err != nil {
		return nil, err
	}
	return Synced{Remote: m.Device, Digest: local.Digest(), Rounds: s.Rounds + 1}, nil
}

func mergeSnapshot(c *protocol.Context, s Synced, m Snapshot) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	remote := c.Origin().Device
	if err := checkPair(c, remote); err != nil {
		return nil, err
	}
	if m.Snapshot == nil || m.Snapshot.Identity != c.Owned() {
		return nil, protocol.Hostile("snapshot of another identity from an owned device")
	}
	if m.Hop < 0 || m.Hop >= MaxHops {
		return nil, protocol.Discard("snapshot hop %d out of range", m.Hop)
	}
	ids := c.Identities()
	remoteDigest := m.Snapshot.Digest()
	local, err := ids.ExportSnapshot(c.Owned())
	if err != nil {
		return nil, err
	}
	if local.Digest() == remoteDigest {
		c.Notify(NotificationInSync, encoding.OfUID(remote))
		return Synced{Remote: remote, Digest: remoteDigest, Rounds: s.Rounds}, nil
	}

	if err := ids.ImportSnapshot(c.Owned(), m.Snapshot); err != nil {
		return nil, err
	}
	merged, err := ids.ExportSnapshot(c.Owned())
	if err != nil {
		return nil, err
	}
	digest := merged.Digest()
	c.Notify(NotificationMerged, encoding.OfUID(remote), encoding.OfString(digest))

	// the remote side lacks something only we have
	if digest != remoteDigest && m.Hop+1 < MaxHops {
		if err := c.Send(protocol.ToOwnedDevices(remote), Snapshot{Snapshot: merged, Hop: m.Hop + 1}); err != nil {
			return nil, err
		}
	}
	return Synced{Remote: remote, Digest: digest, Rounds: s.Rounds}, nil
}

// Definitions returns the snapshot and atoms protocols
func Definitions() []*protocol.Definition {
	return []*protocol.Definition{SnapshotDefinition(), AtomsDefinition()}
}
