package storage

import (
	"fmt"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// ===== OBLIVIOUS CHANNELS =====

// ConfirmChannel stores a confirmed channel, replacing any previous one to the same device
func (t *Tx) ConfirmChannel(ch *identity.ObliviousChannel) error {
	_, err := t.exec(`
		INSERT INTO channels (owned, remote_device, remote_identity, seed, confirmed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owned, remote_device) DO UPDATE SET
			remote_identity = excluded.remote_identity,
			seed = excluded.seed,
			confirmed_at = excluded.confirmed_at
	`, ch.Owned.Bytes(), ch.RemoteDevice[:], ch.RemoteIdentity.Bytes(), ch.Seed, toMillis(ch.ConfirmedAt))
	if err != nil {
		return fmt.Errorf("failed to confirm channel: %w", err)
	}
	return nil
}

func (t *Tx) Channel(owned identity.Identity, remoteDevice encoding.UID) (*identity.ObliviousChannel, error) {
	var (
		remote      []byte
		confirmedAt int64
		ch          = &identity.ObliviousChannel{Owned: owned, RemoteDevice: remoteDevice}
	)
	err := t.queryRow(`SELECT remote_identity, seed, confirmed_at FROM channels WHERE owned = ? AND remote_device = ?`,
		owned.Bytes(), remoteDevice[:]).Scan(&remote, &ch.Seed, &confirmedAt)
	if err != nil {
		return nil, notFound(err, "channel to "+remoteDevice.Short())
	}
	if ch.RemoteIdentity, err = scanIdentity(remote); err != nil {
		return nil, err
	}
	ch.ConfirmedAt = fromMillis(confirmedAt)
	return ch, nil
}

func (t *Tx) DeleteChannels(owned, remote identity.Identity) error {
	if _, err := t.exec(`DELETE FROM channels WHERE owned = ? AND remote_identity = ?`, owned.Bytes(), remote.Bytes()); err != nil {
		return fmt.Errorf("failed to delete channels: %w", err)
	}
	return nil
}

// ===== GROUPS =====

func (t *Tx) SaveGroup(g *identity.Group) error {
	_, err := t.exec(`
		INSERT INTO groups (owned, owner, uid, name, version, members, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owned, owner, uid) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			members = excluded.members,
			pending = excluded.pending
	`, g.Owned.Bytes(), g.Owner.Bytes(), g.UID[:], g.Name, g.Version,
		identity.EncodeList(g.Members).Bytes(), identity.EncodeList(g.Pending).Bytes())
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

const groupColumns = `owner, uid, name, version, members, pending`

func scanGroup(owned identity.Identity, row rowScanner) (*identity.Group, error) {
	var (
		owner, uid       []byte
		members, pending []byte
		g                = &identity.Group{Owned: owned}
	)
	if err := row.Scan(&owner, &uid, &g.Name, &g.Version, &members, &pending); err != nil {
		return nil, err
	}
	var err error
	if g.Owner, err = scanIdentity(owner); err != nil {
		return nil, err
	}
	if g.UID, err = scanUID(uid); err != nil {
		return nil, err
	}
	if g.Members, err = decodeIdentityList(members); err != nil {
		return nil, err
	}
	if g.Pending, err = decodeIdentityList(pending); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeIdentityList(b []byte) ([]identity.Identity, error) {
	e, err := encoding.Parse(b)
	if err != nil {
		return nil, err
	}
	return identity.DecodeList(e)
}

func (t *Tx) Group(owned, owner identity.Identity, uid encoding.UID) (*identity.Group, error) {
	g, err := scanGroup(owned, t.queryRow(`SELECT `+groupColumns+` FROM groups WHERE owned = ? AND owner = ? AND uid = ?`,
		owned.Bytes(), owner.Bytes(), uid[:]))
	if err != nil {
		return nil, notFound(err, "group "+uid.Short())
	}
	return g, nil
}

func (t *Tx) Groups(owned identity.Identity) ([]*identity.Group, error) {
	rows, err := t.query(`SELECT `+groupColumns+` FROM groups WHERE owned = ? ORDER BY name, uid`, owned.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []*identity.Group
	for rows.Next() {
		g, err := scanGroup(owned, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *Tx) DeleteGroup(owned, owner identity.Identity, uid encoding.UID) error {
	res, err := t.exec(`DELETE FROM groups WHERE owned = ? AND owner = ? AND uid = ?`, owned.Bytes(), owner.Bytes(), uid[:])
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return mustAffect(res, "group "+uid.Short())
}
