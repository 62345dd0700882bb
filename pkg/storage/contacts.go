package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// AddContact creates the contact or records one more trust origin for it.
// An origin with the same kind and mediator is only recorded once.
func (t *Tx) AddContact(owned, contact identity.Identity, details identity.Details, origin identity.TrustOrigin) error {
	if owned == contact {
		return fmt.Errorf("%w: an identity cannot be its own contact", identity.ErrInvalidIdentity)
	}
	b, err := json.Marshal(details)
	if err != nil {
		return err
	}
	ts := origin.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = t.exec(`
		INSERT INTO contacts (owned, identity, details, published_version, nickname, created_at)
		VALUES (?, ?, ?, 0, '', ?)
		ON CONFLICT(owned, identity) DO NOTHING
	`, owned.Bytes(), contact.Bytes(), b, toMillis(ts))
	if err != nil {
		return fmt.Errorf("failed to add contact: %w", err)
	}

	var mediator []byte
	if !origin.Mediator.IsZero() {
		mediator = origin.Mediator.Bytes()
	}
	var n int
	err = t.queryRow(`
		SELECT COUNT(*) FROM contact_trust_origins
		WHERE owned = ? AND contact = ? AND kind = ? AND COALESCE(mediator, x'') = COALESCE(?, x'')
	`, owned.Bytes(), contact.Bytes(), int(origin.Kind), mediator).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check trust origin: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err = t.exec(`INSERT INTO contact_trust_origins (owned, contact, kind, mediator, timestamp) VALUES (?, ?, ?, ?, ?)`,
		owned.Bytes(), contact.Bytes(), int(origin.Kind), mediator, toMillis(ts))
	if err != nil {
		return fmt.Errorf("failed to add trust origin: %w", err)
	}
	return nil
}

func (t *Tx) Contact(owned, contact identity.Identity) (*identity.Contact, error) {
	var (
		details   []byte
		createdAt int64
		c         = &identity.Contact{Owned: owned, Identity: contact}
	)
	err := t.queryRow(`
		SELECT details, published_version, nickname, created_at
		FROM contacts WHERE owned = ? AND identity = ?
	`, owned.Bytes(), contact.Bytes()).Scan(&details, &c.PublishedDetailsVersion, &c.Nickname, &createdAt)
	if err != nil {
		return nil, notFound(err, "contact "+contact.String())
	}
	if err := json.Unmarshal(details, &c.Details); err != nil {
		return nil, fmt.Errorf("corrupt contact details: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)

	if c.Devices, err = t.contactDevices(owned, contact); err != nil {
		return nil, err
	}
	if c.TrustOrigins, err = t.trustOrigins(owned, contact); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *Tx) contactDevices(owned, contact identity.Identity) ([]encoding.UID, error) {
	rows, err := t.query(`SELECT uid FROM contact_devices WHERE owned = ? AND contact = ? ORDER BY uid`, owned.Bytes(), contact.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list contact devices: %w", err)
	}
	defer rows.Close()

	var out []encoding.UID
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		uid, err := scanUID(b)
		if err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (t *Tx) trustOrigins(owned, contact identity.Identity) ([]identity.TrustOrigin, error) {
	rows, err := t.query(`
		SELECT kind, mediator, timestamp FROM contact_trust_origins
		WHERE owned = ? AND contact = ? ORDER BY timestamp ASC, rowid ASC
	`, owned.Bytes(), contact.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list trust origins: %w", err)
	}
	defer rows.Close()

	var out []identity.TrustOrigin
	for rows.Next() {
		var (
			kind     int
			mediator []byte
			ts       int64
		)
		if err := rows.Scan(&kind, &mediator, &ts); err != nil {
			return nil, err
		}
		m, err := scanIdentity(mediator)
		if err != nil {
			return nil, err
		}
		out = append(out, identity.TrustOrigin{Kind: identity.TrustOriginKind(kind), Mediator: m, Timestamp: fromMillis(ts)})
	}
	return out, rows.Err()
}

func (t *Tx) Contacts(owned identity.Identity) ([]*identity.Contact, error) {
	rows, err := t.query(`SELECT identity FROM contacts WHERE owned = ? ORDER BY created_at ASC`, owned.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	var ids []identity.Identity
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			rows.Close()
			return nil, err
		}
		id, err := scanIdentity(b)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*identity.Contact, 0, len(ids))
	for _, id := range ids {
		c, err := t.Contact(owned, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteContact removes the contact, its devices and its channels
func (t *Tx) DeleteContact(owned, contact identity.Identity) error {
	res, err := t.exec(`DELETE FROM contacts WHERE owned = ? AND identity = ?`, owned.Bytes(), contact.Bytes())
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	if err := mustAffect(res, "contact "+contact.String()); err != nil {
		return err
	}
	return t.DeleteChannels(owned, contact)
}

// SetContactDevices replaces the device list of a contact and reports the new ones
func (t *Tx) SetContactDevices(owned, contact identity.Identity, devices []encoding.UID) ([]encoding.UID, error) {
	existing, err := t.contactDevices(owned, contact)
	if err != nil {
		return nil, err
	}
	if _, err := t.Contact(owned, contact); err != nil {
		return nil, err
	}
	known := make(map[encoding.UID]bool, len(existing))
	for _, uid := range existing {
		known[uid] = true
	}
	wanted := make(map[encoding.UID]bool, len(devices))
	var added []encoding.UID
	for _, uid := range devices {
		wanted[uid] = true
		if known[uid] {
			continue
		}
		known[uid] = true
		added = append(added, uid)
		if _, err := t.exec(`INSERT INTO contact_devices (owned, contact, uid) VALUES (?, ?, ?)`,
			owned.Bytes(), contact.Bytes(), uid[:]); err != nil {
			return nil, fmt.Errorf("failed to add contact device: %w", err)
		}
	}
	for _, uid := range existing {
		if wanted[uid] {
			continue
		}
		if _, err := t.exec(`DELETE FROM contact_devices WHERE owned = ? AND contact = ? AND uid = ?`,
			owned.Bytes(), contact.Bytes(), uid[:]); err != nil {
			return nil, fmt.Errorf("failed to remove contact device: %w", err)
		}
		if _, err := t.exec(`DELETE FROM channels WHERE owned = ? AND remote_device = ?`, owned.Bytes(), uid[:]); err != nil {
			return nil, fmt.Errorf("failed to delete channel: %w", err)
		}
	}
	return added, nil
}

// SetContactPublishedDetails stores details published by the contact when
// version is newer than the known one
func (t *Tx) SetContactPublishedDetails(owned, contact identity.Identity, details identity.Details, version int) error {
	b, err := json.Marshal(details)
	if err != nil {
		return err
	}
	if _, err := t.Contact(owned, contact); err != nil {
		return err
	}
	_, err = t.exec(`
		UPDATE contacts SET details = ?, published_version = ?
		WHERE owned = ? AND identity = ? AND published_version < ?
	`, b, version, owned.Bytes(), contact.Bytes(), version)
	if err != nil {
		return fmt.Errorf("failed to update contact details: %w", err)
	}
	return nil
}

func (t *Tx) SetContactNickname(owned, contact identity.Identity, nickname string) error {
	res, err := t.exec(`UPDATE contacts SET nickname = ? WHERE owned = ? AND identity = ?`, nickname, owned.Bytes(), contact.Bytes())
	if err != nil {
		return fmt.Errorf("failed to update nickname: %w", err)
	}
	return mustAffect(res, "contact "+contact.String())
}
