package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// AddOwnedIdentity stores a new owned identity together with its current device
func (t *Tx) AddOwnedIdentity(o *identity.OwnedIdentity, currentDevice encoding.UID) error {
	details, err := json.Marshal(o.Details)
	if err != nil {
		return err
	}
	keycloak, err := marshalOptional(o.Keycloak)
	if err != nil {
		return err
	}
	backup, err := marshalOptional(o.BackupKey)
	if err != nil {
		return err
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = t.exec(`
		INSERT INTO owned_identities (identity, details, details_version, active, keycloak, backup_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.Identity.Bytes(), details, o.DetailsVersion, boolToInt(o.Active), keycloak, backup, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("failed to add owned identity: %w", err)
	}
	_, err = t.exec(`INSERT INTO owned_devices (owned, uid, name, is_current) VALUES (?, ?, '', 1)`,
		o.Identity.Bytes(), currentDevice[:])
	if err != nil {
		return fmt.Errorf("failed to add current device: %w", err)
	}
	return nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

const ownedColumns = `identity, details, details_version, active, keycloak, backup_key, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOwned(row rowScanner) (*identity.OwnedIdentity, error) {
	var (
		id        []byte
		details   []byte
		version   int
		active    int
		keycloak  []byte
		backup    []byte
		createdAt int64
	)
	if err := row.Scan(&id, &details, &version, &active, &keycloak, &backup, &createdAt); err != nil {
		return nil, err
	}
	o := &identity.OwnedIdentity{
		DetailsVersion: version,
		Active:         intToBool(active),
		CreatedAt:      fromMillis(createdAt),
	}
	var err error
	if o.Identity, err = scanIdentity(id); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(details, &o.Details); err != nil {
		return nil, fmt.Errorf("corrupt owned details: %w", err)
	}
	if len(keycloak) > 0 {
		o.Keycloak = new(identity.KeycloakBinding)
		if err := json.Unmarshal(keycloak, o.Keycloak); err != nil {
			return nil, fmt.Errorf("corrupt keycloak binding: %w", err)
		}
	}
	if len(backup) > 0 {
		o.BackupKey = new(identity.BackupKeyInfo)
		if err := json.Unmarshal(backup, o.BackupKey); err != nil {
			return nil, fmt.Errorf("corrupt backup key: %w", err)
		}
	}
	return o, nil
}

func (t *Tx) OwnedIdentity(id identity.Identity) (*identity.OwnedIdentity, error) {
	o, err := scanOwned(t.queryRow(`SELECT `+ownedColumns+` FROM owned_identities WHERE identity = ?`, id.Bytes()))
	if err != nil {
		return nil, notFound(err, "owned identity "+id.String())
	}
	return o, nil
}

func (t *Tx) OwnedIdentities() ([]*identity.OwnedIdentity, error) {
	rows, err := t.query(`SELECT ` + ownedColumns + ` FROM owned_identities ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owned identities: %w", err)
	}
	defer rows.Close()

	var out []*identity.OwnedIdentity
	for rows.Next() {
		o, err := scanOwned(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteOwnedIdentity removes the owned identity and every record attached to it
func (t *Tx) DeleteOwnedIdentity(id identity.Identity) error {
	res, err := t.exec(`DELETE FROM owned_identities WHERE identity = ?`, id.Bytes())
	if err != nil {
		return fmt.Errorf("failed to delete owned identity: %w", err)
	}
	return mustAffect(res, "owned identity "+id.String())
}

func (t *Tx) UpdateOwnedDetails(id identity.Identity, details identity.Details, version int) error {
	b, err := json.Marshal(details)
	if err != nil {
		return err
	}
	res, err := t.exec(`UPDATE owned_identities SET details = ?, details_version = ? WHERE identity = ?`, b, version, id.Bytes())
	if err != nil {
		return fmt.Errorf("failed to update owned details: %w", err)
	}
	return mustAffect(res, "owned identity "+id.String())
}

func (t *Tx) SetKeycloakBinding(id identity.Identity, binding *identity.KeycloakBinding) error {
	b, err := marshalOptional(binding)
	if err != nil {
		return err
	}
	res, err := t.exec(`UPDATE owned_identities SET keycloak = ? WHERE identity = ?`, b, id.Bytes())
	if err != nil {
		return fmt.Errorf("failed to update keycloak binding: %w", err)
	}
	return mustAffect(res, "owned identity "+id.String())
}

func (t *Tx) SetBackupKey(id identity.Identity, key *identity.BackupKeyInfo) error {
	b, err := marshalOptional(key)
	if err != nil {
		return err
	}
	res, err := t.exec(`UPDATE owned_identities SET backup_key = ? WHERE identity = ?`, b, id.Bytes())
	if err != nil {
		return fmt.Errorf("failed to update backup key: %w", err)
	}
	return mustAffect(res, "owned identity "+id.String())
}

// ===== OWNED DEVICES =====

func (t *Tx) CurrentDevice(owned identity.Identity) (encoding.UID, error) {
	var uid []byte
	err := t.queryRow(`SELECT uid FROM owned_devices WHERE owned = ? AND is_current = 1`, owned.Bytes()).Scan(&uid)
	if err != nil {
		return encoding.UID{}, notFound(err, "current device of "+owned.String())
	}
	return scanUID(uid)
}

func (t *Tx) OwnedDevices(owned identity.Identity) ([]identity.Device, error) {
	rows, err := t.query(`SELECT uid, name, is_current FROM owned_devices WHERE owned = ? ORDER BY uid`, owned.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list owned devices: %w", err)
	}
	defer rows.Close()

	var out []identity.Device
	for rows.Next() {
		var (
			uid     []byte
			d       identity.Device
			current int
		)
		if err := rows.Scan(&uid, &d.Name, &current); err != nil {
			return nil, err
		}
		if d.UID, err = scanUID(uid); err != nil {
			return nil, err
		}
		d.Current = intToBool(current)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetOwnedDevices replaces the other owned devices with devices. The current
// device is never removed.
func (t *Tx) SetOwnedDevices(owned identity.Identity, devices []encoding.UID) ([]encoding.UID, error) {
	if _, err := t.OwnedIdentity(owned); err != nil {
		return nil, err
	}
	existing, err := t.OwnedDevices(owned)
	if err != nil {
		return nil, err
	}
	known := make(map[encoding.UID]bool, len(existing))
	for _, d := range existing {
		known[d.UID] = true
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
		if _, err := t.exec(`INSERT INTO owned_devices (owned, uid, name, is_current) VALUES (?, ?, '', 0)`,
			owned.Bytes(), uid[:]); err != nil {
			return nil, fmt.Errorf("failed to add owned device: %w", err)
		}
	}
	for _, d := range existing {
		if d.Current || wanted[d.UID] {
			continue
		}
		if err := t.RemoveOwnedDevice(owned, d.UID); err != nil {
			return nil, err
		}
	}
	return added, nil
}

func (t *Tx) SetOwnedDeviceName(owned identity.Identity, device encoding.UID, name string) error {
	res, err := t.exec(`UPDATE owned_devices SET name = ? WHERE owned = ? AND uid = ?`, name, owned.Bytes(), device[:])
	if err != nil {
		return fmt.Errorf("failed to rename device: %w", err)
	}
	return mustAffect(res, "owned device "+device.Short())
}

// RemoveOwnedDevice forgets a non-current owned device and its channel
func (t *Tx) RemoveOwnedDevice(owned identity.Identity, device encoding.UID) error {
	res, err := t.exec(`DELETE FROM owned_devices WHERE owned = ? AND uid = ? AND is_current = 0`, owned.Bytes(), device[:])
	if err != nil {
		return fmt.Errorf("failed to remove owned device: %w", err)
	}
	if err := mustAffect(res, "owned device "+device.Short()); err != nil {
		return err
	}
	if _, err := t.exec(`DELETE FROM channels WHERE owned = ? AND remote_device = ?`, owned.Bytes(), device[:]); err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

// ===== SETTINGS =====

func (t *Tx) Setting(owned identity.Identity, key string) (string, bool, error) {
	var value string
	err := t.queryRow(`SELECT value FROM owned_settings WHERE owned = ? AND key = ?`, owned.Bytes(), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read setting: %w", err)
	}
	return value, true, nil
}

func (t *Tx) SetSetting(owned identity.Identity, key, value string) error {
	_, err := t.exec(`
		INSERT INTO owned_settings (owned, key, value) VALUES (?, ?, ?)
		ON CONFLICT(owned, key) DO UPDATE SET value = excluded.value
	`, owned.Bytes(), key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting: %w", err)
	}
	return nil
}

func (t *Tx) Settings(owned identity.Identity) (map[string]string, error) {
	rows, err := t.query(`SELECT key, value FROM owned_settings WHERE owned = ?`, owned.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
