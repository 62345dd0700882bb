package identity

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

// Manager is the transactional view of identity records handed to protocol
// steps. Every call made during a step commits or rolls back with the step.
type Manager interface {
	OwnedIdentity(id Identity) (*OwnedIdentity, error)
	OwnedIdentities() ([]*OwnedIdentity, error)
	AddOwnedIdentity(o *OwnedIdentity, currentDevice encoding.UID) error
	DeleteOwnedIdentity(id Identity) error
	UpdateOwnedDetails(id Identity, details Details, version int) error
	SetKeycloakBinding(id Identity, binding *KeycloakBinding) error
	SetBackupKey(id Identity, key *BackupKeyInfo) error

	CurrentDevice(owned Identity) (encoding.UID, error)
	OwnedDevices(owned Identity) ([]Device, error)
	// SetOwnedDevices replaces the list of other owned devices and reports
	// the ones that were not known before
	SetOwnedDevices(owned Identity, devices []encoding.UID) ([]encoding.UID, error)
	SetOwnedDeviceName(owned Identity, device encoding.UID, name string) error
	RemoveOwnedDevice(owned Identity, device encoding.UID) error

	Contact(owned, contact Identity) (*Contact, error)
	Contacts(owned Identity) ([]*Contact, error)
	// AddContact creates the contact, or adds origin to an existing one
	AddContact(owned, contact Identity, details Details, origin TrustOrigin) error
	DeleteContact(owned, contact Identity) error
	SetContactDevices(owned, contact Identity, devices []encoding.UID) ([]encoding.UID, error)
	SetContactPublishedDetails(owned, contact Identity, details Details, version int) error
	SetContactNickname(owned, contact Identity, nickname string) error

	ConfirmChannel(ch *ObliviousChannel) error
	Channel(owned Identity, remoteDevice encoding.UID) (*ObliviousChannel, error)
	DeleteChannels(owned, remote Identity) error

	Group(owned, owner Identity, uid encoding.UID) (*Group, error)
	Groups(owned Identity) ([]*Group, error)
	SaveGroup(g *Group) error
	DeleteGroup(owned, owner Identity, uid encoding.UID) error

	Setting(owned Identity, key string) (string, bool, error)
	SetSetting(owned Identity, key, value string) error
	Settings(owned Identity) (map[string]string, error)

	ExportSnapshot(owned Identity) (*Snapshot, error)
	ImportSnapshot(owned Identity, s *Snapshot) error
}

// IsContact reports whether contact is a contact of owned
func IsContact(m Manager, owned, contact Identity) (bool, error) {
	_, err := m.Contact(owned, contact)
	if err == nil {
		return true, nil
	}
	if ErrIsNotFound(err) {
		return false, nil
	}
	return false, err
}

// OtherOwnedDevices lists owned devices except the current one
func OtherOwnedDevices(m Manager, owned Identity) ([]encoding.UID, error) {
	devices, err := m.OwnedDevices(owned)
	if err != nil {
		return nil, err
	}
	var out []encoding.UID
	for _, d := range devices {
		if !d.Current {
			out = append(out, d.UID)
		}
	}
	return out, nil
}
