package storage

import (
	"fmt"

	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// ExportSnapshot gathers the synchronizable state of an owned identity.
// Devices and channels are device-specific and left out.
func (t *Tx) ExportSnapshot(owned identity.Identity) (*identity.Snapshot, error) {
	o, err := t.OwnedIdentity(owned)
	if err != nil {
		return nil, err
	}
	s := &identity.Snapshot{
		Identity:       owned,
		Details:        o.Details,
		DetailsVersion: o.DetailsVersion,
		Keycloak:       o.Keycloak,
	}

	contacts, err := t.Contacts(owned)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		s.Contacts = append(s.Contacts, identity.ContactSnapshot{
			Identity:     c.Identity,
			Details:      c.Details,
			Nickname:     c.Nickname,
			TrustOrigins: c.TrustOrigins,
		})
	}

	groups, err := t.Groups(owned)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		s.Groups = append(s.Groups, identity.GroupSnapshot{
			Owner:   g.Owner,
			UID:     g.UID,
			Name:    g.Name,
			Version: g.Version,
			Members: g.Members,
			Pending: g.Pending,
		})
	}

	if s.Settings, err = t.Settings(owned); err != nil {
		return nil, err
	}
	if len(s.Settings) == 0 {
		s.Settings = nil
	}
	return s, nil
}

// ImportSnapshot merges a snapshot into the local records. Newer versions
// win, contacts and trust origins are only ever added.
func (t *Tx) ImportSnapshot(owned identity.Identity, s *identity.Snapshot) error {
	if s.Identity != owned {
		return fmt.Errorf("%w: snapshot belongs to %s", identity.ErrInvalidIdentity, s.Identity)
	}
	o, err := t.OwnedIdentity(owned)
	if err != nil {
		return err
	}
	if s.DetailsVersion > o.DetailsVersion {
		if err := t.UpdateOwnedDetails(owned, s.Details, s.DetailsVersion); err != nil {
			return err
		}
	}
	if s.Keycloak != nil && o.Keycloak == nil {
		if err := t.SetKeycloakBinding(owned, s.Keycloak); err != nil {
			return err
		}
	}

	for _, c := range s.Contacts {
		origins := c.TrustOrigins
		if len(origins) == 0 {
			origins = []identity.TrustOrigin{{Kind: identity.TrustDirect}}
		}
		for _, origin := range origins {
			if err := t.AddContact(owned, c.Identity, c.Details, origin); err != nil {
				return err
			}
		}
		if c.Nickname != "" {
			if err := t.SetContactNickname(owned, c.Identity, c.Nickname); err != nil {
				return err
			}
		}
	}

	for _, gs := range s.Groups {
		existing, err := t.Group(owned, gs.Owner, gs.UID)
		if err != nil && !identity.ErrIsNotFound(err) {
			return err
		}
		if existing != nil && existing.Version >= gs.Version {
			continue
		}
		g := &identity.Group{
			Owned:   owned,
			Owner:   gs.Owner,
			UID:     gs.UID,
			Name:    gs.Name,
			Version: gs.Version,
			Members: gs.Members,
			Pending: gs.Pending,
		}
		if err := t.SaveGroup(g); err != nil {
			return err
		}
	}

	for k, v := range s.Settings {
		if err := t.SetSetting(owned, k, v); err != nil {
			return err
		}
	}
	return nil
}
