// Package keycloak binds owned identities to a keycloak server and adds
// contacts whose details that server has signed.
package keycloak

import (
	"encoding/hex"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

const (
	ContactAdditionID protocol.ID = 18
	BindingID         protocol.ID = 24
)

const (
	NotificationBound        = "keycloak_bound"
	NotificationUnbound      = "keycloak_unbound"
	NotificationRefused      = "keycloak_refused"
	NotificationContactAdded = "keycloak_contact_added"
)

// Definitions returns the contact addition and binding protocols
func Definitions() []*protocol.Definition {
	return []*protocol.Definition{ContactAdditionDefinition(), BindingDefinition()}
}

// Sign returns d with SignedByKeycloak set to sig
func Sign(d identity.Details, sig []byte) identity.Details {
	d.SignedByKeycloak = hex.EncodeToString(sig)
	return d
}

// verifySigned checks that key signed the details of id
func verifySigned(key crypto.SignPublicKey, id identity.Identity, d identity.Details) bool {
	sig, err := hex.DecodeString(d.SignedByKeycloak)
	if err != nil || len(sig) == 0 {
		return false
	}
	return key.Verify(identity.KeycloakPayload(id, d), sig)
}

func binding(c *protocol.Context) (*identity.KeycloakBinding, error) {
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	if o.Keycloak == nil {
		return nil, protocol.Discard("%s is not bound to a keycloak server", c.Owned())
	}
	return o.Keycloak, nil
}
