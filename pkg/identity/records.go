package identity

import (
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

// OwnedIdentity is an identity whose private keys live on this device
type OwnedIdentity struct {
	Identity       Identity
	Details        Details
	DetailsVersion int
	Active         bool
	Keycloak       *KeycloakBinding
	BackupKey      *BackupKeyInfo
	CreatedAt      time.Time
}

// Device is one device of an owned identity
type Device struct {
	UID     encoding.UID
	Name    string
	Current bool
}

// TrustOriginKind tells how trust in a contact was established
type TrustOriginKind int

const (
	TrustDirect TrustOriginKind = iota
	TrustIntroduction
	TrustGroup
	TrustKeycloak
	TrustSAS
	TrustMutualScan
)

func (k TrustOriginKind) String() string {
	switch k {
	case TrustDirect:
		return "direct"
	case TrustIntroduction:
		return "introduction"
	case TrustGroup:
		return "group"
	case TrustKeycloak:
		return "keycloak"
	case TrustSAS:
		return "sas"
	case TrustMutualScan:
		return "mutual-scan"
	}
	return "unknown"
}

// TrustOrigin records one reason for trusting a contact
type TrustOrigin struct {
	Kind      TrustOriginKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	// Mediator is the introducer or group owner, when there is one
	Mediator Identity `json:"mediator,omitempty"`
}

// Contact is a trusted remote identity of an owned identity
type Contact struct {
	Owned                   Identity
	Identity                Identity
	Details                 Details
	PublishedDetailsVersion int
	Nickname                string
	Devices                 []encoding.UID
	TrustOrigins            []TrustOrigin
	CreatedAt               time.Time
}

// ObliviousChannel is an authenticated channel between the current device
// and one remote device
type ObliviousChannel struct {
	Owned          Identity
	RemoteIdentity Identity
	RemoteDevice   encoding.UID
	Seed           []byte
	ConfirmedAt    time.Time
}

// Group is a group of identities administered by its owner
type Group struct {
	Owned   Identity
	Owner   Identity
	UID     encoding.UID
	Name    string
	Version int
	Members []Identity
	Pending []Identity
}

// IsOwner reports whether the owned identity administers the group
func (g *Group) IsOwner() bool {
	return g.Owned == g.Owner
}

// Recipients returns members and pending members other than the owned identity
func (g *Group) Recipients() []Identity {
	var out []Identity
	for _, id := range append(append([]Identity{g.Owner}, g.Members...), g.Pending...) {
		if id != g.Owned && !Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// KeycloakBinding binds an owned identity to a keycloak server
type KeycloakBinding struct {
	ServerURL string               `json:"server_url"`
	ClientID  string               `json:"client_id"`
	UserID    string               `json:"user_id"`
	SignKey   crypto.SignPublicKey `json:"sign_key"`
	BoundAt   time.Time            `json:"bound_at"`
}

// BackupKeyInfo is the public half of the owned identity's backup key
type BackupKeyInfo struct {
	Public       crypto.EncryptionPublicKey `json:"public"`
	MACKey       []byte                     `json:"mac_key"`
	CreatedAt    time.Time                  `json:"created_at"`
	LastVerified time.Time                  `json:"last_verified"`
}
