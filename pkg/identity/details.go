package identity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

// Details are the user-facing attributes attached to an identity
type Details struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Position  string `json:"position,omitempty"`

	// SignedByKeycloak holds a keycloak-signed copy of these details, if any
	SignedByKeycloak string `json:"keycloak_signed,omitempty"`
}

// DisplayName returns "First Last", falling back to the company
func (d Details) DisplayName() string {
	name := strings.TrimSpace(d.FirstName + " " + d.LastName)
	if name == "" {
		return d.Company
	}
	return name
}

// Validate checks that at least a name is present
func (d Details) Validate() error {
	if d.DisplayName() == "" {
		return fmt.Errorf("%w: details need a name or company", encoding.ErrInvalidPayload)
	}
	return nil
}

// Encode encodes the details as a JSON bytes value
func (d Details) Encode() encoding.Encoded {
	b, _ := json.Marshal(d)
	return encoding.OfBytes(b)
}

func DecodeDetails(e encoding.Encoded) (Details, error) {
	b, err := e.DecodeBytes()
	if err != nil {
		return Details{}, err
	}
	var d Details
	if err := json.Unmarshal(b, &d); err != nil {
		return Details{}, fmt.Errorf("%w: %v", encoding.ErrInvalidPayload, err)
	}
	return d, nil
}

// KeycloakPayload is what a keycloak server signs to vouch for the details of
// an identity. SignedByKeycloak is not part of it.
func KeycloakPayload(id Identity, d Details) []byte {
	d.SignedByKeycloak = ""
	b, _ := json.Marshal(d)
	h := crypto.HashParts([]byte("zentalk-keycloak-details"), id.Bytes(), b)
	return h[:]
}
