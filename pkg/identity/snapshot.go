package identity

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

// ContactSnapshot is the synchronizable part of a contact
type ContactSnapshot struct {
	Identity     Identity      `json:"identity"`
	Details      Details       `json:"details"`
	Nickname     string        `json:"nickname,omitempty"`
	TrustOrigins []TrustOrigin `json:"trust_origins,omitempty"`
}

// GroupSnapshot is the synchronizable part of a group
type GroupSnapshot struct {
	Owner   Identity     `json:"owner"`
	UID     encoding.UID `json:"uid"`
	Name    string       `json:"name"`
	Version int          `json:"version"`
	Members []Identity   `json:"members,omitempty"`
	Pending []Identity   `json:"pending,omitempty"`
}

// Snapshot is the synchronizable state of an owned identity, exchanged
// between owned devices and during identity transfer
type Snapshot struct {
	Identity       Identity          `json:"identity"`
	Details        Details           `json:"details"`
	DetailsVersion int               `json:"details_version"`
	Keycloak       *KeycloakBinding  `json:"keycloak,omitempty"`
	Contacts       []ContactSnapshot `json:"contacts,omitempty"`
	Groups         []GroupSnapshot   `json:"groups,omitempty"`
	Settings       map[string]string `json:"settings,omitempty"`
}

// Encode encodes the snapshot as a JSON bytes value
func (s *Snapshot) Encode() encoding.Encoded {
	b, _ := json.Marshal(s)
	return encoding.OfBytes(b)
}

func DecodeSnapshot(e encoding.Encoded) (*Snapshot, error) {
	b, err := e.DecodeBytes()
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", encoding.ErrInvalidPayload, err)
	}
	return &s, nil
}

// Digest is a stable hash of the snapshot, used to detect divergence between
// devices. It does not depend on the order records were created in, nor on
// when a trust origin was recorded.
func (s *Snapshot) Digest() string {
	c := *s
	c.Contacts = make([]ContactSnapshot, len(s.Contacts))
	for i, contact := range s.Contacts {
		origins := make([]TrustOrigin, 0, len(contact.TrustOrigins))
		for _, o := range contact.TrustOrigins {
			o.Timestamp = time.Time{}
			if !slices.Contains(origins, o) {
				origins = append(origins, o)
			}
		}
		sort.Slice(origins, func(i, j int) bool {
			if origins[i].Kind != origins[j].Kind {
				return origins[i].Kind < origins[j].Kind
			}
			return origins[i].Mediator.String() < origins[j].Mediator.String()
		})
		contact.TrustOrigins = origins
		c.Contacts[i] = contact
	}
	sort.Slice(c.Contacts, func(i, j int) bool {
		return c.Contacts[i].Identity.String() < c.Contacts[j].Identity.String()
	})
	c.Groups = slices.Clone(s.Groups)
	sort.Slice(c.Groups, func(i, j int) bool {
		return c.Groups[i].UID.String() < c.Groups[j].UID.String()
	})
	h, _ := crypto.HashString(c.Encode().Bytes())
	return h
}
