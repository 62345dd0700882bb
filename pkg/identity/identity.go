// Package identity defines cryptographic identities, the private key bundle
// behind an owned identity, and the records the engine keeps about owned
// identities, their devices, contacts, channels and groups.
package identity

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrNotFound        = errors.New("not found")
)

const maxServerLength = 1024

// Identity is an immutable cryptographic identity: a server URL plus the
// public keys used to authenticate it and to encrypt to it. Identities are
// comparable and can be used as map keys.
//
// Layout: serverLen(2) | server | signAlgo(1) | signLen(2) | signKey | x25519(32)
type Identity struct {
	raw string
}

type parts struct {
	server string
	sign   crypto.SignPublicKey
	enc    crypto.EncryptionPublicKey
}

// New builds an identity from its components
func New(server string, sign crypto.SignPublicKey, enc crypto.EncryptionPublicKey) (Identity, error) {
	if server == "" || len(server) > maxServerLength {
		return Identity{}, fmt.Errorf("%w: bad server url length %d", ErrInvalidIdentity, len(server))
	}
	if err := sign.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(len(server)))
	buf.WriteString(server)
	buf.WriteByte(byte(sign.Algorithm))
	binary.Write(&buf, binary.BigEndian, uint16(len(sign.Key)))
	buf.Write(sign.Key)
	buf.Write(enc[:])
	return Identity{raw: buf.String()}, nil
}

// FromBytes parses and validates the raw identity bytes
func FromBytes(b []byte) (Identity, error) {
	if _, err := split(b); err != nil {
		return Identity{}, err
	}
	return Identity{raw: string(b)}, nil
}

func split(b []byte) (parts, error) {
	var p parts
	if len(b) < 2 {
		return p, ErrInvalidIdentity
	}
	serverLen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if serverLen == 0 || len(b) < serverLen+3 {
		return p, ErrInvalidIdentity
	}
	p.server = string(b[:serverLen])
	b = b[serverLen:]

	algo := crypto.SignatureAlgorithm(b[0])
	keyLen := int(binary.BigEndian.Uint16(b[1:3]))
	b = b[3:]
	if len(b) != keyLen+len(p.enc) {
		return p, ErrInvalidIdentity
	}
	p.sign = crypto.SignPublicKey{Algorithm: algo, Key: append([]byte(nil), b[:keyLen]...)}
	if err := p.sign.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	copy(p.enc[:], b[keyLen:])
	return p, nil
}

func (id Identity) parts() parts {
	p, err := split([]byte(id.raw))
	if err != nil {
		return parts{}
	}
	return p
}

// Bytes returns the raw identity
func (id Identity) Bytes() []byte {
	return []byte(id.raw)
}

// IsZero reports whether id is the zero identity
func (id Identity) IsZero() bool {
	return id.raw == ""
}

// Server returns the server URL the identity is hosted on
func (id Identity) Server() string {
	return id.parts().server
}

// SignKey returns the identity's verification key
func (id Identity) SignKey() crypto.SignPublicKey {
	return id.parts().sign
}

// EncryptionKey returns the identity's X25519 public key
func (id Identity) EncryptionKey() crypto.EncryptionPublicKey {
	return id.parts().enc
}

// Fingerprint is the hex BLAKE2b-256 of the raw identity
func (id Identity) Fingerprint() string {
	s, _ := crypto.HashString(id.Bytes())
	return s
}

func (id Identity) String() string {
	if id.IsZero() {
		return "<no identity>"
	}
	return id.Fingerprint()[:12]
}

// Compare orders identities by their raw bytes
func Compare(a, b Identity) int {
	switch {
	case a.raw < b.raw:
		return -1
	case a.raw > b.raw:
		return 1
	}
	return 0
}

// Encode encodes the identity as an identity value
func (id Identity) Encode() encoding.Encoded {
	return encoding.Tagged(encoding.ByteIDIdentity, id.Bytes())
}

// Decode decodes an identity value
func Decode(e encoding.Encoded) (Identity, error) {
	b, err := e.DecodeTagged(encoding.ByteIDIdentity)
	if err != nil {
		return Identity{}, err
	}
	return FromBytes(b)
}

// EncodeList encodes identities as a list
func EncodeList(ids []Identity) encoding.Encoded {
	items := make([]encoding.Encoded, len(ids))
	for i, id := range ids {
		items[i] = id.Encode()
	}
	return encoding.OfList(items...)
}

// DecodeList decodes a list of identities
func DecodeList(e encoding.Encoded) ([]Identity, error) {
	items, err := e.DecodeList()
	if err != nil {
		return nil, err
	}
	out := make([]Identity, len(items))
	for i, it := range items {
		if out[i], err = Decode(it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarshalText encodes the identity as unpadded base64url
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(base64.RawURLEncoding.EncodeToString(id.Bytes())), nil
}

// UnmarshalText parses the output of MarshalText
func (id *Identity) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = Identity{}
		return nil
	}
	b, err := base64.RawURLEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	parsed, err := FromBytes(b)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse parses a base64url identity
func Parse(s string) (Identity, error) {
	var id Identity
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// ErrIsNotFound reports whether err wraps ErrNotFound
func ErrIsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Contains reports whether ids contains id
func Contains(ids []Identity, id Identity) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Remove returns ids without id
func Remove(ids []Identity, id Identity) []Identity {
	out := make([]Identity, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
