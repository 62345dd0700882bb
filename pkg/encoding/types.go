package encoding

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ByteID identifies the type of an encoded value
type ByteID byte

// Byte ids. Values are part of the wire format and must never change.
const (
	ByteIDBytes        ByteID = 0x00
	ByteIDInt          ByteID = 0x01
	ByteIDBool         ByteID = 0x02
	ByteIDList         ByteID = 0x03
	ByteIDDictionary   ByteID = 0x04
	ByteIDUint         ByteID = 0x05
	ByteIDUID          ByteID = 0x06
	ByteIDIdentity     ByteID = 0x07
	ByteIDDate         ByteID = 0x08
	ByteIDSymmetricKey ByteID = 0x80
)

const (
	// HeaderSize is the size of the byte id plus the length field
	HeaderSize = 5

	// MaxPayloadSize bounds the declared length of a single value
	MaxPayloadSize = 64 << 20

	// MaxDepth bounds the nesting of lists and dictionaries
	MaxDepth = 64

	// UIDLength is the size of a UID in bytes
	UIDLength = 32
)

var (
	ErrTruncated      = errors.New("encoding: truncated input")
	ErrTrailingBytes  = errors.New("encoding: trailing bytes after value")
	ErrUnknownByteID  = errors.New("encoding: unknown byte id")
	ErrWrongType      = errors.New("encoding: unexpected value type")
	ErrInvalidPayload = errors.New("encoding: invalid payload")
	ErrTooLarge       = errors.New("encoding: payload too large")
	ErrTooDeep        = errors.New("encoding: nesting too deep")
	ErrWrongArity     = errors.New("encoding: unexpected number of elements")
	ErrDuplicateKey   = errors.New("encoding: duplicate dictionary key")
)

func (id ByteID) String() string {
	switch id {
	case ByteIDBytes:
		return "bytes"
	case ByteIDInt:
		return "int"
	case ByteIDBool:
		return "bool"
	case ByteIDList:
		return "list"
	case ByteIDDictionary:
		return "dictionary"
	case ByteIDUint:
		return "uint"
	case ByteIDUID:
		return "uid"
	case ByteIDIdentity:
		return "identity"
	case ByteIDDate:
		return "date"
	case ByteIDSymmetricKey:
		return "symmetric-key"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(id))
	}
}

// Known reports whether the byte id is part of the format
func (id ByteID) Known() bool {
	switch id {
	case ByteIDBytes, ByteIDInt, ByteIDBool, ByteIDList, ByteIDDictionary,
		ByteIDUint, ByteIDUID, ByteIDIdentity, ByteIDDate, ByteIDSymmetricKey:
		return true
	}
	return false
}

// UID is a fixed-length random identifier naming protocol instances, devices and groups
type UID [UIDLength]byte

// UIDFromBytes copies b into a UID
func UIDFromBytes(b []byte) (UID, error) {
	var u UID
	if len(b) != UIDLength {
		return u, fmt.Errorf("%w: uid must be %d bytes, got %d", ErrInvalidPayload, UIDLength, len(b))
	}
	copy(u[:], b)
	return u, nil
}

// ParseUID parses a hex encoded UID
func ParseUID(s string) (UID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return UID{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return UIDFromBytes(b)
}

func (u UID) String() string {
	return hex.EncodeToString(u[:])
}

// Short returns the first 8 hex characters, for logs
func (u UID) Short() string {
	return hex.EncodeToString(u[:4])
}

// IsZero checks if the UID is all zeros
func (u UID) IsZero() bool {
	return u == UID{}
}

// MarshalText encodes the UID as hex
func (u UID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses a hex UID
func (u *UID) UnmarshalText(text []byte) error {
	parsed, err := ParseUID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
