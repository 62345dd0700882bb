package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

// Encoded is a single validated encoded value.
// The zero value is not a valid encoding; use the Of* constructors or Parse.
type Encoded struct {
	raw []byte
}

// Dictionary maps byte-string keys to encoded values
type Dictionary map[string]Encoded

// Parse validates b as exactly one encoded value. The input is copied.
func Parse(b []byte) (Encoded, error) {
	if err := validate(b, 0); err != nil {
		return Encoded{}, err
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Encoded{raw: raw}, nil
}

// ParsePrefix parses the first encoded value of b and returns the remaining bytes
func ParsePrefix(b []byte) (Encoded, []byte, error) {
	_, _, rest, err := split(b)
	if err != nil {
		return Encoded{}, nil, err
	}
	e, err := Parse(b[:len(b)-len(rest)])
	if err != nil {
		return Encoded{}, nil, err
	}
	return e, rest, nil
}

// Tagged builds a value with the given byte id and payload.
// It is meant for types owned by other packages (identities, keys); the caller
// guarantees the payload is well-formed for id.
func Tagged(id ByteID, payload []byte) Encoded {
	raw := make([]byte, HeaderSize+len(payload))
	raw[0] = byte(id)
	binary.BigEndian.PutUint32(raw[1:HeaderSize], uint32(len(payload)))
	copy(raw[HeaderSize:], payload)
	return Encoded{raw: raw}
}

func OfBytes(b []byte) Encoded {
	return Tagged(ByteIDBytes, b)
}

func OfString(s string) Encoded {
	return Tagged(ByteIDBytes, []byte(s))
}

func OfInt(i int64) Encoded {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(i))
	return Tagged(ByteIDInt, p[:])
}

func OfUint(u uint64) Encoded {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], u)
	return Tagged(ByteIDUint, p[:])
}

func OfBool(b bool) Encoded {
	if b {
		return Tagged(ByteIDBool, []byte{1})
	}
	return Tagged(ByteIDBool, []byte{0})
}

func OfUID(u UID) Encoded {
	return Tagged(ByteIDUID, u[:])
}

// OfDate encodes t with millisecond precision
func OfDate(t time.Time) Encoded {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(t.UnixMilli()))
	return Tagged(ByteIDDate, p[:])
}

func OfList(items ...Encoded) Encoded {
	size := 0
	for _, it := range items {
		size += len(it.raw)
	}
	payload := make([]byte, 0, size)
	for _, it := range items {
		payload = append(payload, it.raw...)
	}
	return Tagged(ByteIDList, payload)
}

// OfUIDs encodes a list of UIDs
func OfUIDs(uids []UID) Encoded {
	items := make([]Encoded, len(uids))
	for i, u := range uids {
		items[i] = OfUID(u)
	}
	return OfList(items...)
}

// OfStrings encodes a list of byte strings
func OfStrings(ss []string) Encoded {
	items := make([]Encoded, len(ss))
	for i, s := range ss {
		items[i] = OfString(s)
	}
	return OfList(items...)
}

// OfDictionary encodes d with keys in ascending byte order
func OfDictionary(d Dictionary) Encoded {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.Write(OfString(k).raw)
		buf.Write(d[k].raw)
	}
	return Tagged(ByteIDDictionary, buf.Bytes())
}

// Bytes returns the full encoding. The returned slice must not be modified.
func (e Encoded) Bytes() []byte {
	return e.raw
}

// ID returns the byte id of the value
func (e Encoded) ID() ByteID {
	if len(e.raw) < HeaderSize {
		return 0xff
	}
	return ByteID(e.raw[0])
}

// Payload returns the value payload. The returned slice must not be modified.
func (e Encoded) Payload() []byte {
	if len(e.raw) < HeaderSize {
		return nil
	}
	return e.raw[HeaderSize:]
}

// IsZero reports whether e holds no encoding at all
func (e Encoded) IsZero() bool {
	return len(e.raw) == 0
}

// Equal compares two encodings byte for byte
func (e Encoded) Equal(o Encoded) bool {
	return bytes.Equal(e.raw, o.raw)
}

func (e Encoded) String() string {
	if e.IsZero() {
		return "<empty>"
	}
	return fmt.Sprintf("%s[%d]", e.ID(), len(e.raw)-HeaderSize)
}

func (e Encoded) expect(id ByteID) ([]byte, error) {
	if len(e.raw) < HeaderSize {
		return nil, ErrTruncated
	}
	if ByteID(e.raw[0]) != id {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrWrongType, id, ByteID(e.raw[0]))
	}
	return e.raw[HeaderSize:], nil
}

// DecodeTagged returns a copy of the payload if the value has the given byte id
func (e Encoded) DecodeTagged(id ByteID) ([]byte, error) {
	p, err := e.expect(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (e Encoded) DecodeBytes() ([]byte, error) {
	return e.DecodeTagged(ByteIDBytes)
}

// DecodeString decodes a bytes value holding valid UTF-8
func (e Encoded) DecodeString() (string, error) {
	p, err := e.expect(ByteIDBytes)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", fmt.Errorf("%w: string is not valid utf-8", ErrInvalidPayload)
	}
	return string(p), nil
}

func (e Encoded) DecodeInt() (int64, error) {
	p, err := e.expect(ByteIDInt)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

func (e Encoded) DecodeUint() (uint64, error) {
	p, err := e.expect(ByteIDUint)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (e Encoded) DecodeBool() (bool, error) {
	p, err := e.expect(ByteIDBool)
	if err != nil {
		return false, err
	}
	return p[0] == 1, nil
}

func (e Encoded) DecodeUID() (UID, error) {
	p, err := e.expect(ByteIDUID)
	if err != nil {
		return UID{}, err
	}
	return UIDFromBytes(p)
}

func (e Encoded) DecodeDate() (time.Time, error) {
	p, err := e.expect(ByteIDDate)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(p))), nil
}

// DecodeList splits a list into its elements. Elements share e's buffer.
func (e Encoded) DecodeList() ([]Encoded, error) {
	p, err := e.expect(ByteIDList)
	if err != nil {
		return nil, err
	}
	elems, err := elements(p)
	if err != nil {
		return nil, err
	}
	out := make([]Encoded, len(elems))
	for i, el := range elems {
		out[i] = Encoded{raw: el}
	}
	return out, nil
}

// DecodeListN decodes a list that must have exactly n elements
func (e Encoded) DecodeListN(n int) ([]Encoded, error) {
	count, err := e.ListLen()
	if err != nil {
		return nil, err
	}
	if count != n {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrWrongArity, n, count)
	}
	return e.DecodeList()
}

// ListLen counts the elements of a list without splitting it
func (e Encoded) ListLen() (int, error) {
	p, err := e.expect(ByteIDList)
	if err != nil {
		return 0, err
	}
	n := 0
	for len(p) > 0 {
		_, _, rest, err := split(p)
		if err != nil {
			return 0, err
		}
		p = rest
		n++
	}
	return n, nil
}

func (e Encoded) DecodeUIDs() ([]UID, error) {
	items, err := e.DecodeList()
	if err != nil {
		return nil, err
	}
	out := make([]UID, len(items))
	for i, it := range items {
		if out[i], err = it.DecodeUID(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e Encoded) DecodeStrings() ([]string, error) {
	items, err := e.DecodeList()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, it := range items {
		if out[i], err = it.DecodeString(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeDictionary decodes a dictionary. Unknown keys are kept; callers pick what they need.
func (e Encoded) DecodeDictionary() (Dictionary, error) {
	p, err := e.expect(ByteIDDictionary)
	if err != nil {
		return nil, err
	}
	elems, err := elements(p)
	if err != nil {
		return nil, err
	}
	if len(elems)%2 != 0 {
		return nil, fmt.Errorf("%w: dictionary has odd element count", ErrInvalidPayload)
	}
	d := make(Dictionary, len(elems)/2)
	var prev []byte
	for i := 0; i < len(elems); i += 2 {
		k := Encoded{raw: elems[i]}
		key, err := k.expect(ByteIDBytes)
		if err != nil {
			return nil, fmt.Errorf("dictionary key: %w", err)
		}
		if i > 0 {
			if err := keyOrder(prev, key); err != nil {
				return nil, err
			}
		}
		prev = key
		d[string(key)] = Encoded{raw: elems[i+1]}
	}
	return d, nil
}

// keyOrder accepts only strictly ascending dictionary keys, the order
// OfDictionary writes
func keyOrder(prev, key []byte) error {
	switch bytes.Compare(prev, key) {
	case 0:
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	case 1:
		return fmt.Errorf("%w: dictionary key %q out of order", ErrInvalidPayload, key)
	}
	return nil
}

// Get returns the value stored under key
func (d Dictionary) Get(key string) (Encoded, bool) {
	v, ok := d[key]
	return v, ok
}

// Require returns the value stored under key or an error naming the missing key
func (d Dictionary) Require(key string) (Encoded, error) {
	v, ok := d[key]
	if !ok {
		return Encoded{}, fmt.Errorf("%w: missing dictionary key %q", ErrInvalidPayload, key)
	}
	return v, nil
}

func split(b []byte) (ByteID, []byte, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(b[1:HeaderSize])
	if n > MaxPayloadSize {
		return 0, nil, nil, ErrTooLarge
	}
	if uint64(len(b)-HeaderSize) < uint64(n) {
		return 0, nil, nil, ErrTruncated
	}
	end := HeaderSize + int(n)
	return ByteID(b[0]), b[HeaderSize:end], b[end:], nil
}

func elements(payload []byte) ([][]byte, error) {
	var out [][]byte
	for len(payload) > 0 {
		_, _, rest, err := split(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, payload[:len(payload)-len(rest)])
		payload = rest
	}
	return out, nil
}

func validate(b []byte, depth int) error {
	id, payload, rest, err := split(b)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return ErrTrailingBytes
	}
	return validatePayload(id, payload, depth)
}

func validatePayload(id ByteID, payload []byte, depth int) error {
	switch id {
	case ByteIDBytes, ByteIDIdentity:
		return nil
	case ByteIDInt, ByteIDUint, ByteIDDate:
		if len(payload) != 8 {
			return fmt.Errorf("%w: %s must be 8 bytes, got %d", ErrInvalidPayload, id, len(payload))
		}
	case ByteIDBool:
		if len(payload) != 1 || payload[0] > 1 {
			return fmt.Errorf("%w: malformed bool", ErrInvalidPayload)
		}
	case ByteIDUID:
		if len(payload) != UIDLength {
			return fmt.Errorf("%w: uid must be %d bytes, got %d", ErrInvalidPayload, UIDLength, len(payload))
		}
	case ByteIDSymmetricKey:
		if len(payload) < 1 {
			return fmt.Errorf("%w: empty symmetric key", ErrInvalidPayload)
		}
	case ByteIDList, ByteIDDictionary:
		if depth >= MaxDepth {
			return ErrTooDeep
		}
		elems, err := elements(payload)
		if err != nil {
			return err
		}
		if id == ByteIDDictionary && len(elems)%2 != 0 {
			return fmt.Errorf("%w: dictionary has odd element count", ErrInvalidPayload)
		}
		for i, el := range elems {
			if err := validate(el, depth+1); err != nil {
				return err
			}
			if id == ByteIDDictionary && i%2 == 0 {
				if ByteID(el[0]) != ByteIDBytes {
					return fmt.Errorf("%w: dictionary key must be bytes", ErrInvalidPayload)
				}
				if i > 0 {
					if err := keyOrder(elems[i-2][HeaderSize:], el[HeaderSize:]); err != nil {
						return err
					}
				}
			}
		}
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownByteID, byte(id))
	}
	return nil
}
