// Package wire reads the positional fields of protocol states and messages.
// A Reader keeps the first error it meets; later reads return zero values.
package wire

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
)

type Reader struct {
	items []encoding.Encoded
	pos   int
	err   error
}

// List reads a state payload that must be a list of n elements
func List(e encoding.Encoded, n int) *Reader {
	items, err := e.DecodeListN(n)
	return &Reader{items: items, err: err}
}

// Inputs reads message inputs, which must have exactly n elements
func Inputs(in protocol.Inputs, n int) *Reader {
	return &Reader{items: in.Values, err: in.Expect(n)}
}

// Values reads an arbitrary slice of encoded values
func Values(values []encoding.Encoded) *Reader {
	return &Reader{items: values}
}

func (r *Reader) next() (encoding.Encoded, bool) {
	if r.err != nil {
		return encoding.Encoded{}, false
	}
	if r.pos >= len(r.items) {
		r.err = fmt.Errorf("%w: field %d missing", encoding.ErrWrongArity, r.pos)
		return encoding.Encoded{}, false
	}
	e := r.items[r.pos]
	r.pos++
	return e, true
}

func (r *Reader) check(err error) {
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
	}
}

// Err returns the first error met
func (r *Reader) Err() error { return r.err }

func (r *Reader) Raw() encoding.Encoded {
	e, _ := r.next()
	return e
}

func (r *Reader) Bytes() []byte {
	e, ok := r.next()
	if !ok {
		return nil
	}
	b, err := e.DecodeBytes()
	r.check(err)
	return b
}

func (r *Reader) String() string {
	e, ok := r.next()
	if !ok {
		return ""
	}
	s, err := e.DecodeString()
	r.check(err)
	return s
}

func (r *Reader) Int() int {
	e, ok := r.next()
	if !ok {
		return 0
	}
	i, err := e.DecodeInt()
	r.check(err)
	return int(i)
}

func (r *Reader) Bool() bool {
	e, ok := r.next()
	if !ok {
		return false
	}
	b, err := e.DecodeBool()
	r.check(err)
	return b
}

func (r *Reader) Date() time.Time {
	e, ok := r.next()
	if !ok {
		return time.Time{}
	}
	t, err := e.DecodeDate()
	r.check(err)
	return t
}

func (r *Reader) UID() encoding.UID {
	e, ok := r.next()
	if !ok {
		return encoding.UID{}
	}
	u, err := e.DecodeUID()
	r.check(err)
	return u
}

func (r *Reader) UIDs() []encoding.UID {
	e, ok := r.next()
	if !ok {
		return nil
	}
	u, err := e.DecodeUIDs()
	r.check(err)
	return u
}

func (r *Reader) Strings() []string {
	e, ok := r.next()
	if !ok {
		return nil
	}
	s, err := e.DecodeStrings()
	r.check(err)
	return s
}

func (r *Reader) Identity() identity.Identity {
	e, ok := r.next()
	if !ok {
		return identity.Identity{}
	}
	id, err := identity.Decode(e)
	r.check(err)
	return id
}

func (r *Reader) Identities() []identity.Identity {
	e, ok := r.next()
	if !ok {
		return nil
	}
	ids, err := identity.DecodeList(e)
	r.check(err)
	return ids
}

func (r *Reader) Details() identity.Details {
	e, ok := r.next()
	if !ok {
		return identity.Details{}
	}
	d, err := identity.DecodeDetails(e)
	r.check(err)
	return d
}

func (r *Reader) Snapshot() *identity.Snapshot {
	e, ok := r.next()
	if !ok {
		return nil
	}
	s, err := identity.DecodeSnapshot(e)
	r.check(err)
	return s
}

func (r *Reader) EncryptionKey() crypto.EncryptionPublicKey {
	b := r.Bytes()
	if r.err != nil {
		return crypto.EncryptionPublicKey{}
	}
	k, err := crypto.EncryptionPublicKeyFromBytes(b)
	r.check(err)
	return k
}

func (r *Reader) EncryptionPrivateKey() crypto.EncryptionPrivateKey {
	b := r.Bytes()
	var k crypto.EncryptionPrivateKey
	if r.err == nil && len(b) != len(k) {
		r.check(crypto.ErrInvalidKey)
	}
	copy(k[:], b)
	return k
}

func (r *Reader) AuthEncKey() crypto.AuthEncKey {
	e, ok := r.next()
	if !ok {
		return crypto.AuthEncKey{}
	}
	k, err := crypto.DecodeAuthEncKey(e)
	r.check(err)
	return k
}

// SortedUIDs returns a sorted copy of uids, for keys derived from device sets
func SortedUIDs(uids []encoding.UID) []encoding.UID {
	out := append([]encoding.UID(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
