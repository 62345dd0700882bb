package crypto

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

const (
	commitmentTag       = "zentalk-commitment"
	commitmentNonceSize = 32
	sasTag              = "zentalk-sas"
)

// Commit binds value under a random nonce. The commitment reveals nothing about
// value until the decommitment is published.
func Commit(value []byte, prng PRNG) (commitment, decommitment []byte) {
	r := prng.Bytes(commitmentNonceSize)
	decommitment = append(r, value...)
	c := HashParts([]byte(commitmentTag), decommitment)
	return c[:], decommitment
}

// Open checks a decommitment against a commitment and returns the committed value
func Open(commitment, decommitment []byte) ([]byte, bool) {
	if len(decommitment) < commitmentNonceSize {
		return nil, false
	}
	c := HashParts([]byte(commitmentTag), decommitment)
	if subtle.ConstantTimeCompare(c[:], commitment) != 1 {
		return nil, false
	}
	return decommitment[commitmentNonceSize:], true
}

// SASParty is one side of a short authentication string computation
type SASParty struct {
	Identity []byte
	Seed     []byte
}

// ComputeSAS derives a decimal short authentication string of the given
// number of digits. The result does not depend on argument order.
func ComputeSAS(a, b SASParty, digits int) string {
	if bytes.Compare(a.Identity, b.Identity) > 0 {
		a, b = b, a
	}
	h := HashParts([]byte(sasTag), a.Identity, a.Seed, b.Identity, b.Seed)
	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	n := binary.BigEndian.Uint64(h[:8]) % mod
	return fmt.Sprintf("%0*d", digits, n)
}
