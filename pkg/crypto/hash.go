package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// HashString generates a BLAKE2b hash and returns hex string
func HashString(data []byte) (string, error) {
	hash, err := Hash(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// VerifyHash verifies a hash matches the data in constant time
func VerifyHash(data []byte, expectedHash []byte) (bool, error) {
	actualHash, err := Hash(data)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1, nil
}

// HashParts hashes length-prefixed parts so that part boundaries are unambiguous
func HashParts(parts ...[]byte) [32]byte {
	hash, _ := blake2b.New256(nil)
	var l [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		hash.Write(l[:])
		hash.Write(p)
	}
	var out [32]byte
	copy(out[:], hash.Sum(nil))
	return out
}

// DeriveKey expands secret into n bytes with HKDF-SHA256
func DeriveKey(secret, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

// DeriveUID derives a stable UID from seed material and a label
func DeriveUID(label string, seed ...[]byte) encoding.UID {
	parts := append([][]byte{[]byte(label)}, seed...)
	return encoding.UID(HashParts(parts...))
}
