package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
)

// AuthEncAlgorithm selects an authenticated encryption suite
type AuthEncAlgorithm byte

const (
	AuthEncAES256GCM        AuthEncAlgorithm = 0x00
	AuthEncChaCha20Poly1305 AuthEncAlgorithm = 0x01
)

// AuthEncKeySize is the key size of every suite
const AuthEncKeySize = 32

// AuthEncKey is a symmetric key for authenticated encryption.
// Ciphertexts are nonce || sealed box.
type AuthEncKey struct {
	Algorithm AuthEncAlgorithm
	Key       []byte
}

// GenerateAuthEncKey draws a fresh key from prng
func GenerateAuthEncKey(algo AuthEncAlgorithm, prng PRNG) AuthEncKey {
	return AuthEncKey{Algorithm: algo, Key: prng.Bytes(AuthEncKeySize)}
}

// AuthEncKeyFromSeed deterministically derives a key from seed material
func AuthEncKeyFromSeed(algo AuthEncAlgorithm, seed []byte, info string) (AuthEncKey, error) {
	key, err := DeriveKey(seed, nil, info, AuthEncKeySize)
	if err != nil {
		return AuthEncKey{}, err
	}
	return AuthEncKey{Algorithm: algo, Key: key}, nil
}

func (k AuthEncKey) aead() (cipher.AEAD, error) {
	if len(k.Key) != AuthEncKeySize {
		return nil, ErrInvalidKey
	}
	switch k.Algorithm {
	case AuthEncAES256GCM:
		block, err := aes.NewCipher(k.Key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AuthEncChaCha20Poly1305:
		return chacha20poly1305.New(k.Key)
	default:
		return nil, fmt.Errorf("%w: auth enc 0x%02x", ErrUnknownAlgorithm, byte(k.Algorithm))
	}
}

// Encrypt seals plaintext under a random nonce drawn from prng
func (k AuthEncKey) Encrypt(plaintext []byte, prng PRNG) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := prng.Bytes(aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure yields
// ErrDecryptionFailed and no plaintext.
func (k AuthEncKey) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encode encodes the key as a symmetric-key value
func (k AuthEncKey) Encode() encoding.Encoded {
	payload := make([]byte, 0, 1+len(k.Key))
	payload = append(payload, byte(k.Algorithm))
	payload = append(payload, k.Key...)
	return encoding.Tagged(encoding.ByteIDSymmetricKey, payload)
}

// DecodeAuthEncKey decodes a symmetric-key value
func DecodeAuthEncKey(e encoding.Encoded) (AuthEncKey, error) {
	payload, err := e.DecodeTagged(encoding.ByteIDSymmetricKey)
	if err != nil {
		return AuthEncKey{}, err
	}
	k := AuthEncKey{Algorithm: AuthEncAlgorithm(payload[0]), Key: payload[1:]}
	if _, err := k.aead(); err != nil {
		return AuthEncKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k, nil
}
