package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const kemInfo = "zentalk-kem-v1"

// EncryptionPublicKey is an X25519 public key
type EncryptionPublicKey [32]byte

// EncryptionPrivateKey is an X25519 private scalar
type EncryptionPrivateKey [32]byte

// GenerateEncryptionKeyPair generates an X25519 key pair
func GenerateEncryptionKeyPair(prng PRNG) (EncryptionPublicKey, EncryptionPrivateKey, error) {
	var priv EncryptionPrivateKey
	copy(priv[:], prng.Bytes(32))
	pub, err := priv.Public()
	return pub, priv, err
}

// EncryptionKeyPairFromSeed derives an X25519 key pair from seed material
func EncryptionKeyPairFromSeed(seed []byte, info string) (EncryptionPublicKey, EncryptionPrivateKey, error) {
	var priv EncryptionPrivateKey
	material, err := DeriveKey(seed, nil, info, 32)
	if err != nil {
		return EncryptionPublicKey{}, priv, err
	}
	copy(priv[:], material)
	pub, err := priv.Public()
	return pub, priv, err
}

// Public computes the public key
func (k EncryptionPrivateKey) Public() (EncryptionPublicKey, error) {
	var pub EncryptionPublicKey
	p, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], p)
	return pub, nil
}

// EncryptionPublicKeyFromBytes validates and copies a 32-byte public key
func EncryptionPublicKeyFromBytes(b []byte) (EncryptionPublicKey, error) {
	var pub EncryptionPublicKey
	if len(b) != len(pub) {
		return pub, fmt.Errorf("%w: x25519 key length %d", ErrInvalidKey, len(b))
	}
	copy(pub[:], b)
	return pub, nil
}

func kemKey(shared []byte, ephemeral, recipient EncryptionPublicKey) ([]byte, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, ephemeral[:]...)
	salt = append(salt, recipient[:]...)
	return DeriveKey(shared, salt, kemInfo, chacha20poly1305.KeySize)
}

// PublicKeyEncrypt encrypts plaintext to the holder of pub.
// Output is ephemeral public key || ChaCha20-Poly1305 box.
func PublicKeyEncrypt(pub EncryptionPublicKey, plaintext []byte, prng PRNG) ([]byte, error) {
	ephPub, ephPriv, err := GenerateEncryptionKeyPair(prng)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	key, err := kemKey(shared, ephPub, pub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	// the key is fresh for every message, a constant nonce is safe
	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(ephPub[:], nonce, plaintext, nil), nil
}

// PrivateKeyDecrypt opens a ciphertext produced by PublicKeyEncrypt
func PrivateKeyDecrypt(priv EncryptionPrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 32+chacha20poly1305.Overhead {
		return nil, ErrDecryptionFailed
	}
	var ephPub EncryptionPublicKey
	copy(ephPub[:], ciphertext[:32])
	pub, err := priv.Public()
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	shared, err := curve25519.X25519(priv[:], ephPub[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	key, err := kemKey(shared, ephPub, pub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, make([]byte, aead.NonceSize()), ciphertext[32:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
