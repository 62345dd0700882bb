package crypto

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// SignatureAlgorithm selects a signature suite
type SignatureAlgorithm byte

const (
	SignatureEd25519    SignatureAlgorithm = 0x00
	SignatureDilithium3 SignatureAlgorithm = 0x01
)

const privateKeyPEMType = "ZENTALK SIGNING KEY"

func (a SignatureAlgorithm) String() string {
	switch a {
	case SignatureEd25519:
		return "ed25519"
	case SignatureDilithium3:
		return "dilithium3"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(a))
	}
}

// SignPublicKey is a verification key of some signature suite
type SignPublicKey struct {
	Algorithm SignatureAlgorithm
	Key       []byte
}

// SignPrivateKey is a signing key of some signature suite
type SignPrivateKey struct {
	Algorithm SignatureAlgorithm
	Key       []byte
}

// GenerateSignKeyPair generates a new signing key pair
func GenerateSignKeyPair(algo SignatureAlgorithm, prng PRNG) (SignPublicKey, SignPrivateKey, error) {
	switch algo {
	case SignatureEd25519:
		pub, priv, err := ed25519.GenerateKey(prng)
		if err != nil {
			return SignPublicKey{}, SignPrivateKey{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		return SignPublicKey{algo, pub}, SignPrivateKey{algo, priv}, nil
	case SignatureDilithium3:
		pub, priv, err := mode3.GenerateKey(prng)
		if err != nil {
			return SignPublicKey{}, SignPrivateKey{}, fmt.Errorf("failed to generate dilithium3 key: %w", err)
		}
		return SignPublicKey{algo, pub.Bytes()}, SignPrivateKey{algo, priv.Bytes()}, nil
	default:
		return SignPublicKey{}, SignPrivateKey{}, fmt.Errorf("%w: signature 0x%02x", ErrUnknownAlgorithm, byte(algo))
	}
}

// Validate checks that the key material is well-formed for its suite
func (k SignPublicKey) Validate() error {
	switch k.Algorithm {
	case SignatureEd25519:
		if len(k.Key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 public key length %d", ErrInvalidKey, len(k.Key))
		}
	case SignatureDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(k.Key); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	default:
		return fmt.Errorf("%w: signature 0x%02x", ErrUnknownAlgorithm, byte(k.Algorithm))
	}
	return nil
}

// Verify reports whether sig is a valid signature of msg
func (k SignPublicKey) Verify(msg, sig []byte) bool {
	switch k.Algorithm {
	case SignatureEd25519:
		if len(k.Key) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(k.Key), msg, sig)
	case SignatureDilithium3:
		if len(sig) != mode3.SignatureSize {
			return false
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(k.Key); err != nil {
			return false
		}
		return mode3.Verify(&pk, msg, sig)
	default:
		return false
	}
}

// Bytes returns algorithm || key
func (k SignPublicKey) Bytes() []byte {
	return append([]byte{byte(k.Algorithm)}, k.Key...)
}

// ParseSignPublicKey parses the output of SignPublicKey.Bytes
func ParseSignPublicKey(b []byte) (SignPublicKey, error) {
	if len(b) < 1 {
		return SignPublicKey{}, ErrInvalidKey
	}
	k := SignPublicKey{Algorithm: SignatureAlgorithm(b[0]), Key: append([]byte(nil), b[1:]...)}
	if err := k.Validate(); err != nil {
		return SignPublicKey{}, err
	}
	return k, nil
}

// Sign signs msg
func (k SignPrivateKey) Sign(msg []byte) ([]byte, error) {
	switch k.Algorithm {
	case SignatureEd25519:
		if len(k.Key) != ed25519.PrivateKeySize {
			return nil, ErrInvalidKey
		}
		return ed25519.Sign(ed25519.PrivateKey(k.Key), msg), nil
	case SignatureDilithium3:
		var sk mode3.PrivateKey
		if err := sk.UnmarshalBinary(k.Key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(&sk, msg, sig)
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: signature 0x%02x", ErrUnknownAlgorithm, byte(k.Algorithm))
	}
}

// Public derives the verification key
func (k SignPrivateKey) Public() (SignPublicKey, error) {
	switch k.Algorithm {
	case SignatureEd25519:
		if len(k.Key) != ed25519.PrivateKeySize {
			return SignPublicKey{}, ErrInvalidKey
		}
		pub := ed25519.PrivateKey(k.Key).Public().(ed25519.PublicKey)
		return SignPublicKey{k.Algorithm, []byte(pub)}, nil
	case SignatureDilithium3:
		var sk mode3.PrivateKey
		if err := sk.UnmarshalBinary(k.Key); err != nil {
			return SignPublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub := sk.Public().(*mode3.PublicKey)
		return SignPublicKey{k.Algorithm, pub.Bytes()}, nil
	default:
		return SignPublicKey{}, fmt.Errorf("%w: signature 0x%02x", ErrUnknownAlgorithm, byte(k.Algorithm))
	}
}

// Bytes returns algorithm || key
func (k SignPrivateKey) Bytes() []byte {
	return append([]byte{byte(k.Algorithm)}, k.Key...)
}

// ParseSignPrivateKey parses the output of SignPrivateKey.Bytes
func ParseSignPrivateKey(b []byte) (SignPrivateKey, error) {
	if len(b) < 1 {
		return SignPrivateKey{}, ErrInvalidKey
	}
	k := SignPrivateKey{Algorithm: SignatureAlgorithm(b[0]), Key: append([]byte(nil), b[1:]...)}
	if _, err := k.Public(); err != nil {
		return SignPrivateKey{}, err
	}
	return k, nil
}

// ExportPrivateKeyPEM exports a signing key to PEM format
func ExportPrivateKeyPEM(key SignPrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:    privateKeyPEMType,
		Headers: map[string]string{"Algorithm": key.Algorithm.String()},
		Bytes:   key.Bytes(),
	})
}

// ImportPrivateKeyPEM imports a signing key from PEM format
func ImportPrivateKeyPEM(pemData []byte) (SignPrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != privateKeyPEMType {
		return SignPrivateKey{}, ErrInvalidKey
	}
	return ParseSignPrivateKey(block.Bytes)
}
