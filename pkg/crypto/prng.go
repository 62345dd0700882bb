package crypto

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// PRNG is the randomness service handed to protocol steps.
// Implementations must produce CSPRNG-quality output of any length.
type PRNG interface {
	io.Reader
	Bytes(n int) []byte
}

type systemPRNG struct{}

// SystemPRNG returns a PRNG backed by the operating system
func SystemPRNG() PRNG {
	return systemPRNG{}
}

func (systemPRNG) Read(p []byte) (int, error) {
	return rand.Read(p)
}

func (systemPRNG) Bytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// SeededPRNG is a deterministic ChaCha20 keystream generator.
// Two SeededPRNGs built from the same seed produce the same output.
type SeededPRNG struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

// NewSeededPRNG keys a ChaCha20 stream with BLAKE2b-256(seed)
func NewSeededPRNG(seed []byte) *SeededPRNG {
	key := blake2b.Sum256(seed)
	nonce := make([]byte, chacha20.NonceSize)
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		// key and nonce sizes are fixed
		panic(err)
	}
	return &SeededPRNG{stream: stream}
}

func (p *SeededPRNG) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(b)
	p.stream.XORKeyStream(b, b)
	return len(b), nil
}

func (p *SeededPRNG) Bytes(n int) []byte {
	b := make([]byte, n)
	p.Read(b)
	return b
}

// GenerateUID draws a fresh UID from prng
func GenerateUID(prng PRNG) encoding.UID {
	var u encoding.UID
	io.ReadFull(prng, u[:])
	return u
}

// GenerateNonce draws size random bytes from prng
func GenerateNonce(prng PRNG, size int) []byte {
	return prng.Bytes(size)
}
