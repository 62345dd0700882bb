package identity

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

const (
	keyFilePEMType = "ZENTALK OWNED IDENTITY"
	keyFileExt     = ".pem"
)

// PrivateKeys is the private half of an owned identity
type PrivateKeys struct {
	Sign       crypto.SignPrivateKey
	Encryption crypto.EncryptionPrivateKey
}

// Generate creates a new identity hosted on server
func Generate(server string, algo crypto.SignatureAlgorithm, prng crypto.PRNG) (Identity, PrivateKeys, error) {
	signPub, signPriv, err := crypto.GenerateSignKeyPair(algo, prng)
	if err != nil {
		return Identity{}, PrivateKeys{}, err
	}
	encPub, encPriv, err := crypto.GenerateEncryptionKeyPair(prng)
	if err != nil {
		return Identity{}, PrivateKeys{}, err
	}
	id, err := New(server, signPub, encPub)
	if err != nil {
		return Identity{}, PrivateKeys{}, err
	}
	return id, PrivateKeys{Sign: signPriv, Encryption: encPriv}, nil
}

// Matches reports whether the keys are the private half of id
func (k PrivateKeys) Matches(id Identity) bool {
	signPub, err := k.Sign.Public()
	if err != nil {
		return false
	}
	encPub, err := k.Encryption.Public()
	if err != nil {
		return false
	}
	return string(signPub.Bytes()) == string(id.SignKey().Bytes()) && encPub == id.EncryptionKey()
}

func (k PrivateKeys) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfBytes(k.Sign.Bytes()), encoding.OfBytes(k.Encryption[:]))
}

func DecodePrivateKeys(e encoding.Encoded) (PrivateKeys, error) {
	items, err := e.DecodeListN(2)
	if err != nil {
		return PrivateKeys{}, err
	}
	signRaw, err := items[0].DecodeBytes()
	if err != nil {
		return PrivateKeys{}, err
	}
	sign, err := crypto.ParseSignPrivateKey(signRaw)
	if err != nil {
		return PrivateKeys{}, err
	}
	encRaw, err := items[1].DecodeBytes()
	if err != nil {
		return PrivateKeys{}, err
	}
	if len(encRaw) != 32 {
		return PrivateKeys{}, crypto.ErrInvalidKey
	}
	keys := PrivateKeys{Sign: sign}
	copy(keys.Encryption[:], encRaw)
	return keys, nil
}

// KeyStore holds private keys of owned identities
type KeyStore interface {
	PrivateKeys(id Identity) (PrivateKeys, error)
	StorePrivateKeys(id Identity, keys PrivateKeys) error
	DeletePrivateKeys(id Identity) error
}

// MemoryKeyStore is an in-memory KeyStore
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[Identity]PrivateKeys
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[Identity]PrivateKeys)}
}

func (s *MemoryKeyStore) PrivateKeys(id Identity) (PrivateKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return PrivateKeys{}, fmt.Errorf("private keys of %s: %w", id, ErrNotFound)
	}
	return k, nil
}

func (s *MemoryKeyStore) StorePrivateKeys(id Identity, keys PrivateKeys) error {
	if !keys.Matches(id) {
		return fmt.Errorf("%w: keys do not match identity", crypto.ErrInvalidKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = keys
	return nil
}

func (s *MemoryKeyStore) DeletePrivateKeys(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

// Identities lists the identities with stored keys, ordered by Compare
func (s *MemoryKeyStore) Identities() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.keys))
	for id := range s.keys {
		out = append(out, id)
	}
	slices.SortFunc(out, Compare)
	return out
}

// DirKeyStore keeps one key file per identity in a directory
type DirKeyStore struct {
	dir string
	*MemoryKeyStore
}

// OpenDirKeyStore creates dir if needed and loads every key file in it
func OpenDirKeyStore(dir string) (*DirKeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	s := &DirKeyStore{dir: dir, MemoryKeyStore: NewMemoryKeyStore()}
	paths, err := filepath.Glob(filepath.Join(dir, "*"+keyFileExt))
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		id, keys, err := LoadKeyFile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if err := s.MemoryKeyStore.StorePrivateKeys(id, keys); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return s, nil
}

func (s *DirKeyStore) path(id Identity) string {
	return filepath.Join(s.dir, id.Fingerprint()+keyFileExt)
}

func (s *DirKeyStore) StorePrivateKeys(id Identity, keys PrivateKeys) error {
	if err := s.MemoryKeyStore.StorePrivateKeys(id, keys); err != nil {
		return err
	}
	if err := SaveKeyFile(s.path(id), id, keys); err != nil {
		s.MemoryKeyStore.DeletePrivateKeys(id)
		return err
	}
	return nil
}

func (s *DirKeyStore) DeletePrivateKeys(id Identity) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return s.MemoryKeyStore.DeletePrivateKeys(id)
}

// SaveKeyFile writes an owned identity and its private keys to a PEM file.
// The file holds the identity block followed by the signing key block.
func SaveKeyFile(path string, id Identity, keys PrivateKeys) error {
	block := &pem.Block{
		Type:  keyFilePEMType,
		Bytes: encoding.OfList(id.Encode(), encoding.OfBytes(keys.Encryption[:])).Bytes(),
	}
	data := append(pem.EncodeToMemory(block), crypto.ExportPrivateKeyPEM(keys.Sign)...)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a file written by SaveKeyFile
func LoadKeyFile(path string) (Identity, PrivateKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, PrivateKeys{}, fmt.Errorf("failed to read key file: %w", err)
	}
	block, rest := pem.Decode(data)
	if block == nil || block.Type != keyFilePEMType {
		return Identity{}, PrivateKeys{}, crypto.ErrInvalidKey
	}
	e, err := encoding.Parse(block.Bytes)
	if err != nil {
		return Identity{}, PrivateKeys{}, err
	}
	items, err := e.DecodeListN(2)
	if err != nil {
		return Identity{}, PrivateKeys{}, err
	}
	id, err := Decode(items[0])
	if err != nil {
		return Identity{}, PrivateKeys{}, err
	}
	encRaw, err := items[1].DecodeBytes()
	if err != nil || len(encRaw) != 32 {
		return Identity{}, PrivateKeys{}, crypto.ErrInvalidKey
	}

	var keys PrivateKeys
	copy(keys.Encryption[:], encRaw)
	if keys.Sign, err = crypto.ImportPrivateKeyPEM(rest); err != nil {
		return Identity{}, PrivateKeys{}, err
	}
	if !keys.Matches(id) {
		return Identity{}, PrivateKeys{}, fmt.Errorf("%w: keys do not match identity", crypto.ErrInvalidKey)
	}
	return id, keys, nil
}
