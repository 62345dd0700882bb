package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// BackupSeedLength is the number of characters in a backup seed
	BackupSeedLength = 32

	backupSeedAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	backupSalt         = "zentalk-backup-key"
	backupIterations   = 100000
)

var ErrInvalidBackupSeed = errors.New("invalid backup seed")

// BackupKeys is the key material derived from a backup seed
type BackupKeys struct {
	Public  EncryptionPublicKey
	Private EncryptionPrivateKey
	MACKey  []byte
}

// GenerateBackupSeed draws a fresh human-transcribable seed
func GenerateBackupSeed(prng PRNG) string {
	raw := prng.Bytes(BackupSeedLength)
	var sb strings.Builder
	for _, b := range raw {
		sb.WriteByte(backupSeedAlphabet[b&0x1f])
	}
	return sb.String()
}

// NormalizeBackupSeed strips separators and maps ambiguous characters
func NormalizeBackupSeed(seed string) (string, error) {
	var sb strings.Builder
	for _, r := range strings.ToUpper(seed) {
		switch r {
		case ' ', '-', '\t', '\n':
			continue
		case 'O':
			r = '0'
		case 'I', 'L':
			r = '1'
		case 'U':
			r = 'V'
		}
		if !strings.ContainsRune(backupSeedAlphabet, r) {
			return "", ErrInvalidBackupSeed
		}
		sb.WriteRune(r)
	}
	if sb.Len() != BackupSeedLength {
		return "", ErrInvalidBackupSeed
	}
	return sb.String(), nil
}

// FormatBackupSeed groups a seed in blocks of four characters
func FormatBackupSeed(seed string) string {
	var parts []string
	for i := 0; i < len(seed); i += 4 {
		end := min(i+4, len(seed))
		parts = append(parts, seed[i:end])
	}
	return strings.Join(parts, " ")
}

// DeriveBackupKeys derives the backup encryption key pair and MAC key from a seed
func DeriveBackupKeys(seed string) (BackupKeys, error) {
	normalized, err := NormalizeBackupSeed(seed)
	if err != nil {
		return BackupKeys{}, err
	}
	material := pbkdf2.Key([]byte(normalized), []byte(backupSalt), backupIterations, 64, sha256.New)

	var keys BackupKeys
	copy(keys.Private[:], material[:32])
	keys.MACKey = material[32:]
	if keys.Public, err = keys.Private.Public(); err != nil {
		return BackupKeys{}, err
	}
	return keys, nil
}

// MAC authenticates data under the backup MAC key
func (k BackupKeys) MAC(data []byte) []byte {
	h, _ := blake2b.New256(k.MACKey)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyMAC checks a MAC produced by MAC
func (k BackupKeys) VerifyMAC(data, mac []byte) bool {
	return subtle.ConstantTimeCompare(k.MAC(data), mac) == 1
}
