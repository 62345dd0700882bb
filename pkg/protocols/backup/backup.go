// Package backup manages the backup key of an owned identity and uploads
// encrypted backups of its snapshot.
//
// The backup seed is shown to the user once and never stored. Devices only
// keep the public key and the MAC key, so a backup can be produced anywhere
// but only read back with the seed.
package backup

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 26

const macSize = 32

const (
	NotificationSeed     = "backup_seed"
	NotificationKeySet   = "backup_key_set"
	NotificationVerified = "backup_seed_verified"
	NotificationUploaded = "backup_uploaded"
)

const (
	StateKeyGenerated protocol.StateID = 1
	StateKeyReceived  protocol.StateID = 2
	StateVerified     protocol.StateID = 3
	StateUploading    protocol.StateID = 4
	StateUploaded     protocol.StateID = 5
	StateFailed       protocol.StateID = 6
)

// Result is the state of every instance; OK tells whether a seed matched or
// the server took the backup
type Result struct {
	ID protocol.StateID
	OK bool
}

func (s Result) StateID() protocol.StateID { return s.ID }

func (s Result) Encode() encoding.Encoded { return encoding.OfBool(s.OK) }

func decodeResult(id protocol.StateID) func(encoding.Encoded) (Result, error) {
	return func(e encoding.Encoded) (Result, error) {
		ok, err := e.DecodeBool()
		return Result{ID: id, OK: ok}, err
	}
}

// GenerateKey draws a new backup seed and replaces the backup key
type GenerateKey struct{}

func (GenerateKey) MessageID() protocol.MessageID { return 0 }
func (GenerateKey) Encode() []encoding.Encoded    { return nil }

// OwnedKey shares a new backup key with the other owned devices
type OwnedKey struct {
	Public    crypto.EncryptionPublicKey
	MACKey    []byte
	CreatedAt time.Time
}

func (OwnedKey) MessageID() protocol.MessageID { return 1 }

func (m OwnedKey) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfBytes(m.Public[:]), encoding.OfBytes(m.MACKey), encoding.OfDate(m.CreatedAt)}
}

func decodeOwnedKey(in protocol.Inputs) (OwnedKey, error) {
	r := wire.Inputs(in, 3)
	m := OwnedKey{Public: r.EncryptionKey(), MACKey: r.Bytes(), CreatedAt: r.Date()}
	return m, r.Err()
}

// VerifySeed checks a seed typed by the user against the backup key
type VerifySeed struct {
	Seed string
}

func (VerifySeed) MessageID() protocol.MessageID { return 2 }

func (m VerifySeed) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfString(m.Seed)} }

func decodeVerifySeed(in protocol.Inputs) (VerifySeed, error) {
	r := wire.Inputs(in, 1)
	m := VerifySeed{Seed: r.String()}
	return m, r.Err()
}

// Upload encrypts the current snapshot to the backup key and sends it to the server
type Upload struct{}

func (Upload) MessageID() protocol.MessageID { return 3 }
func (Upload) Encode() []encoding.Encoded    { return nil }

type Uploaded struct {
	OK bool
}

func (Uploaded) MessageID() protocol.MessageID { return 4 }
func (Uploaded) Encode() []encoding.Encoded    { return nil }

func decodeUploaded(in protocol.Inputs) (Uploaded, error) {
	if err := in.Expect(0); err != nil {
		return Uploaded{}, err
	}
	resp, err := in.Response()
	if err != nil {
		return Uploaded{}, err
	}
	ok, err := resp.DecodeBool()
	return Uploaded{OK: ok}, err
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "backup")
	protocol.DeclareFinalState(d, StateKeyGenerated, "keyGenerated", decodeResult(StateKeyGenerated))
	protocol.DeclareFinalState(d, StateKeyReceived, "keyReceived", decodeResult(StateKeyReceived))
	protocol.DeclareFinalState(d, StateVerified, "verified", decodeResult(StateVerified))
	uploading := protocol.DeclareState(d, StateUploading, "uploading", decodeResult(StateUploading))
	protocol.DeclareFinalState(d, StateUploaded, "uploaded", decodeResult(StateUploaded))
	protocol.DeclareFinalState(d, StateFailed, "failed", decodeResult(StateFailed))

	generate := protocol.DeclareMessage(d, 0, "generateKey", protocol.NoInputs(GenerateKey{}), protocol.Initiation())
	owned := protocol.DeclareMessage(d, 1, "ownedKey", decodeOwnedKey, protocol.Initiation())
	verify := protocol.DeclareMessage(d, 2, "verifySeed", decodeVerifySeed, protocol.Initiation())
	upload := protocol.DeclareMessage(d, 3, "upload", protocol.NoInputs(Upload{}), protocol.Initiation())
	uploaded := protocol.DeclareMessage(d, 4, "uploaded", decodeUploaded)

	protocol.AddStep(d, "generate-key", d.Initial(), generate, generateKey)
	protocol.AddStep(d, "receive-key", d.Initial(), owned, receiveKey)
	protocol.AddStep(d, "verify-seed", d.Initial(), verify, verifySeed)
	protocol.AddStep(d, "upload-backup", d.Initial(), upload, uploadBackup)
	protocol.AddStep(d, "confirm-upload", uploading, uploaded, confirmUpload)
	return d
}

func backupKey(c *protocol.Context) (*identity.BackupKeyInfo, error) {
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	if o.BackupKey == nil {
		return nil, protocol.Discard("no backup key")
	}
	return o.BackupKey, nil
}

func generateKey(c *protocol.Context, _ protocol.InitialState, _ GenerateKey) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	seed := crypto.GenerateBackupSeed(c.PRNG())
	keys, err := crypto.DeriveBackupKeys(seed)
	if err != nil {
		return nil, err
	}
	info := &identity.BackupKeyInfo{Public: keys.Public, MACKey: keys.MACKey, CreatedAt: c.Now()}
	if err := c.Identities().SetBackupKey(c.Owned(), info); err != nil {
		return nil, err
	}
	msg := OwnedKey{Public: info.Public, MACKey: info.MACKey, CreatedAt: info.CreatedAt}
	if err := c.Send(protocol.ToOwnedDevices(), msg); err != nil {
		return nil, err
	}
	c.Notify(NotificationSeed, encoding.OfString(crypto.FormatBackupSeed(seed)))
	return Result{ID: StateKeyGenerated, OK: true}, nil
}

func receiveKey(c *protocol.Context, _ protocol.InitialState, m OwnedKey) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	if current := o.BackupKey; current != nil && !current.CreatedAt.Before(m.CreatedAt) {
		return nil, protocol.Discard("backup key from %s is not newer", m.CreatedAt)
	}
	info := &identity.BackupKeyInfo{Public: m.Public, MACKey: m.MACKey, CreatedAt: m.CreatedAt}
	if err := c.Identities().SetBackupKey(c.Owned(), info); err != nil {
		return nil, err
	}
	c.Notify(NotificationKeySet)
	return Result{ID: StateKeyReceived, OK: true}, nil
}

func verifySeed(c *protocol.Context, _ protocol.InitialState, m VerifySeed) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	info, err := backupKey(c)
	if err != nil {
		return nil, err
	}
	ok := false
	if keys, err := crypto.DeriveBackupKeys(m.Seed); err == nil {
		ok = subtle.ConstantTimeCompare(keys.Public[:], info.Public[:]) == 1
	}
	if ok {
		info.LastVerified = c.Now()
		if err := c.Identities().SetBackupKey(c.Owned(), info); err != nil {
			return nil, err
		}
	}
	c.Notify(NotificationVerified, encoding.OfBool(ok))
	return Result{ID: StateVerified, OK: ok}, nil
}

func uploadBackup(c *protocol.Context, _ protocol.InitialState, _ Upload) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	info, err := backupKey(c)
	if err != nil {
		return nil, err
	}
	snapshot, err := c.Identities().ExportSnapshot(c.Owned())
	if err != nil {
		return nil, err
	}
	blob, err := Seal(info, snapshot, c.PRNG())
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToServer(protocol.QueryUploadBackup, encoding.OfBytes(blob)), Uploaded{}); err != nil {
		return nil, err
	}
	return Result{ID: StateUploading}, nil
}

func confirmUpload(c *protocol.Context, _ Result, m Uploaded) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return nil, protocol.Discard("server answer over %s", c.Channel().Kind)
	}
	if !m.OK {
		return Result{ID: StateFailed}, nil
	}
	c.Notify(NotificationUploaded)
	return Result{ID: StateUploaded, OK: true}, nil
}

// Seal encrypts a snapshot to the backup key and appends its MAC
func Seal(info *identity.BackupKeyInfo, s *identity.Snapshot, prng crypto.PRNG) ([]byte, error) {
	ciphertext, err := crypto.PublicKeyEncrypt(info.Public, s.Encode().Bytes(), prng)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}
	keys := crypto.BackupKeys{Public: info.Public, MACKey: info.MACKey}
	return append(ciphertext, keys.MAC(ciphertext)...), nil
}

// Restore opens a backup produced by Seal with the seed the user wrote down
func Restore(seed string, blob []byte) (*identity.Snapshot, error) {
	keys, err := crypto.DeriveBackupKeys(seed)
	if err != nil {
		return nil, err
	}
	if len(blob) < macSize {
		return nil, fmt.Errorf("%w: backup of %d bytes", encoding.ErrInvalidPayload, len(blob))
	}
	ciphertext, mac := blob[:len(blob)-macSize], blob[len(blob)-macSize:]
	if !keys.VerifyMAC(ciphertext, mac) {
		return nil, fmt.Errorf("%w: backup MAC does not match the seed", crypto.ErrInvalidBackupSeed)
	}
	plaintext, err := crypto.PrivateKeyDecrypt(keys.Private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt backup: %w", err)
	}
	e, err := encoding.Parse(plaintext)
	if err != nil {
		return nil, err
	}
	return identity.DecodeSnapshot(e)
}
