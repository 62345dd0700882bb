// Package identitydetails publishes new details of the owned identity.
//
// The details are encrypted under a fresh key and uploaded to the server; the
// key and the upload label then go to every contact, which downloads and
// decrypts them. Other owned devices receive the details directly.
package identitydetails

import (
	"fmt"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 4

const (
	NotificationPublished      = "details_published"
	NotificationContactUpdated = "contact_details_updated"
	NotificationOwnedUpdated   = "owned_details_updated"
)

// Label is the server label of a published version
func Label(owned identity.Identity, version int) string {
	return fmt.Sprintf("details/%s/%d", owned.Fingerprint(), version)
}

type WaitingForUpload struct {
	Details identity.Details
	Version int
	Label   string
	Key     crypto.AuthEncKey
}

func (WaitingForUpload) StateID() protocol.StateID { return 1 }

func (s WaitingForUpload) Encode() encoding.Encoded {
	return encoding.OfList(s.Details.Encode(), encoding.OfInt(int64(s.Version)), encoding.OfString(s.Label), s.Key.Encode())
}

func decodeWaitingForUpload(e encoding.Encoded) (WaitingForUpload, error) {
	r := wire.List(e, 4)
	s := WaitingForUpload{Details: r.Details(), Version: r.Int(), Label: r.String(), Key: r.AuthEncKey()}
	return s, r.Err()
}

type Published struct {
	Version int
}

func (Published) StateID() protocol.StateID { return 2 }

func (s Published) Encode() encoding.Encoded { return encoding.OfList(encoding.OfInt(int64(s.Version))) }

func decodePublished(e encoding.Encoded) (Published, error) {
	r := wire.List(e, 1)
	s := Published{Version: r.Int()}
	return s, r.Err()
}

type WaitingForDownload struct {
	Contact identity.Identity
	Version int
	Key     crypto.AuthEncKey
}

func (WaitingForDownload) StateID() protocol.StateID { return 3 }

func (s WaitingForDownload) Encode() encoding.Encoded {
	return encoding.OfList(s.Contact.Encode(), encoding.OfInt(int64(s.Version)), s.Key.Encode())
}

func decodeWaitingForDownload(e encoding.Encoded) (WaitingForDownload, error) {
	r := wire.List(e, 3)
	s := WaitingForDownload{Contact: r.Identity(), Version: r.Int(), Key: r.AuthEncKey()}
	return s, r.Err()
}

// Received is the final state on the receiving side, contact or owned device
type Received struct {
	From    identity.Identity
	Version int
}

func (Received) StateID() protocol.StateID { return 4 }

func (s Received) Encode() encoding.Encoded {
	return encoding.OfList(s.From.Encode(), encoding.OfInt(int64(s.Version)))
}

func decodeReceived(e encoding.Encoded) (Received, error) {
	r := wire.List(e, 2)
	s := Received{From: r.Identity(), Version: r.Int()}
	return s, r.Err()
}

// Publish publishes Details as the next version
type Publish struct {
	Details identity.Details
}

func (Publish) MessageID() protocol.MessageID { return 0 }

func (m Publish) Encode() []encoding.Encoded { return []encoding.Encoded{m.Details.Encode()} }

func decodePublish(in protocol.Inputs) (Publish, error) {
	r := wire.Inputs(in, 1)
	m := Publish{Details: r.Details()}
	return m, r.Err()
}

type Uploaded struct {
	OK bool
}

func (Uploaded) MessageID() protocol.MessageID { return 1 }

func (Uploaded) Encode() []encoding.Encoded { return nil }

func decodeUploaded(in protocol.Inputs) (Uploaded, error) {
	resp, err := in.Response()
	if err != nil {
		return Uploaded{}, err
	}
	ok, err := resp.DecodeBool()
	return Uploaded{OK: ok}, err
}

type Announce struct {
	Version int
	Label   string
	Key     crypto.AuthEncKey
}

func (Announce) MessageID() protocol.MessageID { return 2 }

func (m Announce) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfInt(int64(m.Version)), encoding.OfString(m.Label), m.Key.Encode()}
}

func decodeAnnounce(in protocol.Inputs) (Announce, error) {
	r := wire.Inputs(in, 3)
	m := Announce{Version: r.Int(), Label: r.String(), Key: r.AuthEncKey()}
	return m, r.Err()
}

type Downloaded struct {
	Ciphertext []byte
}

func (Downloaded) MessageID() protocol.MessageID { return 3 }

func (Downloaded) Encode() []encoding.Encoded { return nil }

func decodeDownloaded(in protocol.Inputs) (Downloaded, error) {
	resp, err := in.Response()
	if err != nil {
		return Downloaded{}, err
	}
	b, err := resp.DecodeBytes()
	return Downloaded{Ciphertext: b}, err
}

// OwnedDetails propagates published details to the other owned devices
type OwnedDetails struct {
	Details identity.Details
	Version int
}

func (OwnedDetails) MessageID() protocol.MessageID { return 4 }

func (m OwnedDetails) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Details.Encode(), encoding.OfInt(int64(m.Version))}
}

func decodeOwnedDetails(in protocol.Inputs) (OwnedDetails, error) {
	r := wire.Inputs(in, 2)
	m := OwnedDetails{Details: r.Details(), Version: r.Int()}
	return m, r.Err()
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "identity-details-publication")

	waitingForUpload := protocol.DeclareState(d, 1, "waitingForUpload", decodeWaitingForUpload)
	protocol.DeclareFinalState(d, 2, "published", decodePublished)
	waitingForDownload := protocol.DeclareState(d, 3, "waitingForDownload", decodeWaitingForDownload)
	protocol.DeclareFinalState(d, 4, "received", decodeReceived)

	publish := protocol.DeclareMessage(d, 0, "publish", decodePublish, protocol.Initiation())
	uploaded := protocol.DeclareMessage(d, 1, "uploaded", decodeUploaded)
	announce := protocol.DeclareMessage(d, 2, "announce", decodeAnnounce, protocol.Initiation())
	downloaded := protocol.DeclareMessage(d, 3, "downloaded", decodeDownloaded)
	owned := protocol.DeclareMessage(d, 4, "ownedDetails", decodeOwnedDetails, protocol.Initiation())

	protocol.AddStep(d, "upload-details", d.Initial(), publish, uploadDetails)
	protocol.AddStep(d, "announce-details", waitingForUpload, uploaded, announceDetails)
	protocol.AddStep(d, "download-details", d.Initial(), announce, downloadDetails)
	protocol.AddStep(d, "decrypt-details", waitingForDownload, downloaded, decryptDetails)
	protocol.AddStep(d, "update-owned-details", d.Initial(), owned, updateOwnedDetails)
	return d
}

func requireServer(c *protocol.Context) error {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return protocol.Discard("expected a server response, got %s", c.Channel().Kind)
	}
	return nil
}

func uploadDetails(c *protocol.Context, _ protocol.InitialState, m Publish) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := m.Details.Validate(); err != nil {
		return nil, protocol.Discard("invalid details: %v", err)
	}
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	version := o.DetailsVersion + 1
	if err := c.Identities().UpdateOwnedDetails(c.Owned(), m.Details, version); err != nil {
		return nil, err
	}

	key := crypto.GenerateAuthEncKey(crypto.AuthEncChaCha20Poly1305, c.PRNG())
	ct, err := key.Encrypt(m.Details.Encode().Bytes(), c.PRNG())
	if err != nil {
		return nil, err
	}
	label := Label(c.Owned(), version)
	err = c.Send(protocol.ToServer(protocol.QueryPutUserData, encoding.OfString(label), encoding.OfBytes(ct)), Uploaded{})
	if err != nil {
		return nil, err
	}
	return WaitingForUpload{Details: m.Details, Version: version, Label: label, Key: key}, nil
}

func announceDetails(c *protocol.Context, s WaitingForUpload, m Uploaded) (protocol.State, error) {
	if err := requireServer(c); err != nil {
		return nil, err
	}
	if !m.OK {
		return nil, protocol.Discard("server refused the details upload")
	}
	contacts, err := c.Identities().Contacts(c.Owned())
	if err != nil {
		return nil, err
	}
	var ids []identity.Identity
	for _, ct := range contacts {
		ids = append(ids, ct.Identity)
	}
	if len(ids) > 0 {
		if err := c.Send(protocol.ToContacts(ids...), Announce{Version: s.Version, Label: s.Label, Key: s.Key}); err != nil {
			return nil, err
		}
	}
	if err := c.Send(protocol.ToOwnedDevices(), OwnedDetails{Details: s.Details, Version: s.Version}); err != nil {
		return nil, err
	}
	c.Notify(NotificationPublished, encoding.OfInt(int64(s.Version)))
	return Published{Version: s.Version}, nil
}

func downloadDetails(c *protocol.Context, _ protocol.InitialState, m Announce) (protocol.State, error) {
	contact, err := c.RequireFromContact()
	if err != nil {
		return nil, err
	}
	if m.Label != Label(contact, m.Version) {
		return nil, protocol.Discard("label %q does not belong to %s", m.Label, contact)
	}
	if err := c.Send(protocol.ToServer(protocol.QueryGetUserData, encoding.OfString(m.Label)), Downloaded{}); err != nil {
		return nil, err
	}
	return WaitingForDownload{Contact: contact, Version: m.Version, Key: m.Key}, nil
}

func decryptDetails(c *protocol.Context, s WaitingForDownload, m Downloaded) (protocol.State, error) {
	if err := requireServer(c); err != nil {
		return nil, err
	}
	plain, err := s.Key.Decrypt(m.Ciphertext)
	if err != nil {
		return nil, protocol.Hostile("cannot decrypt details of %s: %v", s.Contact, err)
	}
	e, err := encoding.Parse(plain)
	if err != nil {
		return nil, protocol.Discard("malformed details: %v", err)
	}
	details, err := identity.DecodeDetails(e)
	if err != nil {
		return nil, protocol.Discard("malformed details: %v", err)
	}
	if err := c.Identities().SetContactPublishedDetails(c.Owned(), s.Contact, details, s.Version); err != nil {
		return nil, err
	}
	c.Notify(NotificationContactUpdated, s.Contact.Encode(), details.Encode())
	return Received{From: s.Contact, Version: s.Version}, nil
}

func updateOwnedDetails(c *protocol.Context, _ protocol.InitialState, m OwnedDetails) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	if m.Version > o.DetailsVersion {
		if err := c.Identities().UpdateOwnedDetails(c.Owned(), m.Details, m.Version); err != nil {
			return nil, err
		}
		c.Notify(NotificationOwnedUpdated, m.Details.Encode())
	}
	return Received{From: c.Owned(), Version: m.Version}, nil
}
