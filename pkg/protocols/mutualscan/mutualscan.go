// Package mutualscan adds a contact by scanning a code displayed on the other
// identity's device. The code carries a signature binding the displaying
// identity to the scanning one; the scanner answers with its own signature.
package mutualscan

import (
	"bytes"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 14

const (
	NotificationCode  = "mutual_scan_code"
	NotificationAdded = "mutual_scan_contact_added"
)

const (
	StateShowingCode protocol.StateID = 1
	StateFinished    protocol.StateID = 2
)

// InstanceUID is the instance both sides use for a scan of shower's code by scanner
func InstanceUID(shower, scanner identity.Identity) encoding.UID {
	return crypto.DeriveUID("mutual-scan", shower.Bytes(), scanner.Bytes())
}

func scanChallenge(purpose string, signer, other identity.Identity) []byte {
	return bytes.Join([][]byte{[]byte(purpose), signer.Bytes(), other.Bytes()}, nil)
}

type ShowingCode struct {
	Remote    identity.Identity
	Signature []byte
}

func (ShowingCode) StateID() protocol.StateID { return StateShowingCode }

func (s ShowingCode) Encode() encoding.Encoded {
	return encoding.OfList(s.Remote.Encode(), encoding.OfBytes(s.Signature))
}

func decodeShowingCode(e encoding.Encoded) (ShowingCode, error) {
	r := wire.List(e, 2)
	s := ShowingCode{Remote: r.Identity(), Signature: r.Bytes()}
	return s, r.Err()
}

type Finished struct {
	Remote identity.Identity
}

func (Finished) StateID() protocol.StateID { return StateFinished }

func (s Finished) Encode() encoding.Encoded { return encoding.OfList(s.Remote.Encode()) }

func decodeFinished(e encoding.Encoded) (Finished, error) {
	r := wire.List(e, 1)
	s := Finished{Remote: r.Identity()}
	return s, r.Err()
}

// ShowCode prepares the signature displayed for Remote to scan
type ShowCode struct {
	Remote identity.Identity
}

func (ShowCode) MessageID() protocol.MessageID { return 0 }

func (m ShowCode) Encode() []encoding.Encoded { return []encoding.Encoded{m.Remote.Encode()} }

func decodeShowCode(in protocol.Inputs) (ShowCode, error) {
	r := wire.Inputs(in, 1)
	m := ShowCode{Remote: r.Identity()}
	return m, r.Err()
}

// Scanned is posted by the scanner with the content of the code
type Scanned struct {
	Remote    identity.Identity
	Details   identity.Details
	Signature []byte
}

func (Scanned) MessageID() protocol.MessageID { return 1 }

func (m Scanned) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Remote.Encode(), m.Details.Encode(), encoding.OfBytes(m.Signature)}
}

func decodeScanned(in protocol.Inputs) (Scanned, error) {
	r := wire.Inputs(in, 3)
	m := Scanned{Remote: r.Identity(), Details: r.Details(), Signature: r.Bytes()}
	return m, r.Err()
}

type Confirmation struct {
	Details identity.Details
	Proof   []byte
}

func (Confirmation) MessageID() protocol.MessageID { return 2 }

func (m Confirmation) Encode() []encoding.Encoded {
	return []encoding.Encoded{m.Details.Encode(), encoding.OfBytes(m.Proof)}
}

func decodeConfirmation(in protocol.Inputs) (Confirmation, error) {
	r := wire.Inputs(in, 2)
	m := Confirmation{Details: r.Details(), Proof: r.Bytes()}
	return m, r.Err()
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "mutual-scan")

	showing := protocol.DeclareState(d, StateShowingCode, "showingCode", decodeShowingCode)
	protocol.DeclareFinalState(d, StateFinished, "finished", decodeFinished)

	show := protocol.DeclareMessage(d, 0, "showCode", decodeShowCode, protocol.Initiation())
	scanned := protocol.DeclareMessage(d, 1, "scanned", decodeScanned, protocol.Initiation())
	confirmation := protocol.DeclareMessage(d, 2, "confirmation", decodeConfirmation)

	protocol.AddStep(d, "sign-code", d.Initial(), show, signCode)
	protocol.AddStep(d, "verify-scan", d.Initial(), scanned, verifyScan)
	protocol.AddStep(d, "receive-confirmation", showing, confirmation, receiveConfirmation)
	return d
}

func signCode(c *protocol.Context, _ protocol.InitialState, m ShowCode) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if c.InstanceUID() != InstanceUID(c.Owned(), m.Remote) {
		return nil, protocol.Discard("code for %s posted to the wrong instance", m.Remote)
	}
	owned, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	sig, err := c.SolveChallenge(crypto.ChallengeMutualScan, scanChallenge("code", c.Owned(), m.Remote))
	if err != nil {
		return nil, err
	}
	c.Notify(NotificationCode, m.Remote.Encode(), owned.Details.Encode(), encoding.OfBytes(sig))
	return ShowingCode{Remote: m.Remote, Signature: sig}, nil
}

func addContact(c *protocol.Context, remote identity.Identity, details identity.Details) error {
	origin := identity.TrustOrigin{Kind: identity.TrustMutualScan, Timestamp: c.Now()}
	if err := c.Identities().AddContact(c.Owned(), remote, details, origin); err != nil {
		return err
	}
	if err := c.SendTo(protocol.Target{Protocol: devicediscovery.ID, UID: c.NewUID()}, protocol.ToLocal(),
		devicediscovery.Start{Remote: remote}); err != nil {
		return err
	}
	c.Notify(NotificationAdded, remote.Encode())
	return nil
}

func verifyScan(c *protocol.Context, _ protocol.InitialState, m Scanned) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.Remote == c.Owned() {
		return nil, protocol.Discard("scanned one's own code")
	}
	if c.InstanceUID() != InstanceUID(m.Remote, c.Owned()) {
		return nil, protocol.Discard("scan of %s posted to the wrong instance", m.Remote)
	}
	if !c.CheckResponse(m.Signature, crypto.ChallengeMutualScan, scanChallenge("code", m.Remote, c.Owned()), m.Remote) {
		return nil, protocol.Hostile("scanned code of %s is not signed for us", m.Remote)
	}
	if err := m.Details.Validate(); err != nil {
		return nil, protocol.Discard("invalid details in code: %v", err)
	}
	owned, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	proof, err := c.SolveChallenge(crypto.ChallengeMutualScan, scanChallenge("confirm", c.Owned(), m.Remote))
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToAsymmetric(m.Remote), Confirmation{Details: owned.Details, Proof: proof}); err != nil {
		return nil, err
	}
	if err := addContact(c, m.Remote, m.Details); err != nil {
		return nil, err
	}
	return Finished{Remote: m.Remote}, nil
}

func receiveConfirmation(c *protocol.Context, s ShowingCode, m Confirmation) (protocol.State, error) {
	from := c.Origin().Identity
	if c.Channel().Kind != protocol.ChannelAsymmetric || from != s.Remote {
		return nil, protocol.Discard("confirmation from %s over %s", from, c.Channel().Kind)
	}
	if !c.CheckResponse(m.Proof, crypto.ChallengeMutualScan, scanChallenge("confirm", from, c.Owned()), from) {
		return nil, protocol.Hostile("invalid scan confirmation from %s", from)
	}
	if err := addContact(c, from, m.Details); err != nil {
		return nil, err
	}
	return Finished{Remote: from}, nil
}
