package keycloak

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/identitydetails"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const (
	StateWaitingForKeycloak protocol.StateID = 1
	StateBound              protocol.StateID = 2
	StateUnbound            protocol.StateID = 3
	StateRefused            protocol.StateID = 4
)

// Account names a keycloak user. It is the state of every binding instance.
type Account struct {
	ID        protocol.StateID
	ServerURL string
	ClientID  string
	UserID    string
}

func (s Account) StateID() protocol.StateID { return s.ID }

func (s Account) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfString(s.ServerURL), encoding.OfString(s.ClientID), encoding.OfString(s.UserID))
}

func decodeAccount(id protocol.StateID) func(encoding.Encoded) (Account, error) {
	return func(e encoding.Encoded) (Account, error) {
		r := wire.List(e, 3)
		s := Account{ID: id, ServerURL: r.String(), ClientID: r.String(), UserID: r.String()}
		return s, r.Err()
	}
}

// Bind is posted once the user authenticated against the keycloak server
type Bind struct {
	ServerURL string
	ClientID  string
	UserID    string
}

func (Bind) MessageID() protocol.MessageID { return 0 }

func (m Bind) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfString(m.ServerURL), encoding.OfString(m.ClientID), encoding.OfString(m.UserID)}
}

func decodeBind(in protocol.Inputs) (Bind, error) {
	r := wire.Inputs(in, 3)
	m := Bind{ServerURL: r.String(), ClientID: r.String(), UserID: r.String()}
	return m, r.Err()
}

// Me is the keycloak server's view of the user; Found is false for unknown users
type Me struct {
	Found     bool
	SignKey   crypto.SignPublicKey
	Details   identity.Details
	Signature []byte
}

func (Me) MessageID() protocol.MessageID { return 1 }
func (Me) Encode() []encoding.Encoded    { return nil }

func decodeMe(in protocol.Inputs) (Me, error) {
	if err := in.Expect(0); err != nil {
		return Me{}, err
	}
	resp, err := in.Response()
	if err != nil {
		return Me{}, err
	}
	items, err := resp.DecodeList()
	if err != nil || len(items) == 0 {
		return Me{}, err
	}
	r := wire.Values(items)
	key, raw, sig := r.Bytes(), r.Bytes(), r.Bytes()
	if err := r.Err(); err != nil {
		return Me{}, err
	}
	m := Me{Found: true, Signature: sig}
	if m.SignKey, err = crypto.ParseSignPublicKey(key); err != nil {
		return Me{}, err
	}
	if err := json.Unmarshal(raw, &m.Details); err != nil {
		return Me{}, fmt.Errorf("%w: %v", encoding.ErrInvalidPayload, err)
	}
	return m, nil
}

// OwnedBinding propagates a binding to the other owned devices
type OwnedBinding struct {
	ServerURL string
	ClientID  string
	UserID    string
	SignKey   crypto.SignPublicKey
	BoundAt   time.Time
}

func (OwnedBinding) MessageID() protocol.MessageID { return 2 }

func (m OwnedBinding) Encode() []encoding.Encoded {
	return []encoding.Encoded{
		encoding.OfString(m.ServerURL),
		encoding.OfString(m.ClientID),
		encoding.OfString(m.UserID),
		encoding.OfBytes(m.SignKey.Bytes()),
		encoding.OfDate(m.BoundAt),
	}
}

func decodeOwnedBinding(in protocol.Inputs) (OwnedBinding, error) {
	r := wire.Inputs(in, 5)
	m := OwnedBinding{ServerURL: r.String(), ClientID: r.String(), UserID: r.String()}
	key := r.Bytes()
	m.BoundAt = r.Date()
	if err := r.Err(); err != nil {
		return m, err
	}
	var err error
	m.SignKey, err = crypto.ParseSignPublicKey(key)
	return m, err
}

type Unbind struct{}

func (Unbind) MessageID() protocol.MessageID { return 3 }
func (Unbind) Encode() []encoding.Encoded    { return nil }

type OwnedUnbinding struct{}

func (OwnedUnbinding) MessageID() protocol.MessageID { return 4 }
func (OwnedUnbinding) Encode() []encoding.Encoded    { return nil }

func BindingDefinition() *protocol.Definition {
	d := protocol.NewDefinition(BindingID, "keycloak-binding")

	waiting := protocol.DeclareState(d, StateWaitingForKeycloak, "waitingForKeycloak", decodeAccount(StateWaitingForKeycloak))
	protocol.DeclareFinalState(d, StateBound, "bound", decodeAccount(StateBound))
	protocol.DeclareFinalState(d, StateUnbound, "unbound", decodeAccount(StateUnbound))
	protocol.DeclareFinalState(d, StateRefused, "refused", decodeAccount(StateRefused))

	bind := protocol.DeclareMessage(d, 0, "bind", decodeBind, protocol.Initiation())
	me := protocol.DeclareMessage(d, 1, "me", decodeMe)
	owned := protocol.DeclareMessage(d, 2, "ownedBinding", decodeOwnedBinding, protocol.Initiation())
	unbind := protocol.DeclareMessage(d, 3, "unbind", protocol.NoInputs(Unbind{}), protocol.Initiation())
	ownedUnbinding := protocol.DeclareMessage(d, 4, "ownedUnbinding", protocol.NoInputs(OwnedUnbinding{}), protocol.Initiation())

	protocol.AddStep(d, "query-keycloak", d.Initial(), bind, queryKeycloak)
	protocol.AddStep(d, "bind-identity", waiting, me, bindIdentity)
	protocol.AddStep(d, "bind-owned-device", d.Initial(), owned, bindOwnedDevice)
	protocol.AddStep(d, "unbind-identity", d.Initial(), unbind, unbindIdentity)
	protocol.AddStep(d, "unbind-owned-device", d.Initial(), ownedUnbinding, unbindOwnedDevice)
	return d
}

func queryKeycloak(c *protocol.Context, _ protocol.InitialState, m Bind) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.ServerURL == "" || m.UserID == "" {
		return nil, protocol.Discard("incomplete keycloak account")
	}
	query := protocol.ToServer(protocol.QueryKeycloakMe,
		encoding.OfString(m.ServerURL), encoding.OfString(m.UserID), c.Owned().Encode())
	if err := c.Send(query, Me{}); err != nil {
		return nil, err
	}
	return Account{ID: StateWaitingForKeycloak, ServerURL: m.ServerURL, ClientID: m.ClientID, UserID: m.UserID}, nil
}

// publish republishes the owned details so contacts see the keycloak signature
func publish(c *protocol.Context, details identity.Details) error {
	return c.SendTo(protocol.Target{Protocol: identitydetails.ID, UID: c.NewUID()}, protocol.ToLocal(),
		identitydetails.Publish{Details: details})
}

func bindIdentity(c *protocol.Context, s Account, m Me) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return nil, protocol.Discard("keycloak answer over %s", c.Channel().Kind)
	}
	if !m.Found {
		c.Notify(NotificationRefused, encoding.OfString(s.ServerURL), encoding.OfString(s.UserID))
		s.ID = StateRefused
		return s, nil
	}
	if !m.SignKey.Verify(identity.KeycloakPayload(c.Owned(), m.Details), m.Signature) {
		return nil, protocol.Hostile("keycloak signature of our details does not verify")
	}

	b := &identity.KeycloakBinding{
		ServerURL: s.ServerURL,
		ClientID:  s.ClientID,
		UserID:    s.UserID,
		SignKey:   m.SignKey,
		BoundAt:   c.Now(),
	}
	if err := c.Identities().SetKeycloakBinding(c.Owned(), b); err != nil {
		return nil, err
	}
	owned := OwnedBinding{ServerURL: b.ServerURL, ClientID: b.ClientID, UserID: b.UserID, SignKey: b.SignKey, BoundAt: b.BoundAt}
	if err := c.Send(protocol.ToOwnedDevices(), owned); err != nil {
		return nil, err
	}
	if err := publish(c, Sign(m.Details, m.Signature)); err != nil {
		return nil, err
	}
	c.Notify(NotificationBound, encoding.OfString(b.ServerURL), encoding.OfString(b.UserID))
	s.ID = StateBound
	return s, nil
}

func bindOwnedDevice(c *protocol.Context, _ protocol.InitialState, m OwnedBinding) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	b := &identity.KeycloakBinding{ServerURL: m.ServerURL, ClientID: m.ClientID, UserID: m.UserID, SignKey: m.SignKey, BoundAt: m.BoundAt}
	if err := c.Identities().SetKeycloakBinding(c.Owned(), b); err != nil {
		return nil, err
	}
	c.Notify(NotificationBound, encoding.OfString(b.ServerURL), encoding.OfString(b.UserID))
	return Account{ID: StateBound, ServerURL: m.ServerURL, ClientID: m.ClientID, UserID: m.UserID}, nil
}

func unbind(c *protocol.Context) (Account, error) {
	b, err := binding(c)
	if err != nil {
		return Account{}, err
	}
	if err := c.Identities().SetKeycloakBinding(c.Owned(), nil); err != nil {
		return Account{}, err
	}
	c.Notify(NotificationUnbound, encoding.OfString(b.ServerURL))
	return Account{ID: StateUnbound, ServerURL: b.ServerURL, ClientID: b.ClientID, UserID: b.UserID}, nil
}

func unbindIdentity(c *protocol.Context, _ protocol.InitialState, _ Unbind) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	o, err := c.Identities().OwnedIdentity(c.Owned())
	if err != nil {
		return nil, err
	}
	s, err := unbind(c)
	if err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToOwnedDevices(), OwnedUnbinding{}); err != nil {
		return nil, err
	}
	if o.Details.SignedByKeycloak != "" {
		details := o.Details
		details.SignedByKeycloak = ""
		if err := publish(c, details); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func unbindOwnedDevice(c *protocol.Context, _ protocol.InitialState, _ OwnedUnbinding) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	s, err := unbind(c)
	if err != nil {
		return nil, err
	}
	return s, nil
}
