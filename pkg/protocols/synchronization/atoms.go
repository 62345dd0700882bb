package synchronization

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const AtomsID protocol.ID = 25

// Atom kinds
const (
	AtomSetting  = "setting"
	AtomNickname = "nickname"
)

const NotificationAtomApplied = "sync_atom_applied"

const (
	StatePushed  protocol.StateID = 1
	StateApplied protocol.StateID = 2
)

// Atom is one synchronizable change. For a setting Key is the setting name,
// for a nickname it is the encoded contact identity.
type Atom struct {
	Kind  string
	Key   []byte
	Value string
}

func (a Atom) encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfString(a.Kind), encoding.OfBytes(a.Key), encoding.OfString(a.Value)}
}

func readAtom(r *wire.Reader) Atom {
	return Atom{Kind: r.String(), Key: r.Bytes(), Value: r.String()}
}

// SettingAtom builds the atom for a setting change
func SettingAtom(key, value string) Atom {
	return Atom{Kind: AtomSetting, Key: []byte(key), Value: value}
}

// NicknameAtom builds the atom for a contact nickname change
func NicknameAtom(contact identity.Identity, nickname string) Atom {
	return Atom{Kind: AtomNickname, Key: contact.Bytes(), Value: nickname}
}

// AtomState is the final state of both sides
type AtomState struct {
	ID   protocol.StateID
	Atom Atom
}

func (s AtomState) StateID() protocol.StateID { return s.ID }

func (s AtomState) Encode() encoding.Encoded { return encoding.OfList(s.Atom.encode()...) }

func decodeAtomState(id protocol.StateID) func(encoding.Encoded) (AtomState, error) {
	return func(e encoding.Encoded) (AtomState, error) {
		r := wire.List(e, 3)
		s := AtomState{ID: id, Atom: readAtom(r)}
		return s, r.Err()
	}
}

// Push applies an atom locally and sends it to the other owned devices
type Push struct {
	Atom Atom
}

func (Push) MessageID() protocol.MessageID { return 0 }

func (m Push) Encode() []encoding.Encoded { return m.Atom.encode() }

func decodePush(in protocol.Inputs) (Push, error) {
	r := wire.Inputs(in, 3)
	m := Push{Atom: readAtom(r)}
	return m, r.Err()
}

// Apply carries an atom from another owned device
type Apply struct {
	Atom Atom
}

func (Apply) MessageID() protocol.MessageID { return 1 }

func (m Apply) Encode() []encoding.Encoded { return m.Atom.encode() }

func decodeApply(in protocol.Inputs) (Apply, error) {
	r := wire.Inputs(in, 3)
	m := Apply{Atom: readAtom(r)}
	return m, r.Err()
}

func AtomsDefinition() *protocol.Definition {
	d := protocol.NewDefinition(AtomsID, "synchronization-atoms")
	protocol.DeclareFinalState(d, StatePushed, "pushed", decodeAtomState(StatePushed))
	protocol.DeclareFinalState(d, StateApplied, "applied", decodeAtomState(StateApplied))

	push := protocol.DeclareMessage(d, 0, "push", decodePush, protocol.Initiation())
	apply := protocol.DeclareMessage(d, 1, "apply", decodeApply, protocol.Initiation())

	protocol.AddStep(d, "push-atom", d.Initial(), push, pushAtom)
	protocol.AddStep(d, "apply-atom", d.Initial(), apply, applyAtom)
	return d
}

func applyTo(c *protocol.Context, a Atom) error {
	ids := c.Identities()
	switch a.Kind {
	case AtomSetting:
		if len(a.Key) == 0 {
			return protocol.Discard("setting atom without a key")
		}
		return ids.SetSetting(c.Owned(), string(a.Key), a.Value)
	case AtomNickname:
		contact, err := identity.FromBytes(a.Key)
		if err != nil {
			return protocol.Discard("nickname atom: %v", err)
		}
		ok, err := identity.IsContact(ids, c.Owned(), contact)
		if err != nil {
			return err
		}
		if !ok {
			return protocol.Discard("nickname for %s, who is not a contact", contact)
		}
		return ids.SetContactNickname(c.Owned(), contact, a.Value)
	default:
		return protocol.Discard("unknown atom kind %q", a.Kind)
	}
}

func pushAtom(c *protocol.Context, _ protocol.InitialState, m Push) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := applyTo(c, m.Atom); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToOwnedDevices(), Apply(m)); err != nil {
		return nil, err
	}
	return AtomState{ID: StatePushed, Atom: m.Atom}, nil
}

func applyAtom(c *protocol.Context, _ protocol.InitialState, m Apply) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	if err := applyTo(c, m.Atom); err != nil {
		return nil, err
	}
	c.Notify(NotificationAtomApplied, encoding.OfString(m.Atom.Kind), encoding.OfBytes(m.Atom.Key))
	return AtomState{ID: StateApplied, Atom: m.Atom}, nil
}
