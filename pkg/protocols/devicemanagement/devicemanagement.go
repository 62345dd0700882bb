// Package devicemanagement renames and deactivates devices of the owned
// identity. Changes go through the server first and are then mirrored on
// every owned device.
package devicemanagement

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 21

const (
	ActionRename     = "rename"
	ActionDeactivate = "deactivate"
)

const (
	NotificationRenamed     = "device_renamed"
	NotificationRemoved     = "device_removed"
	NotificationDeactivated = "current_device_deactivated"
)

const (
	StateWaitingForServer protocol.StateID = 1
	StateDone             protocol.StateID = 2
	StateFailed           protocol.StateID = 3
)

// Change is one device change; it is the state of every instance
type Change struct {
	ID     protocol.StateID
	Action string
	Device encoding.UID
	Name   string
}

func (s Change) StateID() protocol.StateID { return s.ID }

func (s Change) Encode() encoding.Encoded {
	return encoding.OfList(encoding.OfString(s.Action), encoding.OfUID(s.Device), encoding.OfString(s.Name))
}

func decodeChange(id protocol.StateID) func(encoding.Encoded) (Change, error) {
	return func(e encoding.Encoded) (Change, error) {
		r := wire.List(e, 3)
		s := Change{ID: id, Action: r.String(), Device: r.UID(), Name: r.String()}
		return s, r.Err()
	}
}

type Rename struct {
	Device encoding.UID
	Name   string
}

func (Rename) MessageID() protocol.MessageID { return 0 }

func (m Rename) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfUID(m.Device), encoding.OfString(m.Name)}
}

func decodeRename(in protocol.Inputs) (Rename, error) {
	r := wire.Inputs(in, 2)
	m := Rename{Device: r.UID(), Name: r.String()}
	return m, r.Err()
}

type Deactivate struct {
	Device encoding.UID
}

func (Deactivate) MessageID() protocol.MessageID { return 1 }

func (m Deactivate) Encode() []encoding.Encoded { return []encoding.Encoded{encoding.OfUID(m.Device)} }

func decodeDeactivate(in protocol.Inputs) (Deactivate, error) {
	r := wire.Inputs(in, 1)
	m := Deactivate{Device: r.UID()}
	return m, r.Err()
}

type ServerDone struct {
	OK bool
}

func (ServerDone) MessageID() protocol.MessageID { return 2 }
func (ServerDone) Encode() []encoding.Encoded    { return nil }

func decodeServerDone(in protocol.Inputs) (ServerDone, error) {
	if err := in.Expect(0); err != nil {
		return ServerDone{}, err
	}
	resp, err := in.Response()
	if err != nil {
		return ServerDone{}, err
	}
	ok, err := resp.DecodeBool()
	return ServerDone{OK: ok}, err
}

// OwnedChange mirrors a change on the other owned devices
type OwnedChange struct {
	Action string
	Device encoding.UID
	Name   string
}

func (OwnedChange) MessageID() protocol.MessageID { return 3 }

func (m OwnedChange) Encode() []encoding.Encoded {
	return []encoding.Encoded{encoding.OfString(m.Action), encoding.OfUID(m.Device), encoding.OfString(m.Name)}
}

func decodeOwnedChange(in protocol.Inputs) (OwnedChange, error) {
	r := wire.Inputs(in, 3)
	m := OwnedChange{Action: r.String(), Device: r.UID(), Name: r.String()}
	return m, r.Err()
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "device-management")

	waiting := protocol.DeclareState(d, StateWaitingForServer, "waitingForServer", decodeChange(StateWaitingForServer))
	protocol.DeclareFinalState(d, StateDone, "done", decodeChange(StateDone))
	protocol.DeclareFinalState(d, StateFailed, "failed", decodeChange(StateFailed))

	rename := protocol.DeclareMessage(d, 0, "rename", decodeRename, protocol.Initiation())
	deactivate := protocol.DeclareMessage(d, 1, "deactivate", decodeDeactivate, protocol.Initiation())
	done := protocol.DeclareMessage(d, 2, "serverDone", decodeServerDone)
	owned := protocol.DeclareMessage(d, 3, "ownedChange", decodeOwnedChange, protocol.Initiation())

	protocol.AddStep(d, "request-rename", d.Initial(), rename, requestRename)
	protocol.AddStep(d, "request-deactivation", d.Initial(), deactivate, requestDeactivation)
	protocol.AddStep(d, "apply-change", waiting, done, applyChange)
	protocol.AddStep(d, "mirror-change", d.Initial(), owned, mirrorChange)
	return d
}

// ownedDevice reports whether uid is a device of the owned identity and whether it is the current one
func ownedDevice(c *protocol.Context, uid encoding.UID) (known, current bool, err error) {
	devices, err := c.Identities().OwnedDevices(c.Owned())
	if err != nil {
		return false, false, err
	}
	for _, d := range devices {
		if d.UID == uid {
			return true, d.Current, nil
		}
	}
	return false, false, nil
}

func requestRename(c *protocol.Context, _ protocol.InitialState, m Rename) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, protocol.Discard("empty device name")
	}
	known, _, err := ownedDevice(c, m.Device)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, protocol.Discard("unknown device %s", m.Device.Short())
	}
	query := protocol.ToServer(protocol.QueryDeviceManagement,
		encoding.OfString(ActionRename), encoding.OfUID(m.Device), encoding.OfString(m.Name))
	if err := c.Send(query, ServerDone{}); err != nil {
		return nil, err
	}
	return Change{ID: StateWaitingForServer, Action: ActionRename, Device: m.Device, Name: m.Name}, nil
}

func requestDeactivation(c *protocol.Context, _ protocol.InitialState, m Deactivate) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	known, current, err := ownedDevice(c, m.Device)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, protocol.Discard("unknown device %s", m.Device.Short())
	}
	if current {
		return nil, protocol.Discard("the current device is deactivated from another device")
	}
	query := protocol.ToServer(protocol.QueryDeviceManagement, encoding.OfString(ActionDeactivate), encoding.OfUID(m.Device))
	if err := c.Send(query, ServerDone{}); err != nil {
		return nil, err
	}
	return Change{ID: StateWaitingForServer, Action: ActionDeactivate, Device: m.Device}, nil
}

func apply(c *protocol.Context, action string, device encoding.UID, name string) error {
	ids := c.Identities()
	switch action {
	case ActionRename:
		if err := ids.SetOwnedDeviceName(c.Owned(), device, name); err != nil {
			return err
		}
		c.Notify(NotificationRenamed, encoding.OfUID(device), encoding.OfString(name))
	case ActionDeactivate:
		if err := ids.RemoveOwnedDevice(c.Owned(), device); err != nil {
			return err
		}
		c.Notify(NotificationRemoved, encoding.OfUID(device))
	default:
		return protocol.Discard("unknown device action %q", action)
	}
	return nil
}

func applyChange(c *protocol.Context, s Change, m ServerDone) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return nil, protocol.Discard("server answer over %s", c.Channel().Kind)
	}
	if !m.OK {
		s.ID = StateFailed
		return s, nil
	}
	// the deactivated device is told before it disappears from the list
	if err := c.Send(protocol.ToOwnedDevices(), OwnedChange{Action: s.Action, Device: s.Device, Name: s.Name}); err != nil {
		return nil, err
	}
	if err := apply(c, s.Action, s.Device, s.Name); err != nil {
		return nil, err
	}
	s.ID = StateDone
	return s, nil
}

func mirrorChange(c *protocol.Context, _ protocol.InitialState, m OwnedChange) (protocol.State, error) {
	if err := c.RequireFromOwnedDevice(); err != nil {
		return nil, err
	}
	known, current, err := ownedDevice(c, m.Device)
	if err != nil {
		return nil, err
	}
	switch {
	case current && m.Action == ActionDeactivate:
		c.Notify(NotificationDeactivated)
	case known:
		if err := apply(c, m.Action, m.Device, m.Name); err != nil {
			return nil, err
		}
	}
	return Change{ID: StateDone, Action: m.Action, Device: m.Device, Name: m.Name}, nil
}
