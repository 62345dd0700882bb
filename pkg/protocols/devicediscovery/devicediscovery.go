// Package devicediscovery asks the server for the devices of a contact or of
// the owned identity, updates the stored device list and starts channel
// creation with every device it did not know.
package devicediscovery

import (
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/channelcreation"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/internal/wire"
)

const ID protocol.ID = 0

// NotificationUpdated carries the identity and its device list after discovery
const NotificationUpdated = "devices_updated"

type Waiting struct {
	Remote identity.Identity
}

func (Waiting) StateID() protocol.StateID { return 1 }

func (s Waiting) Encode() encoding.Encoded { return encoding.OfList(s.Remote.Encode()) }

func decodeWaiting(e encoding.Encoded) (Waiting, error) {
	r := wire.List(e, 1)
	s := Waiting{Remote: r.Identity()}
	return s, r.Err()
}

type Done struct {
	Remote  identity.Identity
	Devices []encoding.UID
}

func (Done) StateID() protocol.StateID { return 2 }

func (s Done) Encode() encoding.Encoded {
	return encoding.OfList(s.Remote.Encode(), encoding.OfUIDs(s.Devices))
}

func decodeDone(e encoding.Encoded) (Done, error) {
	r := wire.List(e, 2)
	s := Done{Remote: r.Identity(), Devices: r.UIDs()}
	return s, r.Err()
}

// Start discovers the devices of Remote, which is a contact or the owned identity
type Start struct {
	Remote identity.Identity
}

func (Start) MessageID() protocol.MessageID { return 0 }

func (m Start) Encode() []encoding.Encoded { return []encoding.Encoded{m.Remote.Encode()} }

func decodeStart(in protocol.Inputs) (Start, error) {
	r := wire.Inputs(in, 1)
	m := Start{Remote: r.Identity()}
	return m, r.Err()
}

// Response carries the device list returned by the server
type Response struct {
	Devices []encoding.UID
}

func (Response) MessageID() protocol.MessageID { return 1 }

func (Response) Encode() []encoding.Encoded { return nil }

func decodeResponse(in protocol.Inputs) (Response, error) {
	if err := in.Expect(0); err != nil {
		return Response{}, err
	}
	resp, err := in.Response()
	if err != nil {
		return Response{}, err
	}
	devices, err := resp.DecodeUIDs()
	return Response{Devices: devices}, err
}

func Definition() *protocol.Definition {
	d := protocol.NewDefinition(ID, "device-discovery")

	waiting := protocol.DeclareState(d, 1, "waitingForServer", decodeWaiting)
	protocol.DeclareFinalState(d, 2, "done", decodeDone)

	start := protocol.DeclareMessage(d, 0, "start", decodeStart, protocol.Initiation())
	response := protocol.DeclareMessage(d, 1, "serverResponse", decodeResponse)

	protocol.AddStep(d, "query-server", d.Initial(), start, queryServer)
	protocol.AddStep(d, "update-devices", waiting, response, updateDevices)
	return d
}

func queryServer(c *protocol.Context, _ protocol.InitialState, m Start) (protocol.State, error) {
	if err := c.RequireLocal(); err != nil {
		return nil, err
	}
	if err := c.Send(protocol.ToServer(protocol.QueryDeviceDiscovery, m.Remote.Encode()), Response{}); err != nil {
		return nil, err
	}
	return Waiting{Remote: m.Remote}, nil
}

func updateDevices(c *protocol.Context, s Waiting, m Response) (protocol.State, error) {
	if c.Channel().Kind != protocol.ChannelServerQuery {
		return nil, protocol.Discard("device list not received from the server")
	}
	ids := c.Identities()

	var added []encoding.UID
	if s.Remote == c.Owned() {
		current, err := ids.CurrentDevice(c.Owned())
		if err != nil {
			return nil, err
		}
		var others []encoding.UID
		for _, uid := range m.Devices {
			if uid != current {
				others = append(others, uid)
			}
		}
		if added, err = ids.SetOwnedDevices(c.Owned(), others); err != nil {
			return nil, err
		}
	} else {
		ok, err := identity.IsContact(ids, c.Owned(), s.Remote)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.Logf("%s is no longer a contact, device list ignored", s.Remote)
			return Done{Remote: s.Remote, Devices: m.Devices}, nil
		}
		if added, err = ids.SetContactDevices(c.Owned(), s.Remote, m.Devices); err != nil {
			return nil, err
		}
	}

	for _, uid := range added {
		err := c.SendTo(protocol.Target{Protocol: channelcreation.ID, UID: c.NewUID()}, protocol.ToLocal(),
			channelcreation.Start{Remote: s.Remote, Device: uid})
		if err != nil {
			return nil, err
		}
	}
	c.Notify(NotificationUpdated, s.Remote.Encode(), encoding.OfUIDs(m.Devices))
	return Done{Remote: s.Remote, Devices: m.Devices}, nil
}
