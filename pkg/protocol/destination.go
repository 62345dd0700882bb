package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// DestinationKind tells the channel how to deliver an outgoing message
type DestinationKind int

const (
	DestLocal DestinationKind = iota
	DestContactDevices
	DestOwnedDevices
	DestAsymmetric
	DestServer
	DestTransferRelay
	DestApp
)

func (k DestinationKind) String() string {
	switch k {
	case DestLocal:
		return "local"
	case DestContactDevices:
		return "contact-devices"
	case DestOwnedDevices:
		return "owned-devices"
	case DestAsymmetric:
		return "asymmetric"
	case DestServer:
		return "server"
	case DestTransferRelay:
		return "transfer-relay"
	case DestApp:
		return "app"
	}
	return fmt.Sprintf("destination(%d)", int(k))
}

// QueryType names a server query
type QueryType string

// Server queries understood by the ZenTalk server
const (
	QueryDeviceDiscovery     QueryType = "device_discovery"
	QueryPutUserData         QueryType = "put_user_data"
	QueryGetUserData         QueryType = "get_user_data"
	QueryDeviceManagement    QueryType = "device_management"
	QueryDeleteOwnedIdentity QueryType = "delete_owned_identity"
	QueryUploadBackup        QueryType = "upload_backup"
	QueryTransferOpen        QueryType = "transfer_open"
	QueryTransferJoin        QueryType = "transfer_join"
	QueryKeycloakMe          QueryType = "keycloak_me"
)

// ServerQuery is a request to the server; its response comes back as the
// inputs' ServerResponse of the message it was sent with
type ServerQuery struct {
	Type   QueryType
	Inputs []encoding.Encoded
}

// Destination says where an outgoing message goes
type Destination struct {
	Kind DestinationKind
	// Identities are the recipients for contact, owned and asymmetric destinations
	Identities []identity.Identity
	// Devices restricts delivery; empty means every known device
	Devices      []encoding.UID
	Query        *ServerQuery
	Session      string
	Notification string
}

// ToLocal loops the message back into the engine on this device
func ToLocal() Destination {
	return Destination{Kind: DestLocal}
}

// ToContacts sends over the oblivious channels of every device of the contacts
func ToContacts(contacts ...identity.Identity) Destination {
	return Destination{Kind: DestContactDevices, Identities: contacts}
}

// ToContactDevices sends to specific devices of a contact
func ToContactDevices(contact identity.Identity, devices ...encoding.UID) Destination {
	return Destination{Kind: DestContactDevices, Identities: []identity.Identity{contact}, Devices: devices}
}

// ToOwnedDevices sends to the other devices of the owned identity; no devices means all of them
func ToOwnedDevices(devices ...encoding.UID) Destination {
	return Destination{Kind: DestOwnedDevices, Devices: devices}
}

// ToAsymmetric encrypts to the recipient's public key, without any channel
func ToAsymmetric(recipient identity.Identity, devices ...encoding.UID) Destination {
	return Destination{Kind: DestAsymmetric, Identities: []identity.Identity{recipient}, Devices: devices}
}

// ToServer posts a server query
func ToServer(t QueryType, inputs ...encoding.Encoded) Destination {
	return Destination{Kind: DestServer, Query: &ServerQuery{Type: t, Inputs: inputs}}
}

// ToTransferRelay sends through an identity transfer relay session
func ToTransferRelay(session string) Destination {
	return Destination{Kind: DestTransferRelay, Session: session}
}

// Encode encodes the destination for the outbox
func (d Destination) Encode() encoding.Encoded {
	dict := encoding.Dictionary{
		"k": encoding.OfInt(int64(d.Kind)),
		"i": identity.EncodeList(d.Identities),
		"d": encoding.OfUIDs(d.Devices),
	}
	if d.Query != nil {
		dict["q"] = encoding.OfList(encoding.OfString(string(d.Query.Type)), encoding.OfList(d.Query.Inputs...))
	}
	if d.Session != "" {
		dict["s"] = encoding.OfString(d.Session)
	}
	if d.Notification != "" {
		dict["n"] = encoding.OfString(d.Notification)
	}
	return encoding.OfDictionary(dict)
}

// DecodeDestination decodes the output of Destination.Encode
func DecodeDestination(e encoding.Encoded) (Destination, error) {
	var d Destination
	dict, err := e.DecodeDictionary()
	if err != nil {
		return d, err
	}
	k, err := dict.Require("k")
	if err != nil {
		return d, err
	}
	kind, err := k.DecodeInt()
	if err != nil {
		return d, err
	}
	d.Kind = DestinationKind(kind)
	if v, ok := dict.Get("i"); ok {
		if d.Identities, err = identity.DecodeList(v); err != nil {
			return d, err
		}
		if len(d.Identities) == 0 {
			d.Identities = nil
		}
	}
	if v, ok := dict.Get("d"); ok {
		if d.Devices, err = v.DecodeUIDs(); err != nil {
			return d, err
		}
		if len(d.Devices) == 0 {
			d.Devices = nil
		}
	}
	if v, ok := dict.Get("q"); ok {
		items, err := v.DecodeListN(2)
		if err != nil {
			return d, err
		}
		t, err := items[0].DecodeString()
		if err != nil {
			return d, err
		}
		inputs, err := items[1].DecodeList()
		if err != nil {
			return d, err
		}
		d.Query = &ServerQuery{Type: QueryType(t), Inputs: inputs}
	}
	if v, ok := dict.Get("s"); ok {
		if d.Session, err = v.DecodeString(); err != nil {
			return d, err
		}
	}
	if v, ok := dict.Get("n"); ok {
		if d.Notification, err = v.DecodeString(); err != nil {
			return d, err
		}
	}
	return d, nil
}

// OutgoingMessage is handed to the Channel after the producing step committed
type OutgoingMessage struct {
	ID          string
	Owned       identity.Identity
	Destination Destination
	// Payload is the encoded envelope; for app notifications it is the encoded list of values
	Payload   []byte
	CreatedAt time.Time
}

// Channel moves outgoing messages out of the engine.
// Delivery is best effort; the engine retries failed hand-offs from its outbox.
type Channel interface {
	DeliverOutgoingMessage(ctx context.Context, msg OutgoingMessage) error
}

// ChannelFunc adapts a function to the Channel interface
type ChannelFunc func(ctx context.Context, msg OutgoingMessage) error

func (f ChannelFunc) DeliverOutgoingMessage(ctx context.Context, msg OutgoingMessage) error {
	return f(ctx, msg)
}
