package protocol

import (
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
)

// OriginNonceSize is the size of the random nonce carried by every envelope
const OriginNonceSize = 16

// Origin is the routing metadata of a message
type Origin struct {
	Identity  identity.Identity
	Device    encoding.UID
	Timestamp time.Time
	Nonce     []byte
}

// Envelope is a protocol message as it travels on the wire
type Envelope struct {
	Protocol ID
	UID      encoding.UID
	Message  MessageID
	Origin   Origin
	Inputs   []encoding.Encoded
}

// Encode builds the wire encoding of the envelope
func (e Envelope) Encode() encoding.Encoded {
	origin := encoding.Dictionary{
		"d": encoding.OfUID(e.Origin.Device),
		"t": encoding.OfDate(e.Origin.Timestamp),
		"n": encoding.OfBytes(e.Origin.Nonce),
	}
	if !e.Origin.Identity.IsZero() {
		origin["i"] = e.Origin.Identity.Encode()
	}
	return encoding.OfList(
		encoding.OfInt(int64(e.Protocol)),
		encoding.OfUID(e.UID),
		encoding.OfInt(int64(e.Message)),
		encoding.OfDictionary(origin),
		encoding.OfList(e.Inputs...),
	)
}

// DecodeEnvelope parses a wire message
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	e, err := encoding.Parse(raw)
	if err != nil {
		return env, err
	}
	items, err := e.DecodeListN(5)
	if err != nil {
		return env, err
	}

	protocolID, err := items[0].DecodeInt()
	if err != nil {
		return env, fmt.Errorf("protocol id: %w", err)
	}
	if env.UID, err = items[1].DecodeUID(); err != nil {
		return env, fmt.Errorf("instance uid: %w", err)
	}
	messageID, err := items[2].DecodeInt()
	if err != nil {
		return env, fmt.Errorf("message id: %w", err)
	}
	env.Protocol, env.Message = ID(protocolID), MessageID(messageID)

	origin, err := items[3].DecodeDictionary()
	if err != nil {
		return env, fmt.Errorf("origin: %w", err)
	}
	if v, ok := origin.Get("i"); ok {
		if env.Origin.Identity, err = identity.Decode(v); err != nil {
			return env, fmt.Errorf("origin identity: %w", err)
		}
	}
	if v, ok := origin.Get("d"); ok {
		if env.Origin.Device, err = v.DecodeUID(); err != nil {
			return env, fmt.Errorf("origin device: %w", err)
		}
	}
	if v, ok := origin.Get("t"); ok {
		if env.Origin.Timestamp, err = v.DecodeDate(); err != nil {
			return env, fmt.Errorf("origin timestamp: %w", err)
		}
	}
	if v, ok := origin.Get("n"); ok {
		if env.Origin.Nonce, err = v.DecodeBytes(); err != nil {
			return env, fmt.Errorf("origin nonce: %w", err)
		}
	}

	if env.Inputs, err = items[4].DecodeList(); err != nil {
		return env, fmt.Errorf("inputs: %w", err)
	}
	return env, nil
}

// ChannelKind tells how an inbound message reached the engine
type ChannelKind int

const (
	// ChannelLocal messages were produced on this device by the engine or the app
	ChannelLocal ChannelKind = iota
	// ChannelOblivious messages arrived over an authenticated channel with a known device
	ChannelOblivious
	// ChannelAsymmetric messages were encrypted to the owned identity's public key; the sender is unauthenticated
	ChannelAsymmetric
	// ChannelServerQuery messages carry the response to a server query
	ChannelServerQuery
	// ChannelTransferRelay messages arrived through an identity transfer relay session
	ChannelTransferRelay
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelLocal:
		return "local"
	case ChannelOblivious:
		return "oblivious"
	case ChannelAsymmetric:
		return "asymmetric"
	case ChannelServerQuery:
		return "server-query"
	case ChannelTransferRelay:
		return "transfer-relay"
	}
	return fmt.Sprintf("channel(%d)", int(k))
}

// ReceptionChannel describes the channel a message was received on
type ReceptionChannel struct {
	Kind           ChannelKind
	RemoteIdentity identity.Identity
	RemoteDevice   encoding.UID
}

// Inbound is a raw message handed to the engine by the transport
type Inbound struct {
	Owned          identity.Identity
	Raw            []byte
	Channel        ReceptionChannel
	ServerResponse *encoding.Encoded
}
