package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// ProtocolID is the libp2p stream protocol for engine frames
	ProtocolID = p2pprotocol.ID("/zentalk-engine/1.0.0")

	// MaxFrameSize bounds a single frame on the wire
	MaxFrameSize = 4 << 20
)

// Ack bytes written back by the receiver
const (
	ackRejected byte = 0
	ackAccepted byte = 1
)

var ErrFrameTooLarge = errors.New("frame too large")

// FrameKind tells how a frame body is protected
type FrameKind byte

const (
	// FrameOblivious bodies are sealed with the key of an oblivious channel
	FrameOblivious FrameKind = 1
	// FrameAsymmetric bodies are encrypted to the recipient identity's public key
	FrameAsymmetric FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameOblivious:
		return "oblivious"
	case FrameAsymmetric:
		return "asymmetric"
	}
	return fmt.Sprintf("frame(%d)", byte(k))
}

// Frame is one engine message on the wire
type Frame struct {
	Kind      FrameKind
	Recipient identity.Identity
	// Sender is the UID of the sending device
	Sender encoding.UID
	Body   []byte
}

func (f Frame) Encode() encoding.Encoded {
	return encoding.OfList(
		encoding.OfInt(int64(f.Kind)),
		f.Recipient.Encode(),
		encoding.OfUID(f.Sender),
		encoding.OfBytes(f.Body),
	)
}

// DecodeFrame decodes the output of Frame.Encode
func DecodeFrame(e encoding.Encoded) (Frame, error) {
	var f Frame
	items, err := e.DecodeListN(4)
	if err != nil {
		return f, err
	}
	kind, err := items[0].DecodeInt()
	if err != nil {
		return f, err
	}
	f.Kind = FrameKind(kind)
	if f.Kind != FrameOblivious && f.Kind != FrameAsymmetric {
		return f, fmt.Errorf("%w: unknown %s", encoding.ErrInvalidPayload, f.Kind)
	}
	if f.Recipient, err = identity.Decode(items[1]); err != nil {
		return f, err
	}
	if f.Sender, err = items[2].DecodeUID(); err != nil {
		return f, err
	}
	if f.Body, err = items[3].DecodeBytes(); err != nil {
		return f, err
	}
	return f, nil
}

// WriteFrame writes f with a 4-byte big-endian length prefix
func WriteFrame(w io.Writer, f Frame) error {
	b := f.Encode().Bytes()
	if len(b) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(b)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame
func ReadFrame(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	e, err := encoding.Parse(b)
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(e)
}
