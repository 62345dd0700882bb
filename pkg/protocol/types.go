package protocol

import (
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

// ID identifies a protocol type
type ID int

// StateID identifies a state within a protocol
type StateID int

// MessageID identifies a message within a protocol
type MessageID int

// InitialStateID is the id of the implicit start state of every protocol
const InitialStateID StateID = 0

var (
	// ErrDiscard marks a message that must be dropped without changing any state
	ErrDiscard = errors.New("message discarded")

	ErrInvalidDefinition = errors.New("invalid protocol definition")
	ErrAmbiguousStep     = errors.New("ambiguous protocol step")
	ErrUnknownProtocol   = errors.New("unknown protocol")
	ErrStepFailed        = errors.New("protocol step failed")
)

// Discard builds an ErrDiscard with a reason
func Discard(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDiscard, fmt.Sprintf(format, args...))
}

// State is an immutable protocol state
type State interface {
	StateID() StateID
	Encode() encoding.Encoded
}

// Message is a typed protocol message. Encode returns its inputs.
type Message interface {
	MessageID() MessageID
	Encode() []encoding.Encoded
}

// InitialState is the state of a brand-new instance
type InitialState struct{}

func (InitialState) StateID() StateID { return InitialStateID }

func (InitialState) Encode() encoding.Encoded { return encoding.OfList() }

// Inputs is what a message decoder receives
type Inputs struct {
	Values []encoding.Encoded
	// ServerResponse is set for messages carrying the result of a server query
	ServerResponse *encoding.Encoded
}

// Expect checks the number of inputs
func (in Inputs) Expect(n int) error {
	if len(in.Values) != n {
		return fmt.Errorf("%w: want %d inputs, got %d", encoding.ErrWrongArity, n, len(in.Values))
	}
	return nil
}

// Response returns the server response or an error if there is none
func (in Inputs) Response() (encoding.Encoded, error) {
	if in.ServerResponse == nil {
		return encoding.Encoded{}, fmt.Errorf("%w: missing server response", encoding.ErrInvalidPayload)
	}
	return *in.ServerResponse, nil
}

// NoInputs returns a decoder for messages that carry no inputs
func NoInputs[M Message](m M) func(Inputs) (M, error) {
	return func(in Inputs) (M, error) {
		if err := in.Expect(0); err != nil {
			var zero M
			return zero, err
		}
		return m, nil
	}
}

// NoPayload returns a decoder for states that carry no payload
func NoPayload[S State](s S) func(encoding.Encoded) (S, error) {
	return func(e encoding.Encoded) (S, error) {
		if _, err := e.DecodeListN(0); err != nil {
			var zero S
			return zero, err
		}
		return s, nil
	}
}
