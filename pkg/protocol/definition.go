package protocol

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
)

type stateSpec struct {
	id     StateID
	name   string
	final  bool
	decode func(encoding.Encoded) (State, error)
}

type messageSpec struct {
	id         MessageID
	name       string
	initiation bool
	decode     func(Inputs) (Message, error)
}

type stepKey struct {
	from StateID
	on   MessageID
}

type stepSpec struct {
	name string
	from StateID
	on   MessageID
	run  func(*Context, State, Message) (State, error)
}

// Definition describes one protocol: its states, messages and steps.
// Definitions are built once at startup and are read-only afterwards.
type Definition struct {
	id       ID
	name     string
	states   map[StateID]*stateSpec
	messages map[MessageID]*messageSpec
	steps    map[stepKey]*stepSpec
	errs     []error
}

// StateKind is a typed handle on a declared state
type StateKind[S State] struct {
	def  *Definition
	id   StateID
	name string
}

func (k StateKind[S]) ID() StateID { return k.id }

func (k StateKind[S]) Name() string { return k.name }

// MessageKind is a typed handle on a declared message
type MessageKind[M Message] struct {
	def  *Definition
	id   MessageID
	name string
}

func (k MessageKind[M]) ID() MessageID { return k.id }

func (k MessageKind[M]) Name() string { return k.name }

// MessageOption configures a declared message
type MessageOption func(*messageSpec)

// Initiation allows the message to create a new instance
func Initiation() MessageOption {
	return func(m *messageSpec) { m.initiation = true }
}

// NewDefinition starts a protocol definition. The initial state is declared implicitly.
func NewDefinition(id ID, name string) *Definition {
	d := &Definition{
		id:       id,
		name:     name,
		states:   make(map[StateID]*stateSpec),
		messages: make(map[MessageID]*messageSpec),
		steps:    make(map[stepKey]*stepSpec),
	}
	d.states[InitialStateID] = &stateSpec{
		id:   InitialStateID,
		name: "initial",
		decode: func(e encoding.Encoded) (State, error) {
			if _, err := e.DecodeListN(0); err != nil {
				return nil, err
			}
			return InitialState{}, nil
		},
	}
	return d
}

func (d *Definition) ID() ID { return d.id }

func (d *Definition) Name() string { return d.name }

// Initial returns the handle of the implicit initial state
func (d *Definition) Initial() StateKind[InitialState] {
	return StateKind[InitialState]{def: d, id: InitialStateID, name: "initial"}
}

func (d *Definition) fail(format string, args ...any) {
	d.errs = append(d.errs, fmt.Errorf("%s: "+format, append([]any{d.name}, args...)...))
}

func declareState[S State](d *Definition, id StateID, name string, final bool, decode func(encoding.Encoded) (S, error)) StateKind[S] {
	if _, dup := d.states[id]; dup {
		d.fail("state id %d declared twice", id)
	} else if decode == nil {
		d.fail("state %s has no decoder", name)
	} else {
		d.states[id] = &stateSpec{
			id:    id,
			name:  name,
			final: final,
			decode: func(e encoding.Encoded) (State, error) {
				st, err := decode(e)
				if err != nil {
					return nil, err
				}
				return st, nil
			},
		}
	}
	return StateKind[S]{def: d, id: id, name: name}
}

// DeclareState declares an intermediate state
func DeclareState[S State](d *Definition, id StateID, name string, decode func(encoding.Encoded) (S, error)) StateKind[S] {
	return declareState(d, id, name, false, decode)
}

// DeclareFinalState declares a terminal state. Instances reaching it accept no further message.
func DeclareFinalState[S State](d *Definition, id StateID, name string, decode func(encoding.Encoded) (S, error)) StateKind[S] {
	return declareState(d, id, name, true, decode)
}

// DeclareMessage declares a message and its decoder
func DeclareMessage[M Message](d *Definition, id MessageID, name string, decode func(Inputs) (M, error), opts ...MessageOption) MessageKind[M] {
	if _, dup := d.messages[id]; dup {
		d.fail("message id %d declared twice", id)
	} else if decode == nil {
		d.fail("message %s has no decoder", name)
	} else {
		spec := &messageSpec{
			id:   id,
			name: name,
			decode: func(in Inputs) (Message, error) {
				m, err := decode(in)
				if err != nil {
					return nil, err
				}
				return m, nil
			},
		}
		for _, opt := range opts {
			opt(spec)
		}
		d.messages[id] = spec
	}
	return MessageKind[M]{def: d, id: id, name: name}
}

// AddStep registers the step run when an instance in state from receives message on
func AddStep[S State, M Message](d *Definition, name string, from StateKind[S], on MessageKind[M], run func(*Context, S, M) (State, error)) {
	if from.def != d || on.def != d {
		d.fail("step %s uses a state or message of another protocol", name)
		return
	}
	key := stepKey{from: from.id, on: on.id}
	if existing, dup := d.steps[key]; dup {
		d.errs = append(d.errs, fmt.Errorf("%w: %s: steps %s and %s both handle (state %s, message %s)",
			ErrAmbiguousStep, d.name, existing.name, name, from.name, on.name))
		return
	}
	d.steps[key] = &stepSpec{
		name: name,
		from: from.id,
		on:   on.id,
		run: func(ctx *Context, s State, m Message) (State, error) {
			typedState, ok := s.(S)
			if !ok {
				return nil, fmt.Errorf("%w: state %T is not %s", ErrStepFailed, s, from.name)
			}
			typedMessage, ok := m.(M)
			if !ok {
				return nil, fmt.Errorf("%w: message %T is not %s", ErrStepFailed, m, on.name)
			}
			return run(ctx, typedState, typedMessage)
		},
	}
}

// Validate reports every problem found while building the definition
func (d *Definition) Validate() error {
	errs := append([]error(nil), d.errs...)
	for key, step := range d.steps {
		st, ok := d.states[key.from]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s: step %s starts from undeclared state %d", ErrInvalidDefinition, d.name, step.name, key.from))
			continue
		}
		if st.final {
			errs = append(errs, fmt.Errorf("%w: %s: step %s starts from final state %s", ErrInvalidDefinition, d.name, step.name, st.name))
		}
		if _, ok := d.messages[key.on]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s: step %s handles undeclared message %d", ErrInvalidDefinition, d.name, step.name, key.on))
		}
	}
	for i, err := range errs {
		if !errors.Is(err, ErrAmbiguousStep) && !errors.Is(err, ErrInvalidDefinition) {
			errs[i] = fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Definition) step(from StateID, on MessageID) (*stepSpec, bool) {
	s, ok := d.steps[stepKey{from: from, on: on}]
	return s, ok
}

func (d *Definition) stateName(id StateID) string {
	if s, ok := d.states[id]; ok {
		return s.name
	}
	return fmt.Sprintf("state(%d)", id)
}

func (d *Definition) messageName(id MessageID) string {
	if m, ok := d.messages[id]; ok {
		return m.name
	}
	return fmt.Sprintf("message(%d)", id)
}

// IsFinal reports whether id is a declared final state
func (d *Definition) IsFinal(id StateID) bool {
	s, ok := d.states[id]
	return ok && s.final
}

// StateName returns the declared name of a state
func (d *Definition) StateName(id StateID) string {
	return d.stateName(id)
}

// StepInfo describes a registered step
type StepInfo struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Message string `json:"message"`
}

// Steps lists the registered steps ordered by state then message
func (d *Definition) Steps() []StepInfo {
	keys := make([]stepKey, 0, len(d.steps))
	for k := range d.steps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].on < keys[j].on
	})
	out := make([]StepInfo, len(keys))
	for i, k := range keys {
		out[i] = StepInfo{Name: d.steps[k].name, State: d.stateName(k.from), Message: d.messageName(k.on)}
	}
	return out
}
