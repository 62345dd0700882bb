// Package protocol implements the step engine that runs ZenTalk's
// cryptographic multi-party protocols.
//
// A protocol is a finite-state machine described by a Definition: a set of
// states, a set of messages and a set of steps. Each step handles exactly one
// (state, message) pair and returns the next state. The engine guarantees that
// every step runs exactly once against the persisted instance state, in one
// transaction with the outgoing messages it produces.
//
// # Wire Format
//
// Every protocol message is an encoded list:
//
//	[protocolID int, instanceUID uid, messageID int, origin dict, inputs list]
//
// The origin dictionary carries:
//   - "i": identity of the sender
//   - "d": device UID of the sender
//   - "t": date the message was built
//   - "n": random nonce, so that two messages never share an encoding
//
// # Instances
//
// An instance is keyed by (owned identity, protocol id, instance UID), so
// UIDs chosen by two different protocols can never collide. A new instance
// starts in the implicit initial state and is only created by a message
// declared as an initiation message.
//
// # Processing
//
// For one inbound message the engine:
//   - decodes the envelope, discarding anything malformed
//   - locks the instance key and opens a store transaction
//   - drops messages already consumed by a committed step
//   - loads or creates the instance, discarding messages for finished ones
//   - decodes the state and the typed message
//   - looks up the step for (state, message), discarding when there is none
//   - runs the step, then saves the new state and queues outgoing messages
//     in the same transaction
//
// After commit, ready outgoing messages are handed to the Channel, local
// messages loop back into the engine, and delayed messages wait in the
// durable outbox until Run or DispatchDue picks them up.
package protocol
