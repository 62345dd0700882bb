// Package encoding implements the self-describing binary format shared by every
// protocol message, persisted protocol state and server payload of the engine.
//
// # Value Layout
//
// Every value is encoded as:
//   - ByteID (1 byte): the type of the value
//   - Length (4 bytes): big-endian payload length
//   - Payload (Length bytes)
//
// # Types
//
//	0x00 bytes         raw byte string
//	0x01 int           signed 64-bit integer, exactly 8 bytes big-endian
//	0x02 bool          exactly 1 byte, 0x00 or 0x01
//	0x03 list          concatenation of encoded values
//	0x04 dictionary    alternating (bytes key, value) encodings, keys ascending
//	0x05 uint          unsigned 64-bit integer, exactly 8 bytes big-endian
//	0x06 uid           exactly 32 bytes
//	0x07 identity      opaque cryptographic identity (see package identity)
//	0x08 date          unix milliseconds, signed 64-bit, 8 bytes big-endian
//	0x80 symmetric key algorithm byte followed by key material
//
// Numbers have fixed-width payloads so that a number has exactly one valid
// encoding; encoded messages can therefore be used as dedup keys.
//
// # Decoding
//
// Parse validates the complete structure of its input (header lengths, fixed
// payload sizes, nesting depth, dictionary keys) before returning anything.
// Lists and dictionaries are not materialized: DecodeList only splits the
// payload into element encodings that share the parsed buffer, and ListLen
// counts elements without splitting them.
package encoding
