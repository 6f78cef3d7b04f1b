// Package wire defines the CBOR payload format carried inside packets.
//
// The payload is a CBOR map with integer keys:
//
//	{
//	  1: nonce,   // uint32, per-connection outbound counter
//	  2: tag,     // text, identifies the event type
//	  3: body     // embedded CBOR item, omitted when the event has no body
//	}
//
// The authenticator that precedes the payload on the wire is computed over
// exactly these bytes, so encoding is deterministic (canonical key order,
// definite lengths). Decoding of payloads is strict: duplicate keys,
// indefinite lengths and trailing bytes are rejected.
//
// Event bodies use the same codec but are decoded leniently so peers can add
// fields without breaking older readers.
package wire
