// Package packet converts application events to authenticated packets and
// back.
//
// A packet is a 16-byte authenticator followed by a CBOR payload of at most
// MaxPayload bytes:
//
//	+----------------------+-----------------------------------+
//	| authenticator (16 B) | payload {1: nonce, 2: tag, 3: body} |
//	+----------------------+-----------------------------------+
//
// The authenticator is HMAC-SHA-512 over the payload under the connection
// key, truncated to 16 bytes. Receivers check size first, then the
// authenticator, then structure, then the nonce; a packet is accepted only
// if every check passes. Every rejection is a *Error whose Kind tells the
// caller which check failed.
package packet
