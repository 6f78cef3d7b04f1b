// Package transport carries authenticated packets over byte streams.
//
// Packets are framed with a 2-byte big-endian length prefix:
//
//	┌──────────────────┬──────────────────────────────┐
//	│ length (uint16)  │ packet (17..1216 bytes)      │
//	└──────────────────┴──────────────────────────────┘
//
// StreamPeer adapts any io.ReadWriteCloser (typically a net.Conn) to the
// connection.Peer contract. Endpoint ties a registry, a serializer and a set
// of streams together: one read loop per stream, delivery of accepted
// events to a callback, and the drop policy for rejected packets.
//
// # Drop Policy
//
// Oversized, malformed and replayed packets are dropped and counted.
// Packets that fail authentication are dropped too, but a connection that
// produces MaxBadHMAC of them in a row is removed; any accepted packet
// resets the count.
package transport
