// Package connection holds the per-peer authentication state of the packet
// layer.
//
// A Connection owns:
//   - The 16-byte key used to authenticate packets in both directions
//   - The outbound nonce counter (starts at 0, never reused)
//   - A bounded replay window over received nonces
//
// # Threading
//
// Outbound state is guarded by a send mutex and inbound state by a receive
// mutex, so one sender and one receiver can work on the same connection at
// the same time while concurrent senders (or receivers) are serialized.
//
// # Replay Window
//
// Received nonces are tracked with a sliding bitmap over the most recent
// Window nonces (default 1024). A nonce is accepted once. Nonces that fall
// behind the window are rejected as replays, which bounds memory for the
// life of the connection.
//
// # Key Hygiene
//
// The key never leaves the Connection: callers authenticate through
// Authenticate and Verify. Dispose wipes the key and drops every HMAC
// context built from it.
package connection
