package connection

import (
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opticfluorine/sovereign-net/pkg/keys"
	"github.com/opticfluorine/sovereign-net/pkg/pool"
)

// TagSize is the length of a truncated authenticator in bytes.
const TagSize = 16

// Connection errors.
var (
	// ErrDisposed indicates use of a connection after Dispose.
	ErrDisposed = errors.New("connection disposed")

	// ErrNonceExhausted indicates the outbound nonce space is used up.
	// The connection must be re-keyed and replaced.
	ErrNonceExhausted = errors.New("outbound nonce space exhausted")

	// ErrNilPeer indicates a connection created without a transport peer.
	ErrNilPeer = errors.New("peer is required")
)

// Config configures a Connection.
type Config struct {
	// Window is the replay window size (default: DefaultWindow).
	Window int
}

// Connection is the authentication state for one peer.
type Connection struct {
	id        uint64
	sessionID string
	peer      Peer

	// Guarded by both mutexes for writes; either is enough for reads.
	key  keys.Key
	macs *pool.MACPool

	sendMu    sync.Mutex
	nextNonce uint64

	recvMu sync.Mutex
	window *ReplayWindow

	digests  *pool.DigestPool
	disposed atomic.Bool
}

// New creates a connection for peer, copying key into the connection.
// The caller remains responsible for its own copy of key.
func New(peer Peer, key keys.Key, config Config) (*Connection, error) {
	if peer == nil {
		return nil, ErrNilPeer
	}
	if config.Window == 0 {
		config.Window = DefaultWindow
	}
	window, err := NewReplayWindow(config.Window)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		id:        peer.ID(),
		sessionID: uuid.NewString(),
		peer:      peer,
		key:       key,
		window:    window,
		digests:   pool.NewDigestPool(),
	}
	c.macs = pool.NewMACPool(sha512.New, c.key[:])
	return c, nil
}

// ID returns the transport-assigned connection id.
func (c *Connection) ID() uint64 { return c.id }

// SessionID returns the unique id of this connection instance. Transports
// may reuse numeric ids; session ids are never reused.
func (c *Connection) SessionID() string { return c.sessionID }

// Peer returns the transport peer.
func (c *Connection) Peer() Peer { return c.peer }

// Disposed reports whether Dispose has been called.
func (c *Connection) Disposed() bool { return c.disposed.Load() }

// NextOutboundNonce returns the current outbound nonce and advances the
// counter. Each value is issued at most once; after math.MaxUint32 has been
// issued the connection returns ErrNonceExhausted.
func (c *Connection) NextOutboundNonce() (uint32, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.disposed.Load() {
		return 0, ErrDisposed
	}
	if c.nextNonce > math.MaxUint32 {
		return 0, ErrNonceExhausted
	}
	n := uint32(c.nextNonce)
	c.nextNonce++
	return n, nil
}

// IsReceivedNonceValid records n and returns true if n has not been
// received before. It returns false, recording nothing, for a repeated
// nonce, a nonce older than the replay window, or a disposed connection.
func (c *Connection) IsReceivedNonceValid(n uint32) bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.disposed.Load() {
		return false
	}
	return c.window.Accept(n)
}

// Authenticate appends the truncated authenticator of payload to dst.
func (c *Connection) Authenticate(dst, payload []byte) ([]byte, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.authenticate(dst, payload)
}

// Verify reports whether tag authenticates payload. The comparison runs in
// constant time over the full tag length.
func (c *Connection) Verify(payload, tag []byte) (bool, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var expected [TagSize]byte
	if _, err := c.authenticate(expected[:0], payload); err != nil {
		return false, err
	}
	if len(tag) != TagSize {
		return false, nil
	}
	return subtle.ConstantTimeCompare(expected[:], tag) == 1, nil
}

// authenticate computes the tag; the caller holds sendMu or recvMu.
func (c *Connection) authenticate(dst, payload []byte) ([]byte, error) {
	if c.disposed.Load() {
		return dst, ErrDisposed
	}

	mac := c.macs.Get()
	defer c.macs.Put(mac)
	sum := c.digests.Get()
	defer c.digests.Put(sum)

	mac.Write(payload)
	full := mac.Sum(sum[:0])
	return append(dst, full[:TagSize]...), nil
}

// Dispose wipes the key, releases the HMAC contexts and disconnects the peer
// if it is still connected. It is safe to call more than once; only the
// first call has any effect.
func (c *Connection) Dispose() error {
	c.sendMu.Lock()
	c.recvMu.Lock()
	if c.disposed.Load() {
		c.recvMu.Unlock()
		c.sendMu.Unlock()
		return nil
	}
	c.disposed.Store(true)
	c.key.Wipe()
	c.macs = nil
	c.window.Reset()
	c.recvMu.Unlock()
	c.sendMu.Unlock()

	if c.peer.Connected() {
		if err := c.peer.Disconnect(); err != nil {
			return fmt.Errorf("disconnect peer %d: %w", c.id, err)
		}
	}
	return nil
}

// ReplayWindowSize returns the number of nonces tracked for replay detection.
func (c *Connection) ReplayWindowSize() int {
	return c.window.Size()
}
