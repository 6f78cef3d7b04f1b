package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opticfluorine/sovereign-net/pkg/connection"
	"github.com/opticfluorine/sovereign-net/pkg/event"
	"github.com/opticfluorine/sovereign-net/pkg/keys"
	"github.com/opticfluorine/sovereign-net/pkg/log"
	"github.com/opticfluorine/sovereign-net/pkg/packet"
	"github.com/opticfluorine/sovereign-net/pkg/registry"
)

// DefaultMaxBadHMAC is the number of consecutive unauthenticated packets
// after which a connection is removed.
const DefaultMaxBadHMAC = 8

// ErrEndpointClosed is returned by Attach after Close.
var ErrEndpointClosed = errors.New("endpoint closed")

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Registry holds the endpoint's connections (required).
	Registry *registry.Registry

	// Serializer frames events (default: packet.NewSerializer()).
	Serializer *packet.Serializer

	// MaxBadHMAC is the consecutive authentication failures tolerated per
	// connection before it is removed. Zero means DefaultMaxBadHMAC;
	// negative disables removal.
	MaxBadHMAC int

	// WriteTimeout bounds each frame write (0 = no timeout).
	WriteTimeout time.Duration

	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives frame and endpoint state events (optional).
	ProtocolLogger log.Logger

	// OnEvent is called from the connection's read loop for every accepted
	// event. It must not block for long.
	OnEvent func(c *connection.Connection, ev *event.Event)

	// OnDrop is called for every rejected packet (optional).
	OnDrop func(c *connection.Connection, err error)
}

// Endpoint binds a registry and a serializer to byte streams. Each attached
// stream gets one read loop, so every connection has a single reader.
type Endpoint struct {
	config   EndpointConfig
	registry *registry.Registry
	ser      *packet.Serializer
	logger   *slog.Logger
	protoLog log.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	stats Stats
}

// Stats counts endpoint traffic.
type Stats struct {
	Sent     atomic.Uint64
	Received atomic.Uint64
	Dropped  atomic.Uint64
	Evicted  atomic.Uint64
}

// NewEndpoint creates an Endpoint.
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Serializer == nil {
		config.Serializer = packet.NewSerializer()
	}
	if config.MaxBadHMAC == 0 {
		config.MaxBadHMAC = DefaultMaxBadHMAC
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Endpoint{
		config:   config,
		registry: config.Registry,
		ser:      config.Serializer,
		logger:   config.Logger,
		protoLog: log.OrNoop(config.ProtocolLogger),
	}, nil
}

// Registry returns the endpoint's registry.
func (e *Endpoint) Registry() *registry.Registry { return e.registry }

// Stats returns the endpoint counters.
func (e *Endpoint) Stats() *Stats { return &e.stats }

// Attach registers stream as connection id authenticated with key and
// starts its read loop. The registry wipes key. The loop stops, removing
// the connection, when the stream ends, ctx is cancelled, the connection is
// removed elsewhere, or too many consecutive packets fail authentication.
// If Attach fails the caller still owns stream.
func (e *Endpoint) Attach(ctx context.Context, id uint64, stream io.ReadWriteCloser, key []byte) (*connection.Connection, error) {
	peer := NewStreamPeer(id, stream)
	if e.config.ProtocolLogger != nil {
		peer.SetLogger(e.config.ProtocolLogger)
	}
	peer.SetWriteTimeout(e.config.WriteTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		keys.Wipe(key)
		return nil, ErrEndpointClosed
	}

	c, err := e.registry.Create(peer, key)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.readLoop(ctx, c, peer)
	return c, nil
}

// Send serializes ev and writes it to connection id.
func (e *Endpoint) Send(id uint64, ev *event.Event) error {
	c, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	return e.SendTo(c, ev)
}

// SendTo serializes ev and writes it to c.
func (e *Endpoint) SendTo(c *connection.Connection, ev *event.Event) error {
	data, err := e.ser.Serialize(c, ev)
	if err != nil {
		return err
	}
	if err := c.Peer().Send(data); err != nil {
		return fmt.Errorf("send to connection %d: %w", c.ID(), err)
	}
	e.stats.Sent.Add(1)
	return nil
}

// Broadcast sends ev to every registered connection. Each connection gets
// its own packet under its own key and nonce. Returns the joined errors of
// the connections that could not be reached.
func (e *Endpoint) Broadcast(ev *event.Event) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	e.registry.Broadcast(func(c *connection.Connection) {
		if err := e.SendTo(c, ev); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	})
	return errors.Join(errs...)
}

// Close removes every connection and waits for the read loops to exit.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.registry.Close()
	e.wg.Wait()
	return err
}

func (e *Endpoint) readLoop(ctx context.Context, c *connection.Connection, peer *StreamPeer) {
	defer e.wg.Done()

	// Closing the stream unblocks a pending read.
	stop := context.AfterFunc(ctx, func() { _ = peer.Disconnect() })
	defer stop()

	reason := e.receive(ctx, c, peer)

	if err := e.registry.Remove(c); err != nil {
		e.logger.Debug("remove after read loop", "conn_id", c.ID(), "error", err)
	}
	e.logState(c, reason)
}

// receive runs until the connection must go and returns the reason.
func (e *Endpoint) receive(ctx context.Context, c *connection.Connection, peer *StreamPeer) string {
	badHMAC := 0
	for {
		data, err := peer.Receive()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return "context cancelled"
			case c.Disposed() || !peer.Connected():
				return "removed"
			case errors.Is(err, io.EOF):
				return "stream closed"
			default:
				e.logger.Warn("read failed", "conn_id", c.ID(), "error", err)
				return err.Error()
			}
		}

		ev, err := e.ser.Deserialize(c, data)
		if err == nil {
			badHMAC = 0
			e.stats.Received.Add(1)
			if e.config.OnEvent != nil {
				e.config.OnEvent(c, ev)
			}
			continue
		}

		switch packet.KindOf(err) {
		case packet.KindBadHMAC:
			badHMAC++
		case packet.KindPacketSize, packet.KindMalformed, packet.KindBadNonce:
		default:
			// The connection itself is gone.
			return "removed"
		}

		e.stats.Dropped.Add(1)
		if e.config.OnDrop != nil {
			e.config.OnDrop(c, err)
		}

		if e.config.MaxBadHMAC > 0 && badHMAC >= e.config.MaxBadHMAC {
			e.stats.Evicted.Add(1)
			e.logger.Warn("evicting connection after repeated authentication failures",
				"conn_id", c.ID(), "failures", badHMAC)
			return fmt.Sprintf("%d consecutive authentication failures", badHMAC)
		}
	}
}

func (e *Endpoint) logState(c *connection.Connection, reason string) {
	e.protoLog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.ID(),
		SessionID:    c.SessionID(),
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityEndpoint,
			OldState: StateConnected.String(),
			NewState: StateDisconnected.String(),
			Reason:   reason,
		},
	})
}
