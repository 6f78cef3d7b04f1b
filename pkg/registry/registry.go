package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opticfluorine/sovereign-net/pkg/connection"
	"github.com/opticfluorine/sovereign-net/pkg/keys"
	"github.com/opticfluorine/sovereign-net/pkg/log"
)

// Registry errors.
var (
	// ErrDuplicateConnection indicates a create for an id that is already registered.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrUnknownConnection indicates a lookup or removal of an unregistered id.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Connection states reported in protocol log state-change events.
const (
	stateActive   = "ACTIVE"
	stateDisposed = "DISPOSED"
)

// Config configures a Registry.
type Config struct {
	// ReplayWindow is the replay window size for new connections
	// (default: connection.DefaultWindow).
	ReplayWindow int

	// Logger receives operational log lines (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives connection state-change events (optional).
	ProtocolLogger log.Logger
}

// Registry is the directory of active connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint64]*connection.Connection

	window   int
	logger   *slog.Logger
	protoLog log.Logger
}

// New creates an empty registry.
func New(config Config) (*Registry, error) {
	if config.ReplayWindow == 0 {
		config.ReplayWindow = connection.DefaultWindow
	}
	if err := connection.ValidateWindow(config.ReplayWindow); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ProtocolLogger == nil {
		config.ProtocolLogger = log.NoopLogger{}
	}
	return &Registry{
		conns:    make(map[uint64]*connection.Connection),
		window:   config.ReplayWindow,
		logger:   config.Logger,
		protoLog: config.ProtocolLogger,
	}, nil
}

// Create registers a connection for peer authenticated with key.
//
// The registry takes ownership of key: the caller's slice is wiped whether
// or not Create succeeds. Returns ErrDuplicateConnection if peer's id is
// already registered.
func (r *Registry) Create(peer connection.Peer, key []byte) (*connection.Connection, error) {
	defer keys.Wipe(key)

	k, err := keys.FromBytes(key)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()

	if peer == nil {
		return nil, connection.ErrNilPeer
	}
	id := peer.ID()

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrDuplicateConnection, id)
	}
	c, err := connection.New(peer, k, connection.Config{Window: r.window})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.conns[id] = c
	r.mu.Unlock()

	r.logger.Debug("connection created", "conn_id", id, "session_id", c.SessionID())
	r.logState(c, "", stateActive, "created")
	return c, nil
}

// Get returns the connection registered under id.
func (r *Registry) Get(id uint64) (*connection.Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownConnection, id)
	}
	return c, nil
}

// Remove unregisters c if it is still registered, then disposes it, which
// disconnects the peer if it is still connected. Removing a connection that
// was already removed only repeats the (idempotent) dispose.
func (r *Registry) Remove(c *connection.Connection) error {
	if c == nil {
		return nil
	}

	r.mu.Lock()
	removed := false
	if cur, ok := r.conns[c.ID()]; ok && cur == c {
		delete(r.conns, c.ID())
		removed = true
	}
	r.mu.Unlock()

	return r.dispose(c, removed)
}

// RemoveID removes the connection registered under id.
// Returns ErrUnknownConnection if no connection is registered.
func (r *Registry) RemoveID(id uint64) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownConnection, id)
	}
	return r.dispose(c, true)
}

func (r *Registry) dispose(c *connection.Connection, removed bool) error {
	err := c.Dispose()
	if removed {
		reason := "removed"
		if err != nil {
			reason = err.Error()
			r.logger.Warn("connection removed with error", "conn_id", c.ID(), "error", err)
		} else {
			r.logger.Debug("connection removed", "conn_id", c.ID(), "session_id", c.SessionID())
		}
		r.logState(c, stateActive, stateDisposed, reason)
	}
	return err
}

// Broadcast calls fn once for every connection registered when Broadcast
// was called. fn runs without the registry lock held and may itself create
// or remove connections.
func (r *Registry) Broadcast(fn func(*connection.Connection)) {
	for _, c := range r.Connections() {
		fn(c)
	}
}

// Connections returns a snapshot of the registered connections.
func (r *Registry) Connections() []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]*connection.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close removes and disposes every connection. Returns the joined
// disconnect errors, if any.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := r.conns
	r.conns = make(map[uint64]*connection.Connection)
	r.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := r.dispose(c, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) logState(c *connection.Connection, oldState, newState, reason string) {
	r.protoLog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.ID(),
		SessionID:    c.SessionID(),
		Layer:        log.LayerRegistry,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}
