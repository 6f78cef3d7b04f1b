package packet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opticfluorine/sovereign-net/pkg/connection"
	"github.com/opticfluorine/sovereign-net/pkg/event"
	"github.com/opticfluorine/sovereign-net/pkg/log"
	"github.com/opticfluorine/sovereign-net/pkg/pool"
	"github.com/opticfluorine/sovereign-net/pkg/wire"
)

// Packet size limits.
const (
	// HMACSize is the length of the truncated authenticator.
	HMACSize = connection.TagSize

	// MaxPayload is the largest accepted payload.
	MaxPayload = 1200

	// MaxPacketSize is the largest accepted packet.
	MaxPacketSize = HMACSize + MaxPayload
)

// ErrNilEvent is returned by Serialize for a nil event.
var ErrNilEvent = errors.New("event is nil")

// Serializer frames events into authenticated packets. It holds no
// per-connection state and is safe for concurrent use.
type Serializer struct {
	buffers  *pool.BufferPool
	logger   *slog.Logger
	protoLog log.Logger
	now      func() time.Time
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the operational logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProtocolLogger captures a protocol event for every packet produced,
// accepted or rejected.
func WithProtocolLogger(l log.Logger) Option {
	return func(s *Serializer) {
		s.protoLog = log.OrNoop(l)
	}
}

// WithBufferPool shares a payload buffer pool between serializers.
func WithBufferPool(p *pool.BufferPool) Option {
	return func(s *Serializer) {
		if p != nil {
			s.buffers = p
		}
	}
}

// NewSerializer creates a Serializer.
func NewSerializer(opts ...Option) *Serializer {
	s := &Serializer{
		buffers:  pool.NewBufferPool(MaxPacketSize),
		logger:   slog.Default(),
		protoLog: log.NoopLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serialize builds the packet carrying ev on c. It consumes one outbound
// nonce whether or not the packet is ever sent. The returned slice is owned
// by the caller.
func (s *Serializer) Serialize(c *connection.Connection, ev *event.Event) ([]byte, error) {
	if ev == nil {
		return nil, ErrNilEvent
	}

	nonce, err := c.NextOutboundNonce()
	if err != nil {
		return nil, fmt.Errorf("connection %d: %w", c.ID(), err)
	}

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	p := wire.Payload{Nonce: nonce, Tag: ev.Tag, Body: ev.Body}
	if err := wire.EncodePayload(buf, &p); err != nil {
		return nil, fmt.Errorf("connection %d: %w", c.ID(), err)
	}

	payload := buf.Bytes()
	if len(payload) > MaxPayload {
		err := newError(KindPacketSize, c.ID(),
			fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), MaxPayload), nil)
		s.reject(c, log.DirectionOut, err)
		return nil, err
	}

	out := make([]byte, 0, HMACSize+len(payload))
	out, err = c.Authenticate(out, payload)
	if err != nil {
		return nil, fmt.Errorf("connection %d: %w", c.ID(), err)
	}
	out = append(out, payload...)

	s.accept(c, log.DirectionOut, len(out), &p)
	return out, nil
}

// Deserialize authenticates data received on c and recovers its event.
// The returned event is non-local with Origin set to c.ID(). Rejections are
// *Error values; other errors mean c itself is unusable (e.g. disposed).
func (s *Serializer) Deserialize(c *connection.Connection, data []byte) (*event.Event, error) {
	if len(data) > MaxPacketSize {
		err := newError(KindPacketSize, c.ID(),
			fmt.Sprintf("packet of %d bytes exceeds %d", len(data), MaxPacketSize), nil)
		s.reject(c, log.DirectionIn, err)
		return nil, err
	}
	if len(data) <= HMACSize {
		err := newError(KindMalformed, c.ID(),
			fmt.Sprintf("packet of %d bytes has no payload", len(data)), nil)
		s.reject(c, log.DirectionIn, err)
		return nil, err
	}

	tag, payload := data[:HMACSize], data[HMACSize:]

	ok, err := c.Verify(payload, tag)
	if err != nil {
		return nil, fmt.Errorf("connection %d: %w", c.ID(), err)
	}
	if !ok {
		err := newError(KindBadHMAC, c.ID(), "", nil)
		s.reject(c, log.DirectionIn, err)
		return nil, err
	}

	p, err := wire.DecodePayload(payload)
	if err != nil {
		err := newError(KindMalformed, c.ID(), "", err)
		s.reject(c, log.DirectionIn, err)
		return nil, err
	}

	if !c.IsReceivedNonceValid(p.Nonce) {
		if c.Disposed() {
			return nil, fmt.Errorf("connection %d: %w", c.ID(), connection.ErrDisposed)
		}
		err := newError(KindBadNonce, c.ID(), fmt.Sprintf("nonce %d", p.Nonce), nil)
		s.reject(c, log.DirectionIn, err)
		return nil, err
	}

	s.accept(c, log.DirectionIn, len(data), &p)

	var body []byte
	if len(p.Body) > 0 {
		body = []byte(p.Body)
	}
	return event.Remote(p.Tag, body, c.ID()), nil
}

func (s *Serializer) accept(c *connection.Connection, dir log.Direction, size int, p *wire.Payload) {
	s.protoLog.Log(log.Event{
		Timestamp:    s.now(),
		ConnectionID: c.ID(),
		SessionID:    c.SessionID(),
		Direction:    dir,
		Layer:        log.LayerPacket,
		Category:     log.CategoryPacket,
		Packet: &log.PacketEvent{
			Size:     size,
			Nonce:    p.Nonce,
			Tag:      p.Tag,
			BodySize: len(p.Body),
		},
	})
}

func (s *Serializer) reject(c *connection.Connection, dir log.Direction, err *Error) {
	s.logger.Debug("packet rejected",
		"conn", c.ID(),
		"direction", dir.String(),
		"kind", err.Kind.String(),
		"error", err)

	s.protoLog.Log(log.Event{
		Timestamp:    s.now(),
		ConnectionID: c.ID(),
		SessionID:    c.SessionID(),
		Direction:    dir,
		Layer:        log.LayerPacket,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerPacket,
			Kind:    err.Kind.String(),
			Message: err.Error(),
			Context: dir.String(),
		},
	})
}
