package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opticfluorine/sovereign-net/pkg/connection"
	"github.com/opticfluorine/sovereign-net/pkg/log"
)

// PeerState is the lifecycle state of a StreamPeer.
type PeerState int32

const (
	// StateConnected indicates the stream is open.
	StateConnected PeerState = iota

	// StateClosing indicates Disconnect is in progress.
	StateClosing

	// StateDisconnected indicates the stream is closed.
	StateDisconnected
)

// String returns the state name.
func (s PeerState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotConnected is returned by Send after Disconnect.
var ErrNotConnected = errors.New("not connected")

// deadlineWriter is implemented by net.Conn.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// StreamPeer carries packets over a byte stream such as a net.Conn.
type StreamPeer struct {
	id     uint64
	stream io.ReadWriteCloser
	framer *Framer

	writeTimeout time.Duration

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// NewStreamPeer wraps stream as the peer with the given id.
func NewStreamPeer(id uint64, stream io.ReadWriteCloser) *StreamPeer {
	return &StreamPeer{
		id:     id,
		stream: stream,
		framer: NewFramer(stream),
	}
}

// SetLogger captures frame events for this peer.
func (p *StreamPeer) SetLogger(logger log.Logger) {
	p.framer.SetLogger(logger, p.id)
}

// SetWriteTimeout bounds each Send when the stream supports deadlines.
// Zero disables the timeout.
func (p *StreamPeer) SetWriteTimeout(d time.Duration) {
	p.writeTimeout = d
}

// ID returns the peer id.
func (p *StreamPeer) ID() uint64 { return p.id }

// State returns the current state.
func (p *StreamPeer) State() PeerState { return PeerState(p.state.Load()) }

// Connected reports whether the stream is open.
func (p *StreamPeer) Connected() bool { return p.State() == StateConnected }

// Send writes packet as one frame.
func (p *StreamPeer) Send(packet []byte) error {
	if !p.Connected() {
		return ErrNotConnected
	}
	if p.writeTimeout > 0 {
		if dw, ok := p.stream.(deadlineWriter); ok {
			_ = dw.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			defer func() { _ = dw.SetWriteDeadline(time.Time{}) }()
		}
	}
	return p.framer.WriteFrame(packet)
}

// Receive reads the next packet. Only the endpoint read loop calls it.
func (p *StreamPeer) Receive() ([]byte, error) {
	return p.framer.ReadFrame()
}

// Disconnect closes the stream. Later calls return the first result.
func (p *StreamPeer) Disconnect() error {
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosing))
		p.closeErr = p.stream.Close()
		p.state.Store(int32(StateDisconnected))
	})
	return p.closeErr
}

var _ connection.Peer = (*StreamPeer)(nil)
