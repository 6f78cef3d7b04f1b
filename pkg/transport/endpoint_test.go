package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticfluorine/sovereign-net/pkg/connection"
	"github.com/opticfluorine/sovereign-net/pkg/event"
	"github.com/opticfluorine/sovereign-net/pkg/keys"
	"github.com/opticfluorine/sovereign-net/pkg/log"
	"github.com/opticfluorine/sovereign-net/pkg/packet"
	"github.com/opticfluorine/sovereign-net/pkg/registry"
)

const waitFor = 2 * time.Second

func sharedKey() []byte {
	return bytes.Repeat([]byte{0x42}, keys.Size)
}

type received struct {
	conn *connection.Connection
	ev   *event.Event
}

type dropped struct {
	conn *connection.Connection
	err  error
}

type harness struct {
	ep      *Endpoint
	events  chan received
	drops   chan dropped
	capture *recordingLogger
}

func newHarness(t *testing.T, maxBadHMAC int) *harness {
	t.Helper()
	h := &harness{
		events:  make(chan received, 64),
		drops:   make(chan dropped, 64),
		capture: &recordingLogger{},
	}
	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)

	h.ep, err = NewEndpoint(EndpointConfig{
		Registry:       reg,
		MaxBadHMAC:     maxBadHMAC,
		ProtocolLogger: h.capture,
		OnEvent: func(c *connection.Connection, ev *event.Event) {
			h.events <- received{c, ev}
		},
		OnDrop: func(c *connection.Connection, err error) {
			h.drops <- dropped{c, err}
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ep.Close() })
	return h
}

func (h *harness) nextEvent(t *testing.T) received {
	t.Helper()
	select {
	case r := <-h.events:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return received{}
	}
}

func (h *harness) nextDrop(t *testing.T) dropped {
	t.Helper()
	select {
	case d := <-h.drops:
		return d
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for drop")
		return dropped{}
	}
}

// rawClient drives the far end of a stream by hand so tests can replay
// and forge packets.
type rawClient struct {
	peer *StreamPeer
	conn *connection.Connection
	ser  *packet.Serializer
}

func newRawClient(t *testing.T, stream net.Conn, key []byte) *rawClient {
	t.Helper()
	k, err := keys.FromBytes(key)
	require.NoError(t, err)

	peer := NewStreamPeer(1000, stream)
	c, err := connection.New(peer, k, connection.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })

	return &rawClient{peer: peer, conn: c, ser: packet.NewSerializer()}
}

func (rc *rawClient) packet(t *testing.T, tag string) []byte {
	t.Helper()
	data, err := rc.ser.Serialize(rc.conn, event.Must(tag, nil))
	require.NoError(t, err)
	return data
}

func TestNewEndpointRequiresRegistry(t *testing.T) {
	_, err := NewEndpoint(EndpointConfig{})
	assert.Error(t, err)
}

func TestEndpointRoundTrip(t *testing.T) {
	server := newHarness(t, 0)
	client := newHarness(t, 0)
	a, b := net.Pipe()

	sc, err := server.ep.Attach(context.Background(), 7, a, sharedKey())
	require.NoError(t, err)
	_, err = client.ep.Attach(context.Background(), 7, b, sharedKey())
	require.NoError(t, err)

	require.NoError(t, client.ep.Send(7, event.Must("Move", map[uint8]int{1: 3})))

	got := server.nextEvent(t)
	assert.Same(t, sc, got.conn)
	assert.Equal(t, "Move", got.ev.Tag)
	assert.False(t, got.ev.Local)
	assert.Equal(t, uint64(7), got.ev.Origin)

	var body map[uint8]int
	require.NoError(t, got.ev.DecodeBody(&body))
	assert.Equal(t, 3, body[1])

	require.NoError(t, server.ep.Send(7, event.Must("Ack", nil)))
	assert.Equal(t, "Ack", client.nextEvent(t).ev.Tag)

	assert.Equal(t, uint64(1), client.ep.Stats().Sent.Load())
	assert.Equal(t, uint64(1), server.ep.Stats().Received.Load())
}

func TestEndpointSendUnknownConnection(t *testing.T) {
	h := newHarness(t, 0)
	err := h.ep.Send(99, event.Must("Ping", nil))
	assert.ErrorIs(t, err, registry.ErrUnknownConnection)
}

func TestEndpointDropsReplay(t *testing.T) {
	server := newHarness(t, 0)
	a, b := net.Pipe()
	_, err := server.ep.Attach(context.Background(), 1, a, sharedKey())
	require.NoError(t, err)
	rc := newRawClient(t, b, sharedKey())

	data := rc.packet(t, "Ping")
	require.NoError(t, rc.peer.Send(data))
	server.nextEvent(t)

	require.NoError(t, rc.peer.Send(data))
	d := server.nextDrop(t)
	assert.Equal(t, packet.KindBadNonce, packet.KindOf(d.err))

	// The connection survives a replay.
	require.NoError(t, rc.peer.Send(rc.packet(t, "Ping")))
	server.nextEvent(t)
	assert.Equal(t, 1, server.ep.Registry().Len())
}

func TestEndpointEvictsAfterRepeatedBadHMAC(t *testing.T) {
	server := newHarness(t, 3)
	a, b := net.Pipe()
	_, err := server.ep.Attach(context.Background(), 1, a, sharedKey())
	require.NoError(t, err)
	rc := newRawClient(t, b, sharedKey())

	forged := bytes.Repeat([]byte{0xEE}, 40)
	for range 3 {
		require.NoError(t, rc.peer.Send(forged))
		d := server.nextDrop(t)
		assert.Equal(t, packet.KindBadHMAC, packet.KindOf(d.err))
	}

	// The server closes its end; the raw client sees the stream end.
	_, err = rc.peer.Receive()
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return server.ep.Registry().Len() == 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, uint64(1), server.ep.Stats().Evicted.Load())
}

func TestEndpointAcceptedPacketResetsBadHMACCount(t *testing.T) {
	server := newHarness(t, 3)
	a, b := net.Pipe()
	_, err := server.ep.Attach(context.Background(), 1, a, sharedKey())
	require.NoError(t, err)
	rc := newRawClient(t, b, sharedKey())

	forged := bytes.Repeat([]byte{0xEE}, 40)
	for _, step := range []string{"bad", "bad", "good", "bad", "bad"} {
		if step == "good" {
			require.NoError(t, rc.peer.Send(rc.packet(t, "Ping")))
			server.nextEvent(t)
			continue
		}
		require.NoError(t, rc.peer.Send(forged))
		server.nextDrop(t)
	}

	assert.Equal(t, 1, server.ep.Registry().Len())
	assert.Zero(t, server.ep.Stats().Evicted.Load())
}

func TestEndpointRemovesConnectionWhenStreamEnds(t *testing.T) {
	server := newHarness(t, 0)
	a, b := net.Pipe()
	_, err := server.ep.Attach(context.Background(), 1, a, sharedKey())
	require.NoError(t, err)

	require.NoError(t, b.Close())

	assert.Eventually(t, func() bool { return server.ep.Registry().Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestEndpointContextCancel(t *testing.T) {
	server := newHarness(t, 0)
	a, b := net.Pipe()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := server.ep.Attach(ctx, 1, a, sharedKey())
	require.NoError(t, err)

	cancel()

	assert.Eventually(t, c.Disposed, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return server.ep.Registry().Len() == 0 }, waitFor, 10*time.Millisecond)

	var reasons []string
	assert.Eventually(t, func() bool {
		reasons = reasons[:0]
		for _, e := range server.capture.snapshot() {
			if e.StateChange != nil && e.StateChange.Entity == log.StateEntityEndpoint {
				reasons = append(reasons, e.StateChange.Reason)
			}
		}
		return len(reasons) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "context cancelled", reasons[0])
}

func TestEndpointAttachWipesKey(t *testing.T) {
	h := newHarness(t, 0)
	a, b := net.Pipe()
	defer b.Close()

	key := sharedKey()
	_, err := h.ep.Attach(context.Background(), 1, a, key)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, keys.Size), key)
}

func TestEndpointAttachDuplicate(t *testing.T) {
	h := newHarness(t, 0)
	a1, b1 := net.Pipe()
	a2, b2 := net.Pipe()
	defer b1.Close()
	defer a2.Close()
	defer b2.Close()

	_, err := h.ep.Attach(context.Background(), 1, a1, sharedKey())
	require.NoError(t, err)
	_, err = h.ep.Attach(context.Background(), 1, a2, sharedKey())
	assert.ErrorIs(t, err, registry.ErrDuplicateConnection)
}

func TestEndpointBroadcast(t *testing.T) {
	server := newHarness(t, 0)

	clients := make([]*harness, 3)
	for i := range clients {
		clients[i] = newHarness(t, 0)
		a, b := net.Pipe()
		id := uint64(i + 1)
		_, err := server.ep.Attach(context.Background(), id, a, sharedKey())
		require.NoError(t, err)
		_, err = clients[i].ep.Attach(context.Background(), id, b, sharedKey())
		require.NoError(t, err)
	}

	require.NoError(t, server.ep.Broadcast(event.Must("Tick", uint32(5))))

	for i, c := range clients {
		got := c.nextEvent(t)
		assert.Equal(t, "Tick", got.ev.Tag, "client %d", i)
	}
	assert.Equal(t, uint64(3), server.ep.Stats().Sent.Load())
}

func TestEndpointClose(t *testing.T) {
	h := newHarness(t, 0)

	var peers []net.Conn
	var conns []*connection.Connection
	for i := range 3 {
		a, b := net.Pipe()
		peers = append(peers, b)
		c, err := h.ep.Attach(context.Background(), uint64(i), a, sharedKey())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	defer func() {
		for _, p := range peers {
			p.Close()
		}
	}()

	require.NoError(t, h.ep.Close())
	assert.Zero(t, h.ep.Registry().Len())
	for _, c := range conns {
		assert.True(t, c.Disposed())
	}

	// Idempotent, and no new attachments.
	assert.NoError(t, h.ep.Close())
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	key := sharedKey()
	_, err := h.ep.Attach(context.Background(), 9, a, key)
	assert.ErrorIs(t, err, ErrEndpointClosed)
	assert.Equal(t, make([]byte, keys.Size), key)
}

func TestEndpointConcurrentSend(t *testing.T) {
	server := newHarness(t, 0)
	client := newHarness(t, 0)
	a, b := net.Pipe()
	_, err := server.ep.Attach(context.Background(), 1, a, sharedKey())
	require.NoError(t, err)
	_, err = client.ep.Attach(context.Background(), 1, b, sharedKey())
	require.NoError(t, err)

	const senders, perSender = 4, 10
	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSender {
				assert.NoError(t, client.ep.Send(1, event.Must("Ping", nil)))
			}
		}()
	}

	for range senders * perSender {
		server.nextEvent(t)
	}
	wg.Wait()
}
