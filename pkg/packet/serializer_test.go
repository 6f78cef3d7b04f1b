package packet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticfluorine/sovereign-net/pkg/connection"
	"github.com/opticfluorine/sovereign-net/pkg/connection/mocks"
	"github.com/opticfluorine/sovereign-net/pkg/event"
	"github.com/opticfluorine/sovereign-net/pkg/keys"
	"github.com/opticfluorine/sovereign-net/pkg/log"
	"github.com/opticfluorine/sovereign-net/pkg/wire"
)

type captureLogger struct {
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) { c.events = append(c.events, e) }

func testKey(b byte) keys.Key {
	var k keys.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func newConn(t *testing.T, id uint64, key keys.Key) *connection.Connection {
	t.Helper()
	c, err := connection.New(mocks.NewConnectedPeer(t, id), key, connection.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

// pair returns two connections sharing a key, as the two ends of a session.
func pair(t *testing.T) (client, server *connection.Connection) {
	t.Helper()
	k := testKey(0x5A)
	return newConn(t, 1, k), newConn(t, 2, k)
}

// bodyForPayloadSize returns an encoded body that makes the payload for
// (nonce, tag) exactly size bytes long.
func bodyForPayloadSize(t *testing.T, nonce uint32, tag string, size int) []byte {
	t.Helper()
	for n := 0; n <= size; n++ {
		body, err := wire.Marshal(make([]byte, n))
		require.NoError(t, err)
		p, err := wire.MarshalPayload(&wire.Payload{Nonce: nonce, Tag: tag, Body: body})
		require.NoError(t, err)
		if len(p) == size {
			return body
		}
		if len(p) > size {
			break
		}
	}
	t.Fatalf("no body yields a %d byte payload", size)
	return nil
}

func TestRoundTrip(t *testing.T) {
	s := NewSerializer()
	client, server := pair(t)

	tests := []struct {
		name string
		ev   *event.Event
	}{
		{"tag only", event.Must("Ping", nil)},
		{"struct body", event.Must("Move", map[uint8]int{1: 4, 2: -2})},
		{"text body", event.Must("Chat", "hello there")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.Serialize(client, tt.ev)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(data), MaxPacketSize)
			assert.Greater(t, len(data), HMACSize)

			got, err := s.Deserialize(server, data)
			require.NoError(t, err)
			assert.True(t, got.SameContent(tt.ev))
			assert.False(t, got.Local)
			assert.Equal(t, server.ID(), got.Origin)
		})
	}
	assert.Zero(t, s.buffers.InUse())
}

func TestNoncesAreMonotonic(t *testing.T) {
	s := NewSerializer()
	client, _ := pair(t)
	ev := event.Must("Ping", nil)

	for want := uint32(0); want < 50; want++ {
		data, err := s.Serialize(client, ev)
		require.NoError(t, err)

		p, err := wire.DecodePayload(data[HMACSize:])
		require.NoError(t, err)
		assert.Equal(t, want, p.Nonce)
	}
}

func TestReplayRejected(t *testing.T) {
	s := NewSerializer()
	client, server := pair(t)

	data, err := s.Serialize(client, event.Must("Ping", nil))
	require.NoError(t, err)

	_, err = s.Deserialize(server, data)
	require.NoError(t, err)

	_, err = s.Deserialize(server, data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadNonce)
	assert.Equal(t, KindBadNonce, KindOf(err))
}

func TestOutOfOrderAccepted(t *testing.T) {
	s := NewSerializer()
	client, server := pair(t)

	var packets [][]byte
	for range 5 {
		data, err := s.Serialize(client, event.Must("Ping", nil))
		require.NoError(t, err)
		packets = append(packets, data)
	}

	for _, i := range []int{3, 0, 4, 1, 2} {
		_, err := s.Deserialize(server, packets[i])
		assert.NoError(t, err, "packet %d", i)
	}
	for i := range packets {
		_, err := s.Deserialize(server, packets[i])
		assert.ErrorIs(t, err, ErrBadNonce, "packet %d", i)
	}
}

func TestTamperDetected(t *testing.T) {
	s := NewSerializer()
	client, server := pair(t)

	data, err := s.Serialize(client, event.Must("Chat", "the quick brown fox"))
	require.NoError(t, err)

	positions := []int{0, 7, HMACSize - 1, HMACSize, HMACSize + 1, len(data) / 2, len(data) - 1}
	for _, pos := range positions {
		for _, bit := range []uint{0, 3, 7} {
			tampered := bytes.Clone(data)
			tampered[pos] ^= 1 << bit

			_, err := s.Deserialize(server, tampered)
			assert.ErrorIs(t, err, ErrBadHMAC, "byte %d bit %d", pos, bit)
		}
	}

	// Rejections record nothing, so the original still verifies.
	_, err = s.Deserialize(server, data)
	assert.NoError(t, err)
}

func TestTruncatedAuthenticatorRejected(t *testing.T) {
	s := NewSerializer()
	client, server := pair(t)

	data, err := s.Serialize(client, event.Must("Ping", nil))
	require.NoError(t, err)

	_, err = s.Deserialize(server, data[1:])
	assert.ErrorIs(t, err, ErrBadHMAC)
}

func TestCrossKeyRejected(t *testing.T) {
	s := NewSerializer()
	sender := newConn(t, 1, testKey(0x01))
	receiver := newConn(t, 2, testKey(0x02))

	data, err := s.Serialize(sender, event.Must("Ping", nil))
	require.NoError(t, err)

	_, err = s.Deserialize(receiver, data)
	assert.ErrorIs(t, err, ErrBadHMAC)
}

func TestSerializePayloadSizeLimit(t *testing.T) {
	s := NewSerializer()

	t.Run("at limit", func(t *testing.T) {
		c := newConn(t, 1, testKey(1))
		body := bodyForPayloadSize(t, 0, "Blob", MaxPayload)

		data, err := s.Serialize(c, &event.Event{Tag: "Blob", Body: body, Local: true})
		require.NoError(t, err)
		assert.Len(t, data, MaxPacketSize)
	})

	t.Run("over limit", func(t *testing.T) {
		c := newConn(t, 1, testKey(1))
		body := bodyForPayloadSize(t, 0, "Blob", MaxPayload+1)

		_, err := s.Serialize(c, &event.Event{Tag: "Blob", Body: body, Local: true})
		assert.ErrorIs(t, err, ErrPacketSize)
		assert.Equal(t, KindPacketSize, KindOf(err))

		// The nonce is consumed even though no packet was produced.
		n, err := c.NextOutboundNonce()
		require.NoError(t, err)
		assert.Equal(t, uint32(1), n)
	})

	assert.Zero(t, s.buffers.InUse())
}

func TestDeserializeSizeLimits(t *testing.T) {
	s := NewSerializer()
	capture := &captureLogger{}
	s.protoLog = capture
	_, server := pair(t)

	tests := []struct {
		name string
		size int
		want error
	}{
		{"empty", 0, ErrMalformedPacket},
		{"authenticator only", HMACSize, ErrMalformedPacket},
		{"one payload byte", HMACSize + 1, ErrBadHMAC},
		{"max size", MaxPacketSize, ErrBadHMAC},
		{"one over max", MaxPacketSize + 1, ErrPacketSize},
		{"far over max", 64 * 1024, ErrPacketSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize(server, make([]byte, tt.size))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Oversized packets are rejected before authentication, which would
	// otherwise report BAD_HMAC for all-zero data.
	last := capture.events[len(capture.events)-1]
	require.NotNil(t, last.Error)
	assert.Equal(t, "PACKET_SIZE", last.Error.Kind)
}

func TestDeserializeMalformedPayload(t *testing.T) {
	s := NewSerializer()
	client, server := pair(t)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not cbor", []byte{0xFF, 0xFF}},
		{"not a map", []byte{0x01}},
		{"empty tag", []byte{0xA2, 0x01, 0x00, 0x02, 0x60}},
		{"missing tag", []byte{0xA1, 0x01, 0x00}},
		{"trailing bytes", []byte{0xA2, 0x01, 0x00, 0x02, 0x61, 'x', 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Authentic but structurally invalid.
			data, err := client.Authenticate(nil, tt.payload)
			require.NoError(t, err)
			data = append(data, tt.payload...)

			_, err = s.Deserialize(server, data)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestSerializeInvalidEvent(t *testing.T) {
	s := NewSerializer()
	client, _ := pair(t)

	_, err := s.Serialize(client, nil)
	assert.ErrorIs(t, err, ErrNilEvent)

	_, err = s.Serialize(client, &event.Event{Tag: ""})
	assert.ErrorIs(t, err, wire.ErrEmptyTag)

	_, err = s.Serialize(client, &event.Event{Tag: "Chat", Body: []byte{0x62, 'a'}})
	assert.ErrorIs(t, err, wire.ErrInvalidBody)

	assert.Zero(t, s.buffers.InUse())
}

func TestDisposedConnection(t *testing.T) {
	s := NewSerializer()
	client, server := pair(t)

	data, err := s.Serialize(client, event.Must("Ping", nil))
	require.NoError(t, err)

	require.NoError(t, client.Dispose())
	require.NoError(t, server.Dispose())

	_, err = s.Serialize(client, event.Must("Ping", nil))
	assert.ErrorIs(t, err, connection.ErrDisposed)
	assert.Equal(t, KindNone, KindOf(err))

	_, err = s.Deserialize(server, data)
	assert.ErrorIs(t, err, connection.ErrDisposed)
}

func TestZeroKeyPingScenario(t *testing.T) {
	s := NewSerializer()
	c := newConn(t, 1, keys.Key{})
	ping := &event.Event{Tag: "Ping", Local: true}

	p0, err := s.Serialize(c, ping)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(p0), MaxPacketSize)

	payload0, err := wire.DecodePayload(p0[HMACSize:])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), payload0.Nonce)

	got, err := s.Deserialize(c, p0)
	require.NoError(t, err)
	assert.True(t, got.SameContent(ping))

	_, err = s.Deserialize(c, p0)
	assert.ErrorIs(t, err, ErrBadNonce)

	p1, err := s.Serialize(c, ping)
	require.NoError(t, err)

	payload1, err := wire.DecodePayload(p1[HMACSize:])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), payload1.Nonce)
	assert.NotEqual(t, p0[:HMACSize], p1[:HMACSize])
	assert.NotEqual(t, p0, p1)

	got, err = s.Deserialize(c, p1)
	require.NoError(t, err)
	assert.True(t, got.SameContent(ping))

	_, err = s.Deserialize(c, p1)
	assert.ErrorIs(t, err, ErrBadNonce)
}

func TestZeroKeyAuthenticatorIsTruncatedHMAC(t *testing.T) {
	s := NewSerializer()
	c := newConn(t, 1, keys.Key{})

	data, err := s.Serialize(c, &event.Event{Tag: "Ping"})
	require.NoError(t, err)

	// {1: 0, 2: "Ping"}
	assert.Equal(t, []byte{0xA2, 0x01, 0x00, 0x02, 0x64, 'P', 'i', 'n', 'g'}, data[HMACSize:])
	assert.Equal(t, expectedTag(keys.Key{}, data[HMACSize:]), data[:HMACSize])
}

func TestProtocolLogging(t *testing.T) {
	capture := &captureLogger{}
	s := NewSerializer(WithProtocolLogger(capture))
	client, server := pair(t)

	data, err := s.Serialize(client, event.Must("Ping", nil))
	require.NoError(t, err)
	_, err = s.Deserialize(server, data)
	require.NoError(t, err)
	_, err = s.Deserialize(server, data)
	require.Error(t, err)

	require.Len(t, capture.events, 3)

	out := capture.events[0]
	assert.Equal(t, log.DirectionOut, out.Direction)
	assert.Equal(t, log.CategoryPacket, out.Category)
	require.NotNil(t, out.Packet)
	assert.Equal(t, "Ping", out.Packet.Tag)
	assert.Equal(t, len(data), out.Packet.Size)
	assert.Equal(t, client.SessionID(), out.SessionID)

	in := capture.events[1]
	assert.Equal(t, log.DirectionIn, in.Direction)
	assert.Equal(t, server.ID(), in.ConnectionID)

	rejected := capture.events[2]
	assert.Equal(t, log.CategoryError, rejected.Category)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, "BAD_NONCE", rejected.Error.Kind)
}

func TestConcurrentConnections(t *testing.T) {
	s := NewSerializer()

	type link struct{ tx, rx *connection.Connection }
	links := make([]link, 8)
	for i := range links {
		k := testKey(byte(i))
		links[i] = link{newConn(t, uint64(i), k), newConn(t, uint64(i+100), k)}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(links))
	for _, l := range links {
		wg.Add(1)
		go func(l link) {
			defer wg.Done()
			for range 100 {
				data, err := s.Serialize(l.tx, event.Must("Ping", nil))
				if err != nil {
					errs <- err
					return
				}
				if _, err := s.Deserialize(l.rx, data); err != nil {
					errs <- err
					return
				}
			}
		}(l)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, s.buffers.InUse())
}

func expectedTag(key keys.Key, payload []byte) []byte {
	mac := hmac.New(sha512.New, key[:])
	mac.Write(payload)
	return mac.Sum(nil)[:HMACSize]
}
