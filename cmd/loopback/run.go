package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/opticfluorine/sovereign-net/pkg/config"
	"github.com/opticfluorine/sovereign-net/pkg/connection"
	"github.com/opticfluorine/sovereign-net/pkg/event"
	"github.com/opticfluorine/sovereign-net/pkg/keys"
	"github.com/opticfluorine/sovereign-net/pkg/log"
	"github.com/opticfluorine/sovereign-net/pkg/packet"
	"github.com/opticfluorine/sovereign-net/pkg/registry"
	"github.com/opticfluorine/sovereign-net/pkg/transport"
)

const (
	loopbackID  = 1
	stepTimeout = 2 * time.Second
)

// Options tunes a loopback run.
type Options struct {
	Count          int
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Report summarizes a loopback run.
type Report struct {
	Delivered     int
	Replayed      bool
	Tampered      bool
	Oversized     bool
	Evicted       bool
	EvictionLimit int
}

// Print writes the report to w.
func (r Report) Print(w io.Writer) {
	mark := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAILED"
	}
	fmt.Fprintf(w, "round trips:   %d\n", r.Delivered)
	fmt.Fprintf(w, "replay:        %s\n", mark(r.Replayed))
	fmt.Fprintf(w, "tamper:        %s\n", mark(r.Tampered))
	fmt.Fprintf(w, "oversize:      %s\n", mark(r.Oversized))
	if r.EvictionLimit > 0 {
		fmt.Fprintf(w, "eviction (%d): %s\n", r.EvictionLimit, mark(r.Evicted))
	} else {
		fmt.Fprintln(w, "eviction:      disabled")
	}
}

type drop struct {
	kind packet.Kind
}

// Run attaches a server endpoint to one end of a pipe and drives the other
// end by hand.
func Run(ctx context.Context, cfg config.Config, opts Options) (Report, error) {
	var report Report
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	key, err := keys.Generate(nil)
	if err != nil {
		return report, err
	}
	defer key.Wipe()

	reg, err := registry.New(registry.Config{
		ReplayWindow:   cfg.ReplayWindow,
		Logger:         opts.Logger,
		ProtocolLogger: opts.ProtocolLogger,
	})
	if err != nil {
		return report, err
	}
	ser := packet.NewSerializer(
		packet.WithLogger(opts.Logger),
		packet.WithProtocolLogger(opts.ProtocolLogger),
	)

	// Callbacks never block, so the read loop can always be stopped.
	delivered := make(chan *event.Event, 16)
	dropped := make(chan drop, 16)
	ep, err := transport.NewEndpoint(transport.EndpointConfig{
		Registry:       reg,
		Serializer:     ser,
		MaxBadHMAC:     cfg.MaxBadHMAC,
		WriteTimeout:   cfg.WriteTimeout,
		Logger:         opts.Logger,
		ProtocolLogger: opts.ProtocolLogger,
		OnEvent: func(_ *connection.Connection, ev *event.Event) {
			select {
			case delivered <- ev:
			default:
			}
		},
		OnDrop: func(_ *connection.Connection, err error) {
			select {
			case dropped <- drop{packet.KindOf(err)}:
			default:
			}
		},
	})
	if err != nil {
		return report, err
	}
	defer ep.Close()

	serverSide, clientSide := net.Pipe()
	serverKey := append([]byte(nil), key[:]...)
	if _, err := ep.Attach(ctx, loopbackID, serverSide, serverKey); err != nil {
		clientSide.Close()
		serverSide.Close()
		return report, err
	}

	peer := transport.NewStreamPeer(loopbackID, clientSide)
	client, err := connection.New(peer, key, connection.Config{Window: cfg.ReplayWindow})
	if err != nil {
		peer.Disconnect()
		return report, err
	}
	defer client.Dispose()

	d := driver{ctx: ctx, ser: ser, conn: client, peer: peer, delivered: delivered, dropped: dropped}

	var last []byte
	for i := range opts.Count {
		last, err = d.send(event.Must("Ping", uint32(i)))
		if err != nil {
			return report, err
		}
		if err := d.expectDelivery(); err != nil {
			return report, fmt.Errorf("round trip %d: %w", i, err)
		}
		report.Delivered++
	}

	if last != nil {
		if err := d.write(last); err != nil {
			return report, err
		}
		report.Replayed = d.expectDrop(packet.KindBadNonce) == nil
	}

	tampered, err := d.sendTampered(event.Must("Chat", "tampered"))
	if err != nil {
		return report, err
	}
	report.Tampered = d.expectDrop(packet.KindBadHMAC) == nil

	_, err = ser.Serialize(client, event.Must("Blob", make([]byte, packet.MaxPayload)))
	report.Oversized = errors.Is(err, packet.ErrPacketSize)

	if cfg.MaxBadHMAC > 0 {
		report.EvictionLimit = cfg.MaxBadHMAC
		for range cfg.MaxBadHMAC - 1 {
			if err := d.write(tampered); err != nil {
				return report, err
			}
			if err := d.expectDrop(packet.KindBadHMAC); err != nil {
				return report, err
			}
		}
		report.Evicted = d.expectClosed() == nil
	}

	return report, nil
}

// driver plays the client side of the loopback.
type driver struct {
	ctx       context.Context
	ser       *packet.Serializer
	conn      *connection.Connection
	peer      *transport.StreamPeer
	delivered <-chan *event.Event
	dropped   <-chan drop
}

// send serializes ev and writes it.
func (d *driver) send(ev *event.Event) ([]byte, error) {
	data, err := d.ser.Serialize(d.conn, ev)
	if err != nil {
		return nil, err
	}
	return data, d.write(data)
}

// sendTampered is like send but flips the last payload bit first.
func (d *driver) sendTampered(ev *event.Event) ([]byte, error) {
	data, err := d.ser.Serialize(d.conn, ev)
	if err != nil {
		return nil, err
	}
	data[len(data)-1] ^= 0x01
	return data, d.write(data)
}

func (d *driver) write(data []byte) error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.peer.Send(data) }()
	select {
	case err := <-errCh:
		return err
	case <-d.ctx.Done():
		return d.ctx.Err()
	case <-time.After(stepTimeout):
		return fmt.Errorf("write timed out")
	}
}

func (d *driver) expectDelivery() error {
	select {
	case <-d.delivered:
		return nil
	case dr := <-d.dropped:
		return fmt.Errorf("packet dropped: %s", dr.kind)
	case <-d.ctx.Done():
		return d.ctx.Err()
	case <-time.After(stepTimeout):
		return fmt.Errorf("no delivery")
	}
}

func (d *driver) expectDrop(kind packet.Kind) error {
	select {
	case dr := <-d.dropped:
		if dr.kind != kind {
			return fmt.Errorf("dropped as %s, want %s", dr.kind, kind)
		}
		return nil
	case <-d.delivered:
		return fmt.Errorf("packet delivered, want %s", kind)
	case <-d.ctx.Done():
		return d.ctx.Err()
	case <-time.After(stepTimeout):
		return fmt.Errorf("no %s drop", kind)
	}
}

// expectClosed waits for the server to close the stream.
func (d *driver) expectClosed() error {
	errCh := make(chan error, 1)
	go func() {
		_, err := d.peer.Receive()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("stream not closed cleanly: %w", err)
	case <-time.After(stepTimeout):
		return fmt.Errorf("stream still open")
	}
}
