// Package log captures protocol events from the packet layer.
//
// It is separate from operational logging (slog): protocol capture is a
// machine-readable trace of every packet accepted or rejected and every
// connection state change, for debugging replay, tamper and sizing issues
// after the fact.
//
// # Basic Usage
//
//	// Development: print events through slog
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// Production: append to a CBOR capture file
//	logger, _ := log.NewFileLogger("/var/log/sovereign/server.plog")
//
//	// Both
//	logger := log.NewMultiLogger(console, file)
//
// # Event Types
//
//   - Frame: raw stream frames (transport layer)
//   - Packet: accepted or produced packets with nonce and tag (packet layer)
//   - StateChange: connection created/disposed (registry layer)
//   - Error: rejected packets with their error kind (any layer)
//
// Keys are never captured. Packet bodies are not captured; frame events
// hold at most MaxFrameDataSize bytes of the raw frame.
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with the .plog
// extension. The packetlog tool views, filters and summarizes them.
package log
