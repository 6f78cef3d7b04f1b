package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opticfluorine/sovereign-net/pkg/log"
	"github.com/opticfluorine/sovereign-net/pkg/packet"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 2

	// MinFrameSize is the smallest packet a frame may carry: an
	// authenticator and one payload byte.
	MinFrameSize = packet.HMACSize + 1

	// MaxFrameSize is the largest packet a frame may carry.
	MaxFrameSize = packet.MaxPacketSize
)

// Framing errors.
var (
	// ErrMessageTooLarge indicates a frame longer than MaxFrameSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageTooSmall indicates a non-empty frame shorter than MinFrameSize.
	ErrMessageTooSmall = errors.New("message too small")

	// ErrMessageEmpty indicates a zero-length frame.
	ErrMessageEmpty = errors.New("message is empty")

	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("frame truncated")
)

func checkFrameSize(n int) error {
	switch {
	case n == 0:
		return ErrMessageEmpty
	case n < MinFrameSize:
		return fmt.Errorf("%w: %d < %d", ErrMessageTooSmall, n, MinFrameSize)
	case n > MaxFrameSize:
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, MaxFrameSize)
	}
	return nil
}

// FrameWriter writes length-prefixed packets. Safe for concurrent use.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex

	// scratch holds prefix and packet so each frame is a single Write.
	scratch [LengthPrefixSize + MaxFrameSize]byte

	logger log.Logger
	connID uint64
}

// NewFrameWriter creates a frame writer on w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// SetLogger captures a frame event for every frame written.
// Pass nil to disable.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID uint64) {
	fw.logger = logger
	fw.connID = connID
}

// WriteFrame writes one frame carrying data.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if err := checkFrameSize(len(data)); err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	binary.BigEndian.PutUint16(fw.scratch[:LengthPrefixSize], uint16(len(data)))
	n := copy(fw.scratch[LengthPrefixSize:], data)
	if _, err := fw.w.Write(fw.scratch[:LengthPrefixSize+n]); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if fw.logger != nil {
		fw.logger.Log(frameEvent(fw.connID, data, log.DirectionOut))
	}
	return nil
}

// FrameReader reads length-prefixed packets. Not safe for concurrent use;
// each stream has exactly one reader.
type FrameReader struct {
	r         io.Reader
	lengthBuf [LengthPrefixSize]byte

	logger log.Logger
	connID uint64
}

// NewFrameReader creates a frame reader on r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// SetLogger captures a frame event for every frame read.
// Pass nil to disable.
func (fr *FrameReader) SetLogger(logger log.Logger, connID uint64) {
	fr.logger = logger
	fr.connID = connID
}

// ReadFrame reads one frame and returns the packet it carries.
// It returns io.EOF if the stream ends cleanly between frames. A size
// error leaves the stream unsynchronized; callers should close it.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := int(binary.BigEndian.Uint16(fr.lengthBuf[:]))
	if err := checkFrameSize(length); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(fr.r, data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read packet: %w", err)
	}

	if fr.logger != nil {
		fr.logger.Log(frameEvent(fr.connID, data, log.DirectionIn))
	}
	return data, nil
}

func frameEvent(connID uint64, data []byte, dir log.Direction) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryFrame,
		Frame:        log.NewFrameEvent(data, LengthPrefixSize),
	}
}

// Framer combines frame reading and writing on one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer for rw.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw),
		FrameWriter: NewFrameWriter(rw),
	}
}

// SetLogger configures frame capture for both directions.
func (f *Framer) SetLogger(logger log.Logger, connID uint64) {
	f.FrameReader.SetLogger(logger, connID)
	f.FrameWriter.SetLogger(logger, connID)
}

// FrameSize returns the encoded size of a frame carrying n packet bytes.
func FrameSize(n int) int {
	return LengthPrefixSize + n
}
