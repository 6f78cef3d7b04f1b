package connection

import (
	"errors"
	"fmt"
)

// Replay window sizing.
const (
	// DefaultWindow is the default number of nonces tracked per connection.
	DefaultWindow = 1024

	// MinWindow is the smallest allowed window.
	MinWindow = 64

	// MaxWindow is the largest allowed window.
	MaxWindow = 1 << 16
)

// ErrInvalidWindow indicates a window size that is out of range or not a
// multiple of 64.
var ErrInvalidWindow = errors.New("invalid replay window size")

// ValidateWindow checks a replay window size.
func ValidateWindow(size int) error {
	if size < MinWindow || size > MaxWindow || size%64 != 0 {
		return fmt.Errorf("%w: %d (must be a multiple of 64 in [%d, %d])",
			ErrInvalidWindow, size, MinWindow, MaxWindow)
	}
	return nil
}

// ReplayWindow records which nonces have been received.
//
// Bit i of the bitmap represents nonce (highest - i). Not safe for
// concurrent use; Connection guards it with the receive mutex.
type ReplayWindow struct {
	bits    []uint64
	size    uint64
	highest uint64
	started bool
}

// NewReplayWindow creates a window tracking size nonces.
func NewReplayWindow(size int) (*ReplayWindow, error) {
	if err := ValidateWindow(size); err != nil {
		return nil, err
	}
	return &ReplayWindow{
		bits: make([]uint64, size/64),
		size: uint64(size),
	}, nil
}

// Size returns the number of nonces the window tracks.
func (w *ReplayWindow) Size() int {
	return int(w.size)
}

// Accept records n and returns true if n has not been seen and is not
// older than the window. Otherwise it returns false and records nothing.
func (w *ReplayWindow) Accept(n uint32) bool {
	nonce := uint64(n)

	if !w.started {
		w.started = true
		w.highest = nonce
		w.set(0)
		return true
	}

	if nonce > w.highest {
		w.shift(nonce - w.highest)
		w.highest = nonce
		w.set(0)
		return true
	}

	offset := w.highest - nonce
	if offset >= w.size {
		return false
	}
	if w.test(offset) {
		return false
	}
	w.set(offset)
	return true
}

// Seen reports whether n would be rejected, without recording it.
func (w *ReplayWindow) Seen(n uint32) bool {
	if !w.started {
		return false
	}
	nonce := uint64(n)
	if nonce > w.highest {
		return false
	}
	offset := w.highest - nonce
	return offset >= w.size || w.test(offset)
}

// Highest returns the highest nonce accepted so far.
// ok is false if nothing has been accepted.
func (w *ReplayWindow) Highest() (n uint32, ok bool) {
	return uint32(w.highest), w.started
}

// Reset forgets every recorded nonce.
func (w *ReplayWindow) Reset() {
	clear(w.bits)
	w.highest = 0
	w.started = false
}

func (w *ReplayWindow) test(offset uint64) bool {
	return w.bits[offset/64]&(1<<(offset%64)) != 0
}

func (w *ReplayWindow) set(offset uint64) {
	w.bits[offset/64] |= 1 << (offset % 64)
}

// shift moves the window forward by delta nonces.
func (w *ReplayWindow) shift(delta uint64) {
	if delta >= w.size {
		clear(w.bits)
		return
	}

	words := delta / 64
	bitsShift := delta % 64
	n := uint64(len(w.bits))

	// Higher word index holds older nonces.
	for i := n; i > 0; i-- {
		dst := i - 1
		if dst < words {
			w.bits[dst] = 0
			continue
		}
		src := dst - words
		v := w.bits[src] << bitsShift
		if bitsShift != 0 && src > 0 {
			v |= w.bits[src-1] >> (64 - bitsShift)
		}
		w.bits[dst] = v
	}
}
