package packet

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per Kind. Match with errors.Is.
var (
	ErrPacketSize      = errors.New("packet size out of bounds")
	ErrMalformedPacket = errors.New("malformed packet")
	ErrBadHMAC         = errors.New("packet authentication failed")
	ErrBadNonce        = errors.New("packet nonce replayed")
)

// Kind classifies a packet failure.
type Kind uint8

const (
	// KindNone is returned by KindOf for errors that are not packet errors.
	KindNone Kind = iota
	KindPacketSize
	KindMalformed
	KindBadHMAC
	KindBadNonce
)

// String returns the kind name used in protocol logs.
func (k Kind) String() string {
	switch k {
	case KindPacketSize:
		return "PACKET_SIZE"
	case KindMalformed:
		return "MALFORMED"
	case KindBadHMAC:
		return "BAD_HMAC"
	case KindBadNonce:
		return "BAD_NONCE"
	default:
		return "NONE"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindPacketSize:
		return ErrPacketSize
	case KindMalformed:
		return ErrMalformedPacket
	case KindBadHMAC:
		return ErrBadHMAC
	case KindBadNonce:
		return ErrBadNonce
	default:
		return nil
	}
}

// Error describes a rejected packet.
type Error struct {
	Kind         Kind
	ConnectionID uint64

	// Detail is a short human-readable description, e.g. "1217 bytes".
	Detail string

	// Err is the underlying cause, if any (e.g. a CBOR decode error).
	Err error
}

func newError(kind Kind, connID uint64, detail string, cause error) *Error {
	return &Error{Kind: kind, ConnectionID: connID, Detail: detail, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("connection %d: %v", e.ConnectionID, e.Kind.sentinel())
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the Kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNone
}
