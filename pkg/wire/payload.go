package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR map keys for payload encoding.
const (
	KeyNonce = 1
	KeyTag   = 2
	KeyBody  = 3
)

// Payload errors.
var (
	// ErrEmptyTag indicates a payload without an event tag.
	ErrEmptyTag = errors.New("event tag is empty")

	// ErrInvalidBody indicates a body that is not a single well-formed CBOR item.
	ErrInvalidBody = errors.New("event body is not well-formed CBOR")
)

// Payload is the logical (nonce, event) tuple authenticated by a packet.
//
// CBOR encoding:
//
//	{
//	  1: nonce,   // uint32
//	  2: tag,     // text
//	  3: body     // any CBOR item (optional)
//	}
type Payload struct {
	Nonce uint32          `cbor:"1,keyasint"`
	Tag   string          `cbor:"2,keyasint"`
	Body  cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Validate checks that the payload carries an event.
func (p *Payload) Validate() error {
	if p.Tag == "" {
		return ErrEmptyTag
	}
	if len(p.Body) > 0 && !Valid(p.Body) {
		return ErrInvalidBody
	}
	return nil
}

// EncodePayload appends the CBOR encoding of p to buf.
func EncodePayload(buf *bytes.Buffer, p *Payload) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := NewEncoder(buf).Encode(p); err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return nil
}

// MarshalPayload encodes p to a new byte slice.
func MarshalPayload(p *Payload) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodePayload(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload decodes payload bytes. The returned Body does not alias data.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := payloadDecMode.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, fmt.Errorf("invalid payload: %w", err)
	}
	return p, nil
}
