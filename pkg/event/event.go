// Package event defines the contract between the packet layer and the
// application event model.
//
// The packet layer treats events as opaque: it carries the tag and the
// encoded body, and on receipt stamps locality and origin metadata. What a
// tag means and how its body is shaped belong to the application.
package event

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/opticfluorine/sovereign-net/pkg/wire"
)

// ErrEmptyTag indicates an event without a tag.
var ErrEmptyTag = errors.New("event tag is required")

// Event is an application event as seen by the packet layer.
type Event struct {
	// Tag identifies the event type, e.g. "Ping".
	Tag string

	// Body is the CBOR-encoded event content. Nil for tag-only events.
	Body []byte

	// Local is true for events raised on this side of the connection and
	// false for events recovered from a packet.
	Local bool

	// Origin is the connection id the event arrived on. Only meaningful
	// when Local is false.
	Origin uint64
}

// New creates a local event with body encoded as CBOR.
// A nil body produces a tag-only event.
func New(tag string, body any) (*Event, error) {
	if tag == "" {
		return nil, ErrEmptyTag
	}
	ev := &Event{Tag: tag, Local: true}
	if body == nil {
		return ev, nil
	}
	data, err := wire.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", tag, err)
	}
	ev.Body = data
	return ev, nil
}

// Must is like New but panics on error. Intended for tests and constants.
func Must(tag string, body any) *Event {
	ev, err := New(tag, body)
	if err != nil {
		panic(err)
	}
	return ev
}

// Remote creates an event recovered from connection origin.
func Remote(tag string, body []byte, origin uint64) *Event {
	return &Event{Tag: tag, Body: body, Origin: origin}
}

// DecodeBody decodes the event body into v.
func (e *Event) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("event %s has no body", e.Tag)
	}
	if err := wire.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Tag, err)
	}
	return nil
}

// SameContent reports whether e and other carry the same tag and body,
// ignoring locality and origin.
func (e *Event) SameContent(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Tag == other.Tag && bytes.Equal(e.Body, other.Body)
}

// String returns a short description without body contents.
func (e *Event) String() string {
	if e.Local {
		return fmt.Sprintf("%s(local, %d bytes)", e.Tag, len(e.Body))
	}
	return fmt.Sprintf("%s(from %d, %d bytes)", e.Tag, e.Origin, len(e.Body))
}
