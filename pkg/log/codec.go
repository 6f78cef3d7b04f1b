package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Capture files keep RFC 3339 timestamps so the packetlog tool and other
// CBOR readers agree on event times without a custom tag.
var (
	eventEncMode cbor.EncMode
	eventDecMode cbor.DecMode
)

func init() {
	var err error

	eventEncMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCoreDeterministic,
	}.EncMode()
	if err != nil {
		panic("log: failed to create CBOR encoder: " + err.Error())
	}

	eventDecMode, err = cbor.DecOptions{
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("log: failed to create CBOR decoder: " + err.Error())
	}
}

// EncodeEvent encodes a single event.
func EncodeEvent(e Event) ([]byte, error) {
	return eventEncMode.Marshal(e)
}

// DecodeEvent decodes a single event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := eventDecMode.Unmarshal(data, &e)
	return e, err
}

// NewEncoder returns a streaming encoder for capture files.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return eventEncMode.NewEncoder(w)
}

// NewDecoder returns a streaming decoder for capture files.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return eventDecMode.NewDecoder(r)
}
