package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestPayloadRoundTrip(t *testing.T) {
	body, err := Marshal(map[uint8]any{1: "north", 2: int64(-3)})
	if err != nil {
		t.Fatalf("Marshal body: %v", err)
	}

	tests := []struct {
		name string
		p    Payload
	}{
		{
			name: "tag only",
			p:    Payload{Nonce: 0, Tag: "Ping"},
		},
		{
			name: "with body",
			p:    Payload{Nonce: 42, Tag: "Move", Body: body},
		},
		{
			name: "max nonce",
			p:    Payload{Nonce: 0xFFFFFFFF, Tag: "Chat", Body: cbor.RawMessage{0x60}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalPayload(&tt.p)
			if err != nil {
				t.Fatalf("MarshalPayload failed: %v", err)
			}

			got, err := DecodePayload(data)
			if err != nil {
				t.Fatalf("DecodePayload failed: %v", err)
			}

			if got.Nonce != tt.p.Nonce {
				t.Errorf("Nonce = %d, want %d", got.Nonce, tt.p.Nonce)
			}
			if got.Tag != tt.p.Tag {
				t.Errorf("Tag = %q, want %q", got.Tag, tt.p.Tag)
			}
			if !bytes.Equal(got.Body, tt.p.Body) {
				t.Errorf("Body = %x, want %x", got.Body, tt.p.Body)
			}
		})
	}
}

func TestPayloadDeterministic(t *testing.T) {
	p := Payload{Nonce: 7, Tag: "Ping"}

	a, err := MarshalPayload(&p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalPayload(&p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("encoding not deterministic: %x vs %x", a, b)
	}

	// {1: 7, 2: "Ping"}
	want := []byte{0xA2, 0x01, 0x07, 0x02, 0x64, 'P', 'i', 'n', 'g'}
	if !bytes.Equal(a, want) {
		t.Errorf("encoding = %x, want %x", a, want)
	}
}

func TestEncodePayloadRejectsEmptyTag(t *testing.T) {
	var buf bytes.Buffer
	err := EncodePayload(&buf, &Payload{Nonce: 1})
	if !errors.Is(err, ErrEmptyTag) {
		t.Errorf("expected ErrEmptyTag, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer written on failure: %d bytes", buf.Len())
	}
}

func TestEncodePayloadRejectsInvalidBody(t *testing.T) {
	var buf bytes.Buffer
	// 0x62 announces a 2-byte text string but only one byte follows
	err := EncodePayload(&buf, &Payload{Nonce: 1, Tag: "Chat", Body: cbor.RawMessage{0x62, 'a'}})
	if !errors.Is(err, ErrInvalidBody) {
		t.Errorf("expected ErrInvalidBody, got %v", err)
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not a map", []byte{0x01}},
		{"truncated map", []byte{0xA2, 0x01}},
		{"trailing bytes", []byte{0xA2, 0x01, 0x07, 0x02, 0x61, 'x', 0x00}},
		{"nonce overflows uint32", []byte{0xA2, 0x01, 0x1B, 0, 0, 0, 1, 0, 0, 0, 0, 0x02, 0x61, 'x'}},
		{"duplicate key", []byte{0xA3, 0x01, 0x01, 0x01, 0x02, 0x02, 0x61, 'x'}},
		{"unknown key", []byte{0xA3, 0x01, 0x01, 0x02, 0x61, 'x', 0x09, 0x00}},
		{"missing tag", []byte{0xA1, 0x01, 0x01}},
		{"indefinite length map", []byte{0xBF, 0x01, 0x01, 0x02, 0x61, 'x', 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePayload(tt.data); err == nil {
				t.Errorf("expected error for %x", tt.data)
			}
		})
	}
}

func TestBodyDecodingIsLenient(t *testing.T) {
	type v1 struct {
		X int `cbor:"1,keyasint"`
	}
	type v2 struct {
		X int `cbor:"1,keyasint"`
		Y int `cbor:"2,keyasint"`
	}

	data, err := Marshal(v2{X: 3, Y: 4})
	if err != nil {
		t.Fatal(err)
	}

	var old v1
	if err := Unmarshal(data, &old); err != nil {
		t.Fatalf("unknown body fields should be ignored: %v", err)
	}
	if old.X != 3 {
		t.Errorf("X = %d, want 3", old.X)
	}
}

func TestEqual(t *testing.T) {
	if !Equal(map[uint8]int{1: 2}, map[uint8]int{1: 2}) {
		t.Error("equal maps reported different")
	}
	if Equal(map[uint8]int{1: 2}, map[uint8]int{1: 3}) {
		t.Error("different maps reported equal")
	}
}
