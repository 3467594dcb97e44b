package lwire

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Encoding serializes and deserializes document payloads.
//
// The framing layer treats payloads as opaque bytes;
// an Encoding only matters to code that produces or consumes them,
// and is selected per connection.
type Encoding interface {
	// Name identifies the encoding, for logging and
	// for the no-op check in SetEncoding-style operations.
	Name() string

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the structured-text encoding, backed by encoding/json.
var JSON Encoding = jsonEncoding{}

// CBOR is the compact binary encoding.
var CBOR Encoding = cborEncoding{}

type jsonEncoding struct{}

func (jsonEncoding) Name() string { return "json" }

func (jsonEncoding) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonEncoding) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type cborEncoding struct{}

func (cborEncoding) Name() string { return "cbor" }

func (cborEncoding) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborEncoding) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
