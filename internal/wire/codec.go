// ABOUTME: JSON and CBOR codecs for wire events
// ABOUTME: CBOR uses core deterministic encoding so equal events encode to equal bytes

package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Encoding selects the serialization used toward one observer.
type Encoding string

// Supported encodings.
const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		// Payload maps decode as map[string]any, matching encoding/json.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseEncoding maps a query value to an Encoding. Empty means JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(EncodingJSON):
		return EncodingJSON, nil
	case string(EncodingCBOR):
		return EncodingCBOR, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", s)
	}
}

// Binary reports whether frames in this encoding are binary.
func (e Encoding) Binary() bool {
	return e == EncodingCBOR
}

// Marshal encodes v.
func (e Encoding) Marshal(v any) ([]byte, error) {
	switch e {
	case EncodingCBOR:
		return cborEnc.Marshal(v)
	default:
		return json.Marshal(v)
	}
}

// Unmarshal decodes data into v.
func (e Encoding) Unmarshal(data []byte, v any) error {
	switch e {
	case EncodingCBOR:
		return cborDec.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}

// DecodeInbound parses an observer frame and requires a type discriminator.
func DecodeInbound(enc Encoding, data []byte) (*Inbound, error) {
	var in Inbound
	if err := enc.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decoding inbound frame: %w", err)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("inbound frame has no type")
	}
	return &in, nil
}
