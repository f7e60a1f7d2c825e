// Package codec is the CBOR encoding shared by the guest ABI and the gRPC
// transport.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Name is the gRPC content-subtype under which Codec registers.
const Name = "cbor"

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode ignores unknown fields so older guests accept newer payloads.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation for data. Used by
// psh-run to print raw guest payloads.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// Codec adapts the package to google.golang.org/grpc/encoding.Codec.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
func (Codec) Name() string                       { return Name }
