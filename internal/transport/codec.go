// ABOUTME: Wire codecs for native channel frames: newline-delimited JSON and CBOR.
// ABOUTME: Each codec encodes one self-delimiting frame and decodes a stream of them.

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec names accepted in configuration.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// ErrUnknownCodec is returned for an unrecognised codec name.
var ErrUnknownCodec = errors.New("unknown codec")

// Decoder reads successive values from a stream.
type Decoder interface {
	Decode(v any) error
}

// Codec encodes and decodes native channel frames.
type Codec interface {
	// Name is the configuration name of the codec.
	Name() string
	// Encode renders v as one self-delimiting frame.
	Encode(v any) ([]byte, error)
	// Decode parses a single frame.
	Decode(data []byte, v any) error
	// NewDecoder reads frames from a byte stream.
	NewDecoder(r io.Reader) Decoder
	// Binary reports whether frames must travel as binary websocket messages.
	Binary() bool
	// Recoverable reports whether a decode error left the stream usable, so the
	// reader may skip the bad frame and continue.
	Recoverable(err error) bool
}

// CodecByName returns the codec registered under name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecCBOR:
		return cborCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (jsonCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Recoverable(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}

// cborEnc and cborDec mirror the deterministic settings used for every other
// CBOR producer we talk to; decoded any-typed maps are map[string]any.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return CodecCBOR }

func (cborCodec) Encode(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (cborCodec) Decode(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

func (cborCodec) NewDecoder(r io.Reader) Decoder {
	return cborDec.NewDecoder(r)
}

func (cborCodec) Binary() bool { return true }

func (cborCodec) Recoverable(err error) bool {
	var typeErr *cbor.UnmarshalTypeError
	return errors.As(err, &typeErr)
}
