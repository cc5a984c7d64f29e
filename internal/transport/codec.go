package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the grpc content-subtype this package registers its codec
// under. grpc-proxy (the teacher package this transport is grounded on)
// demonstrates that grpc's wire protocol does not require protobuf
// payloads as long as a matching encoding.Codec is registered; envelope
// is a plain Go struct, not a generated proto.Message, so the default
// protobuf codec cannot (and does not need to) touch it.
const codecName = "cluckd-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*envelope)
	if !ok {
		return nil, fmt.Errorf("transport: codec cannot marshal %T", v)
	}
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*envelope)
	if !ok {
		return fmt.Errorf("transport: codec cannot unmarshal into %T", v)
	}
	return json.Unmarshal(data, env)
}
