// Package cloudrpc is the cloud wire surface: a hand-registered
// google.golang.org/grpc service carrying plain JSON-encoded Go structs
// instead of protoc-generated stubs, since this module cannot invoke protoc.
// grpc itself still supplies real transport: framing, multiplexing, TLS,
// and status codes.
package cloudrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec for grpc, replacing the generated
// protobuf codec with plain JSON marshaling of the request/response structs
// declared in this package.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
