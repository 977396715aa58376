package sfu

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec so a plain grpc.ClientConn can
// carry the request/response types in this package without protoc-generated proto.Message
// implementations. grpc-go looks codecs up by name through grpc.CallContentSubtype, the same
// extension point grpc-gateway and other non-protobuf grpc clients use.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
