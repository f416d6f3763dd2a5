package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype replication calls are sent with.
const codecName = "json"

// jsonCodec carries the plain Go message types over gRPC.
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
