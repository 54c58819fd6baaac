// Package jsoncodec provides a JSON message codec shared by the gRPC cloud
// service and the Connect agent service. Messages are plain Go structs.
//
// Importing the package registers the codec with grpc-go; gRPC callers select
// it with grpc.CallContentSubtype(jsoncodec.Name). Connect clients and
// handlers opt in with connect.WithCodec(jsoncodec.Codec{}).
package jsoncodec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the codec name, used as the gRPC content-subtype and the Connect
// codec name.
const Name = "json"

// Codec marshals messages with encoding/json.
type Codec struct{}

func init() {
	encoding.RegisterCodec(Codec{})
}

// Name implements encoding.Codec and connect.Codec.
func (Codec) Name() string {
	return Name
}

// Marshal implements encoding.Codec and connect.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsoncodec: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec and connect.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsoncodec: unmarshal %T: %w", v, err)
	}
	return nil
}
