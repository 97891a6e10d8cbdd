package grpc

import (
	"fmt"

	"github.com/maxpert/burrow/encoding"
	grpcenc "google.golang.org/grpc/encoding"
)

// codecName is the content-subtype peers negotiate ("application/grpc+msgpack")
const codecName = "msgpack"

// msgpackCodec carries the plain Go message structs of this package
type msgpackCodec struct{}

func init() {
	grpcenc.RegisterCodec(msgpackCodec{})
}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := encoding.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal %T: %w", v, err)
	}
	return b, nil
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if err := encoding.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal %T: %w", v, err)
	}
	return nil
}

func (msgpackCodec) Name() string {
	return codecName
}
