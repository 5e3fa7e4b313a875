package grpc

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// CodecName is the content-subtype the channel ABI is served with.
const CodecName = "json"

// Codec encodes ABI messages as JSON. The ABI has no generated protobuf
// types, so both ends force this codec.
type Codec struct{}

// Marshal encodes v
func (Codec) Marshal(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("abi codec: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes data into v
func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("abi codec: unmarshal %T: %w", v, err)
	}
	return nil
}

// Name returns the codec name
func (Codec) Name() string { return CodecName }
