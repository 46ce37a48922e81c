// Package simrpc carries the gRPC contract between a simulator engine and
// its session core: heartbeats, order and conviction submission, and the
// per-minute exchange data stream. Messages travel as msgpack; the codec is
// registered under the "msgpack" content subtype.
package simrpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype for msgpack-encoded messages
const CodecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec implements grpc encoding.Codec over vmihailenco/msgpack
type msgpackCodec struct{}

// Marshal encodes v as msgpack
func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes msgpack data into v
func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal: %w", err)
	}
	return nil
}

// Name returns the codec's registered name
func (msgpackCodec) Name() string {
	return CodecName
}
