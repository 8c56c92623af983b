package framed

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts messages to and from frame payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON is the default codec. It is easy to inspect but verbose.
	JSON Codec = jsonCodec{}
	// Msgpack is a compact binary codec.
	Msgpack Codec = msgpackCodec{}
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, bool) {
	switch name {
	case JSON.Name():
		return JSON, true
	case Msgpack.Name():
		return Msgpack, true
	default:
		return nil, false
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
