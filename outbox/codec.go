package outbox

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for message content.
type Codec interface {
	// Encode serializes a content value to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes into a content value.
	Decode(data []byte, v any) error

	// Name returns the codec identifier (e.g. "json", "msgpack").
	Name() string
}

// CodecName constants.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// JSONCodec encodes message content as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (c *JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes message content as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (c *MsgpackCodec) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
