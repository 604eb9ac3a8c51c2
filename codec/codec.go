// Package codec serializes RPCMessage envelopes for the frame protocol.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a config name to a codec type. Unknown names fall back to JSON.
func ParseCodecType(name string) CodecType {
	if name == "binary" {
		return CodecTypeBinary
	}
	return CodecTypeJSON
}
