// Package codec serializes payload values to and from text.
//
// The wire protocol always carries JSON; YAML exists for rendering bodies to
// humans (pbclient -o yaml) and is never written to a connection.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeYAML CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeYAML:
		return "yaml"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeYAML {
		return &YAMLCodec{}
	}

	return &JSONCodec{}
}

// ParseCodecType maps a user-facing name ("json", "yaml", "yml") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "yaml", "yml":
		return CodecTypeYAML, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}
