package codec

import (
	"gopkg.in/yaml.v3"
)

// YAMLCodec renders bodies for terminals and reads YAML documents into maps.
type YAMLCodec struct{}

func (c *YAMLCodec) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (c *YAMLCodec) Decode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

func (c *YAMLCodec) Type() CodecType {
	return CodecTypeYAML
}
