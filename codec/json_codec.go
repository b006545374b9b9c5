package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// JSONCodec is the wire codec: payloads travel as UTF-8 JSON text.
//
// Decode keeps numbers as json.Number so integers beyond 2^53 survive a
// decode/encode round trip unchanged.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// One value per document, like json.Unmarshal.
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid character after top-level value")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
