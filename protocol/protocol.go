// Package protocol implements the binary frame format of procbridge.
//
// Each connection carries exactly one request frame followed by one response
// frame. A frame is a fixed 11-byte header followed by a UTF-8 JSON object.
// All integers are little-endian.
//
// Frame format:
//
//	0    2    4  5    7           11
//	┌────┬────┬──┬────┬───────────┬──────────────────┐
//	│flag│ver │sc│rsv │  length   │  JSON payload... │
//	│ pb │1 0 │  │0 0 │  uint32   │  length bytes    │
//	└────┴────┴──┴────┴───────────┴──────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"procbridge/codec"
	"procbridge/message"
)

// Magic flag "pb" and protocol version 1.0.
const (
	MagicByte1   byte = 'p'
	MagicByte2   byte = 'b'
	VersionMajor byte = 0x01
	VersionMinor byte = 0x00
	HeaderSize   int  = 11 // 2 (flag) + 2 (version) + 1 (status) + 2 (reserved) + 4 (length)
)

// DefaultMaxPayloadBytes bounds the allocation a single length field can cause.
const DefaultMaxPayloadBytes uint32 = 16 * 1024 * 1024

var (
	// ErrMalformedData covers a bad flag, any truncated field, an oversize
	// length, and a payload that is not a UTF-8 JSON object.
	ErrMalformedData = errors.New("malformed data")
	// ErrIncompatibleVersion is returned when the version bytes are not 1.0.
	ErrIncompatibleVersion = errors.New("incompatible version")
	// ErrInvalidStatusCode is returned by callers that expected a different
	// kind of frame (server expects a request, client expects a response).
	ErrInvalidStatusCode = errors.New("invalid status code")
	// ErrPayloadTooLarge is wrapped together with ErrMalformedData on decode.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Limits constrains frame memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayloadBytes}
}

func (l Limits) maxPayload() uint32 {
	if l.MaxPayloadBytes == 0 {
		return DefaultMaxPayloadBytes
	}
	return l.MaxPayloadBytes
}

// Frame is one decoded protocol message.
type Frame struct {
	Status  message.StatusCode
	Payload map[string]any
}

var jsonCodec = codec.GetCodec(codec.CodecTypeJSON)

// Encode serializes payload to JSON and writes one complete frame to w.
// The caller must not share w between goroutines while a frame is being written.
func Encode(w io.Writer, status message.StatusCode, payload map[string]any) error {
	return EncodeWithLimits(w, status, payload, DefaultLimits())
}

// EncodeWithLimits is Encode with an explicit payload size bound.
func EncodeWithLimits(w io.Writer, status message.StatusCode, payload map[string]any, limits Limits) error {
	buf, err := Marshal(status, payload, limits)
	if err != nil {
		return err
	}
	// One write per frame: a short write is always reported as an error by io.Writer.
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// Marshal returns the complete frame (header + JSON payload) without writing it.
// A nil payload is sent as {}.
func Marshal(status message.StatusCode, payload map[string]any, limits Limits) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	text, err := jsonCodec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if uint64(len(text)) > uint64(limits.maxPayload()) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPayloadTooLarge, len(text), limits.maxPayload())
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(text))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = VersionMajor
	buf[3] = VersionMinor
	buf[4] = byte(status)
	// buf[5:7] reserved, left zero
	binary.LittleEndian.PutUint32(buf[7:11], uint32(len(text)))
	return append(buf, text...), nil
}

// Decode reads one complete frame from r using the default limits.
func Decode(r io.Reader) (*Frame, error) {
	return DecodeWithLimits(r, DefaultLimits())
}

// DecodeWithLimits reads one complete frame from r.
//
// Fields are read in wire order so the first failing field decides the error:
// a peer that sends "HTTP/1.1" fails on the flag, a peer that speaks version 2
// fails on the version even if the rest of its header is short.
//
// End of stream inside any field is reported as ErrMalformedData. Other read
// errors (reset, deadline) are returned unchanged.
func DecodeWithLimits(r io.Reader, limits Limits) (*Frame, error) {
	// 1. flag
	flag, err := readField(r, 2, "flag")
	if err != nil {
		return nil, err
	}
	if flag[0] != MagicByte1 || flag[1] != MagicByte2 {
		return nil, fmt.Errorf("%w: invalid flag %x", ErrMalformedData, flag)
	}

	// 2. version
	ver, err := readField(r, 2, "version")
	if err != nil {
		if errors.Is(err, ErrMalformedData) {
			return nil, fmt.Errorf("%w: %w", ErrIncompatibleVersion, err)
		}
		return nil, err
	}
	if ver[0] != VersionMajor || ver[1] != VersionMinor {
		return nil, fmt.Errorf("%w: %d.%d", ErrIncompatibleVersion, ver[0], ver[1])
	}

	// 3. status code, 4. reserved, 5. length
	rest, err := readField(r, 1+2+4, "header")
	if err != nil {
		return nil, err
	}
	status := message.StatusCode(rest[0])
	length := binary.LittleEndian.Uint32(rest[3:7])
	if length > limits.maxPayload() {
		return nil, fmt.Errorf("%w: %w: %d bytes exceeds limit %d", ErrMalformedData, ErrPayloadTooLarge, length, limits.maxPayload())
	}

	// 6. payload
	text, err := readField(r, int(length), "payload")
	if err != nil {
		return nil, err
	}

	// 7. JSON object
	if !utf8.Valid(text) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedData)
	}
	var payload map[string]any
	if err := jsonCodec.Decode(text, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedData, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedData)
	}

	return &Frame{Status: status, Payload: payload}, nil
}

// readField reads exactly n bytes. io.ReadFull keeps reading until n bytes
// arrived or the stream ended; a stream that ended early is a truncated frame.
func readField(r io.Reader, n int, name string) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err == nil {
		return buf, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: short %s (%d of %d bytes)", ErrMalformedData, name, got, n)
	}
	return nil, err
}

// IsDecodeError reports whether err came from a frame that could not be
// decoded, as opposed to an I/O failure of the underlying stream.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformedData) ||
		errors.Is(err, ErrIncompatibleVersion) ||
		errors.Is(err, ErrInvalidStatusCode)
}
