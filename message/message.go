// Package message defines the values exchanged between client and server.
//
// Every frame on the wire carries a StatusCode and a JSON object payload. The
// payload shape depends on the status code:
//
//   - Request:      {"api": "<name>", "body": {...}}
//   - GoodResponse: {"body": {...}}
//   - BadResponse:  {"msg": "<error description>"}
package message

import "fmt"

// StatusCode distinguishes request, good response, and bad response frames.
type StatusCode byte

const (
	StatusRequest      StatusCode = 0 // Client → Server
	StatusGoodResponse StatusCode = 1 // Server → Client, handler succeeded
	StatusBadResponse  StatusCode = 2 // Server → Client, handler failed
)

func (s StatusCode) String() string {
	switch s {
	case StatusRequest:
		return "request"
	case StatusGoodResponse:
		return "good_response"
	case StatusBadResponse:
		return "bad_response"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// IsResponse reports whether s is one of the two response codes.
func (s StatusCode) IsResponse() bool {
	return s == StatusGoodResponse || s == StatusBadResponse
}

// Payload keys.
const (
	KeyAPI  = "api"
	KeyBody = "body"
	KeyMsg  = "msg"
)

// Body is a JSON object: the argument of a request or the result of a handler.
type Body = map[string]any

// Request is a decoded request frame.
type Request struct {
	API  string // Operation name, e.g. "echo"
	Body Body   // Never nil after decoding; absent body decodes as {}
}

// Payload returns the wire payload for r.
func (r *Request) Payload() map[string]any {
	body := r.Body
	if body == nil {
		body = Body{}
	}
	return map[string]any{
		KeyAPI:  r.API,
		KeyBody: body,
	}
}

// Response is a decoded response frame.
//
//   - Status == StatusGoodResponse: Body holds the handler result ({} if absent).
//   - Status == StatusBadResponse:  Msg holds the error description ("" if absent).
type Response struct {
	Status StatusCode
	Body   Body
	Msg    string
}

// Payload returns the wire payload for resp.
func (resp *Response) Payload() map[string]any {
	if resp.Status == StatusBadResponse {
		return map[string]any{KeyMsg: resp.Msg}
	}
	body := resp.Body
	if body == nil {
		body = Body{}
	}
	return map[string]any{KeyBody: body}
}
