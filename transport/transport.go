// Package transport layers request/response semantics on top of protocol frames.
//
// The server side reads one request and writes one response per connection;
// the client side (ClientTransport) dials, writes one request, reads one
// response, and closes. Nothing here keeps a connection beyond one exchange.
package transport

import (
	"fmt"
	"io"

	"procbridge/message"
	"procbridge/protocol"
)

// WriteRequest writes a request frame {api, body}.
func WriteRequest(w io.Writer, req *message.Request, limits protocol.Limits) error {
	return protocol.EncodeWithLimits(w, message.StatusRequest, req.Payload(), limits)
}

// ReadRequest reads a request frame. Any frame that is not a request, or a
// request without a string "api", is a decode failure.
func ReadRequest(r io.Reader, limits protocol.Limits) (*message.Request, error) {
	frame, err := protocol.DecodeWithLimits(r, limits)
	if err != nil {
		return nil, err
	}
	if frame.Status != message.StatusRequest {
		return nil, fmt.Errorf("%w: expected request, got %v", protocol.ErrInvalidStatusCode, frame.Status)
	}

	rawAPI, ok := frame.Payload[message.KeyAPI]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", protocol.ErrMalformedData, message.KeyAPI)
	}
	api, ok := rawAPI.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a string", protocol.ErrMalformedData, message.KeyAPI)
	}

	body, err := bodyOf(frame.Payload)
	if err != nil {
		return nil, err
	}
	return &message.Request{API: api, Body: body}, nil
}

// WriteResponse writes a good or bad response frame.
func WriteResponse(w io.Writer, resp *message.Response, limits protocol.Limits) error {
	if !resp.Status.IsResponse() {
		return fmt.Errorf("%w: cannot write %v as a response", protocol.ErrInvalidStatusCode, resp.Status)
	}
	return protocol.EncodeWithLimits(w, resp.Status, resp.Payload(), limits)
}

// WriteGoodResponse writes {body}; a nil body is sent as {}.
func WriteGoodResponse(w io.Writer, body message.Body, limits protocol.Limits) error {
	return WriteResponse(w, &message.Response{Status: message.StatusGoodResponse, Body: body}, limits)
}

// WriteBadResponse writes {msg}.
func WriteBadResponse(w io.Writer, msg string, limits protocol.Limits) error {
	return WriteResponse(w, &message.Response{Status: message.StatusBadResponse, Msg: msg}, limits)
}

// ReadResponse reads a good or bad response frame. An absent body decodes
// as {} and an absent msg as "".
func ReadResponse(r io.Reader, limits protocol.Limits) (*message.Response, error) {
	frame, err := protocol.DecodeWithLimits(r, limits)
	if err != nil {
		return nil, err
	}

	switch frame.Status {
	case message.StatusGoodResponse:
		body, err := bodyOf(frame.Payload)
		if err != nil {
			return nil, err
		}
		return &message.Response{Status: frame.Status, Body: body}, nil
	case message.StatusBadResponse:
		msg := ""
		if raw, ok := frame.Payload[message.KeyMsg]; ok && raw != nil {
			if s, isString := raw.(string); isString {
				msg = s
			} else {
				msg = fmt.Sprint(raw)
			}
		}
		return &message.Response{Status: frame.Status, Msg: msg}, nil
	default:
		return nil, fmt.Errorf("%w: expected response, got %v", protocol.ErrInvalidStatusCode, frame.Status)
	}
}

func bodyOf(payload map[string]any) (message.Body, error) {
	raw, ok := payload[message.KeyBody]
	if !ok || raw == nil {
		return message.Body{}, nil
	}
	body, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an object", protocol.ErrMalformedData, message.KeyBody)
	}
	return body, nil
}
