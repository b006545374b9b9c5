package client

import (
	"errors"
)

var (
	// ErrProtocol wraps every response that could not be decoded, including a
	// frame with a non-response status code.
	ErrProtocol = errors.New("protocol error")
	// ErrConnection wraps dial, write and read failures of the connection,
	// and discovery failures that leave nothing to dial.
	ErrConnection = errors.New("connection error")
)

// RemoteError is a failure reported by the server in a bad response. Its
// Error() is exactly the server-supplied message.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return e.Msg
}

// IsConnectionError reports whether err is a transport-level failure, the
// only kind worth retrying with middleware.RetryMiddleware.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}
