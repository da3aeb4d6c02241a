package nymea

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection indicates a socket or TLS failure talking to the hub
	ErrConnection = errors.New("connection error")

	// ErrNotConnected indicates an operation needed an open connection
	ErrNotConnected = errors.New("not connected")

	// ErrIncompleteMessage indicates the stream closed before a complete JSON document arrived
	ErrIncompleteMessage = errors.New("incomplete message")

	// ErrMessageTooLarge indicates the buffered message grew past the configured limit
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrHandshake indicates the hub rejected JSONRPC.Hello
	ErrHandshake = errors.New("handshake failed")

	// ErrAuthentication indicates the hub rejected JSONRPC.Authenticate
	ErrAuthentication = errors.New("authentication failed")

	// ErrQuery indicates the hub rejected a domain query
	ErrQuery = errors.New("query failed")
)

// ServerError carries the error the hub reported for a rejected request.
// Kind is one of ErrHandshake, ErrAuthentication or ErrQuery.
type ServerError struct {
	Kind    error
	Method  string
	Status  string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s returned status %q", e.Kind, e.Method, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Method, e.Message)
}

func (e *ServerError) Unwrap() error {
	return e.Kind
}

func connectionError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}

// isStreamError reports whether err left the connection unusable.
func isStreamError(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrIncompleteMessage) ||
		errors.Is(err, ErrMessageTooLarge)
}
