package client

import (
	"github.com/pkg/errors"
)

// Errors surfaced to the shopper. Everything the client returns matches one of these with
// errors.Is, except request errors which indicate a bug in the caller.
var (
	ErrUnavailable = errors.New("some items are no longer available")
	ErrExpired     = errors.New("reservation expired")
	ErrTransport   = errors.New("network error, please retry")

	ErrNotReserved = errors.New("nothing is reserved")
)

// TransportError wraps a failure to reach the reservation service or an unexpected response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return ErrTransport.Error() + ": " + e.Err.Error()
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RequestError is a 400 from the service.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return "invalid request: " + e.Message
}

// Message is the text to show a shopper for err.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return ErrUnavailable.Error()
	case errors.Is(err, ErrExpired):
		return ErrExpired.Error()
	case errors.Is(err, ErrTransport):
		return ErrTransport.Error()
	default:
		return err.Error()
	}
}
