package indexer

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrInvalidRequest marks fetch arguments rejected before any request is sent.
var ErrInvalidRequest = errors.New("invalid request")

// ErrAlreadyConnected is returned by Connect while a connection is active.
var ErrAlreadyConnected = errors.New("stream already connected")

// FetchError is returned by the REST client. Status is set for non-2xx
// responses, Err for transport or decoding failures.
type FetchError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0:
		if e.Message != "" {
			return fmt.Sprintf("indexer: %s: http %d %s: %s", e.Op, e.Status, http.StatusText(e.Status), e.Message)
		}
		return fmt.Sprintf("indexer: %s: http %d %s", e.Op, e.Status, http.StatusText(e.Status))
	case e.Message != "":
		return fmt.Sprintf("indexer: %s: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("indexer: %s: %v", e.Op, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConnectionError reports a WebSocket handshake that did not complete.
type ConnectionError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("indexer: connect %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError reports an inbound frame or payload that could not be decoded.
type ParseError struct {
	Raw string
	Err error
}

const maxRawInError = 256

func newParseError(raw []byte, err error) *ParseError {
	s := string(raw)
	if len(s) > maxRawInError {
		s = s[:maxRawInError] + "..."
	}
	return &ParseError{Raw: s, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("indexer: parse %q: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConfigError reports construction parameters that cannot be used.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("indexer: invalid %s: %s", e.Field, e.Reason)
}
