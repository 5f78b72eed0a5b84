package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, transport.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("transport: bad request")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrConflict     = errors.New("transport: conflict")
	ErrGone         = errors.New("transport: resource gone")
	ErrThrottled    = errors.New("transport: throttled")
	ErrLocked       = errors.New("transport: resource locked")
	ErrRangeInvalid = errors.New("transport: range not satisfiable")
	ErrServerError  = errors.New("transport: server error")
)

// APIError is a structured rejection from the service: the request reached
// the server and the server said no. It carries the service error code and
// message from the response body plus a sentinel for errors.Is().
type APIError struct {
	StatusCode int
	Code       string // service error code, e.g. "itemNotFound"
	Message    string
	RequestID  string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// TransportError is a failure below the HTTP layer: DNS, TCP, TLS, or a
// connection dropped mid-exchange. No response was interpreted; the
// operation's effect on the server is unknown.
type TransportError struct {
	Op  string // "do", "stream"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError is a success-path failure: the status code matched an
// expectation but the body did not decode into the expected shape.
type DecodeError struct {
	StatusCode int
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: decoding HTTP %d response: %v", e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a response that breaks the API contract in a way no
// status expectation covers: a 202 without a Location header, a session
// response missing its upload URL.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "transport: protocol violation: " + e.Reason
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeInvalid
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// Retryable reports whether an error may succeed if the same request is
// sent again. The transport itself never retries; callers that own a retry
// policy (the upload fragment loop) use this to decide.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}

	var ae *APIError
	if errors.As(err, &ae) {
		return retryableStatus(ae.StatusCode)
	}

	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		// 509 Bandwidth Limit Exceeded (SharePoint).
		const statusBandwidthExceeded = 509
		return code == statusBandwidthExceeded
	}
}
