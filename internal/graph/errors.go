// Package graph provides an HTTP client for the Microsoft Graph drive API:
// the authenticated request envelope, error classification, the
// client-credentials token provider, and thin endpoint methods.
package graph

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, graph.ErrNotFound) to check.
var (
	ErrBadRequest          = errors.New("graph: bad request")
	ErrUnauthorized        = errors.New("graph: unauthorized")
	ErrForbidden           = errors.New("graph: forbidden")
	ErrNotFound            = errors.New("graph: not found")
	ErrConflict            = errors.New("graph: conflict")
	ErrGone                = errors.New("graph: resource gone")
	ErrRangeNotSatisfiable = errors.New("graph: range not satisfiable")
	ErrThrottled           = errors.New("graph: throttled")
	ErrLocked              = errors.New("graph: resource locked")
	ErrServerError         = errors.New("graph: server error")
	ErrUnexpectedStatus    = errors.New("graph: unexpected status")
)

// Non-HTTP failure classes.
var (
	ErrAuth            = errors.New("graph: authentication failed")
	ErrDecode          = errors.New("graph: response decode failed")
	ErrInvalidArgument = errors.New("graph: invalid argument")
)

// APIErrorBody is the structured error payload Graph returns on failure.
type APIErrorBody struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	InnerError *APIInnerError `json:"innerError,omitempty"`
	Details    []APIErrorBody `json:"details,omitempty"`
}

// APIInnerError carries the service-side correlation ids.
type APIInnerError struct {
	Code            string `json:"code,omitempty"`
	RequestID       string `json:"request-id,omitempty"`
	ClientRequestID string `json:"client-request-id,omitempty"`
	Date            string `json:"date,omitempty"`
}

type apiErrorEnvelope struct {
	Error *APIErrorBody `json:"error"`
}

// HTTPError is returned for every non-2xx response. Structured is set when
// the body parsed as a Graph error payload; Body always holds the raw text.
type HTTPError struct {
	StatusCode int
	RequestID  string
	Structured *APIErrorBody
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *HTTPError) Error() string {
	msg := e.Body
	if e.Structured != nil {
		msg = e.Structured.Code + ": " + e.Structured.Message
	}

	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Code returns the Graph error code, or "" when the body was unstructured.
func (e *HTTPError) Code() string {
	if e.Structured == nil {
		return ""
	}

	return e.Structured.Code
}

// AuthError reports a failed credential exchange.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("graph: token acquisition failed: %v", e.Err)
}

// Unwrap exposes both ErrAuth and the underlying cause.
func (e *AuthError) Unwrap() []error {
	return []error{ErrAuth, e.Err}
}

// DecodeError reports a 2xx body that did not match the expected model.
type DecodeError struct {
	StatusCode int
	Target     string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("graph: decoding HTTP %d response into %s: %v", e.StatusCode, e.Target, e.Err)
}

// Unwrap exposes both ErrDecode and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
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
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		return ErrUnexpectedStatus
	}
}

// IsRetryable reports whether err is an HTTP failure a caller may retry.
// The client itself never retries.
func IsRetryable(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}

	switch he.StatusCode {
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
		return he.StatusCode == statusBandwidthExceeded
	}
}
