// Package apierror maps internal errors onto the JSON error envelope the
// gateway returns from its REST endpoints. Unknown errors collapse to a
// generic internal error so upstream details never leak to clients.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/cabohealth/nova/pkg/gateway/upstream/gemini"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrUpstream       ErrorType = "upstream_error"
	ErrAPI            ErrorType = "api_error"
)

// Error is the canonical error shape carried through handler code and
// serialized to clients.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Param     string    `json:"param,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// Invalid builds a bad-request error for a named parameter.
func Invalid(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NotFound builds a not-found error.
func NotFound(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// FromError converts err into the canonical envelope error and the HTTP
// status to send with it. The request id is stamped on every outcome.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromType(out.Type)
	}

	// Missing rows read as not-found rather than a server fault.
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{
			Type:      ErrNotFound,
			Message:   "not found",
			RequestID: requestID,
		}, http.StatusNotFound
	}

	// Model collaborator failures.
	var gemErr *gemini.Error
	if errors.As(err, &gemErr) && gemErr != nil {
		if gemErr.StatusCode == http.StatusTooManyRequests {
			return &Error{
				Type:      ErrRateLimit,
				Message:   "model is receiving too many requests",
				RequestID: requestID,
			}, http.StatusTooManyRequests
		}
		return &Error{
			Type:      ErrUpstream,
			Message:   "model request failed",
			Code:      gemErr.Op,
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	// Unknown errors: treat as internal (do not leak details by default).
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// Write serializes err as the JSON envelope with the mapped status.
func Write(w http.ResponseWriter, err error, requestID string) {
	apiErr, status := FromError(err, requestID)
	if apiErr == nil {
		apiErr = &Error{Type: ErrAPI, Message: "internal error", RequestID: requestID}
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}

func statusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
