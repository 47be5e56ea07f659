package payoutclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a gateway failure.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindRejected     ErrorKind = "rejected"
	KindUnauthorized ErrorKind = "unauthorized"
	KindUnavailable  ErrorKind = "unavailable"
)

// GatewayError is the only error type returned by Client.
type GatewayError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payout gateway %s (%s, status %d): %s", e.Kind, e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payout gateway %s (%s): %s", e.Kind, e.Op, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

// AsGatewayError unwraps err into a *GatewayError if it is one.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr, true
	}
	return nil, false
}

// errorResponse is the gateway's error envelope.
type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Reason      string `json:"reason"`
		Field       string `json:"field"`
	} `json:"error"`
}

func statusError(op string, status int, body []byte) *GatewayError {
	gerr := &GatewayError{Op: op, StatusCode: status}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Description != "" {
		gerr.Code = parsed.Error.Code
		gerr.Message = parsed.Error.Description
	} else {
		gerr.Message = strings.TrimSpace(string(body))
		if gerr.Message == "" {
			gerr.Message = http.StatusText(status)
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		gerr.Kind = KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		gerr.Kind = KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		gerr.Kind = KindUnavailable
	default:
		gerr.Kind = KindRejected
	}
	return gerr
}
