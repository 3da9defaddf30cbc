package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// AuthError indicates bad or missing credentials for an exchange. It is
// terminal for the process run: the collector disables the exchange and does
// not retry it until restart.
type AuthError struct {
	Exchange string
	Err      error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Exchange, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError indicates a transient transport failure: connection problems,
// timeouts, or 5xx responses. The collector fails over to the next exchange.
type NetworkError struct {
	Exchange string
	Err      error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network failure: %v", e.Exchange, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error { return e.Err }

// EmptyResultError indicates the exchange answered but returned zero usable
// rows. It also covers batches rejected by normalization. Treated as a soft
// failure: the collector fails over to the next exchange.
type EmptyResultError struct {
	Exchange  string
	Symbol    string
	Timeframe string
}

// Error implements the error interface.
func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("%s: empty result for %s %s", e.Exchange, e.Symbol, e.Timeframe)
}

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetworkFailure reports whether err is a transient transport failure.
func IsNetworkFailure(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsEmptyResult reports whether err is an empty-result failure.
func IsEmptyResult(err error) bool {
	var ee *EmptyResultError
	return errors.As(err, &ee)
}

// ClassifyTransportError maps a raw transport error onto the failure
// taxonomy. Timeouts, cancellations, and net errors become *NetworkError;
// anything carrying an authentication signature becomes *AuthError; already
// classified errors pass through unchanged.
func ClassifyTransportError(exchangeName string, err error) error {
	if err == nil {
		return nil
	}

	var ae *AuthError
	var ne *NetworkError
	var ee *EmptyResultError
	if errors.As(err, &ae) || errors.As(err, &ne) || errors.As(err, &ee) {
		return err
	}

	if isTimeout(err) {
		return &NetworkError{Exchange: exchangeName, Err: fmt.Errorf("request timed out: %w", err)}
	}
	if isAuthenticationError(err) {
		return &AuthError{Exchange: exchangeName, Err: err}
	}

	// Everything else that reaches a fetch path is transport-shaped.
	return &NetworkError{Exchange: exchangeName, Err: err}
}

// ClassifyStatusCode maps an HTTP response status onto the failure taxonomy.
// A nil return means the status is not an error.
func ClassifyStatusCode(exchangeName string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Exchange: exchangeName, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusTooManyRequests:
		return &NetworkError{Exchange: exchangeName, Err: fmt.Errorf("rate limited: status %d", status)}
	case status >= 500:
		return &NetworkError{Exchange: exchangeName, Err: fmt.Errorf("server error: status %d", status)}
	case status >= 400:
		return &NetworkError{Exchange: exchangeName, Err: fmt.Errorf("unexpected status %d", status)}
	default:
		return nil
	}
}

// isAuthenticationError checks for common credential failure signatures.
func isAuthenticationError(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"unauthorized",
		"forbidden",
		"authentication",
		"invalid credentials",
		"invalid api key",
		"api-key",
		"signature",
	}
	for _, pattern := range patterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isTimeout reports whether err represents a timeout or cancellation.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
