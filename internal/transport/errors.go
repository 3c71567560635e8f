package transport

import (
	"context"
	"errors"
	"strings"
)

// IsAuthError reports whether the error indicates a rejected or missing
// bearer token. Auth failures must not be retried on the transport backoff
// schedule; they need re-authorization instead.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 401 || httpErr.StatusCode == 403
	}
	return containsAny(err.Error(), []string{
		"401", "Unauthorized",
		"403", "Forbidden",
		"invalid_token",
		"authentication required",
	})
}

// IsTransportMismatch reports whether the error suggests the server speaks
// the other transport. Streamable HTTP endpoints reject legacy clients (and
// vice versa) with 4xx method/path errors or a broken event stream rather
// than a handshake response.
func IsTransportMismatch(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 404, 405, 406, 400:
			return true
		}
	}
	return containsAny(err.Error(), []string{
		"404", "Not Found",
		"405", "Method Not Allowed",
		"400", "Bad Request",
		"invalid content type",
		"unexpected content type",
		"text/event-stream",
		"failed to start SSE",
		"endpoint not received",
		"session not found",
	})
}

// IsTimeout reports whether the error is a deadline expiry
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return containsAny(err.Error(), []string{
		"timeout", "timed out", "deadline exceeded",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
