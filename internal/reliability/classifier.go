package reliability

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Code maps an upstream failure to a short label. statusCode is zero when the
// request never produced a response.
func Code(statusCode int, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if statusCode > 0 {
		return "http_" + strconv.Itoa(statusCode)
	}
	if err == nil {
		return "ok"
	}
	return "network"
}

// IsRetryable reports whether a resubmission could plausibly succeed.
func IsRetryable(statusCode int, err error) bool {
	switch Code(statusCode, err) {
	case "timeout", "network":
		return true
	case "canceled", "ok":
		return false
	}
	return IsRetryableHTTPStatus(statusCode)
}
