// Package dberror classifies database errors so callers can tell a
// transient outage apart from a broken query or bad credentials.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorType classifies database errors for appropriate handling.
type ErrorType int

const (
	// ErrorTypeUnknown is an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnectivity indicates the database is unreachable.
	ErrorTypeConnectivity
	// ErrorTypeTimeout indicates the operation timed out.
	ErrorTypeTimeout
	// ErrorTypeAuth indicates authentication/authorization failure.
	ErrorTypeAuth
	// ErrorTypeQuery indicates a query/syntax error.
	ErrorTypeQuery
)

// IsTransient returns true if the error is likely transient and worth
// retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not transient: the caller cancelled or ran out of
	// deadline.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"no such host",
	"dial tcp",
	"dial unix",
	"eof",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"i/o timeout",
	"read/write on closed",
	"client is closing",
	"server shutdown",
	"pool is closed",
	"conn busy",
	"the database system is starting up",
	"the database system is shutting down",
	"too many clients",
}

var timeoutPatterns = []string{
	"timeout",
	"deadline exceeded",
	"context deadline",
	"timed out",
}

var authPatterns = []string{
	"unauthorized",
	"authentication failed",
	"invalid credentials",
	"access denied",
	"permission denied",
	"password authentication failed",
}

var queryPatterns = []string{
	"syntax error",
	"invalid query",
	"undefined column",
	"undefined table",
	"relation does not exist",
	"column does not exist",
}

// Classify determines the type of database error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range connectivityPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeConnectivity
		}
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeTimeout
		}
	}
	for _, pattern := range authPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeAuth
		}
	}
	for _, pattern := range queryPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeQuery
		}
	}
	return ErrorTypeUnknown
}

// UserMessage returns a user-facing message based on the error type.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch Classify(err) {
	case ErrorTypeConnectivity:
		return "database temporarily unavailable, try again in a moment"
	case ErrorTypeTimeout:
		return "request timed out, try again"
	case ErrorTypeAuth:
		return "database authentication error"
	case ErrorTypeQuery:
		return "invalid query"
	default:
		return "an unexpected error occurred"
	}
}
