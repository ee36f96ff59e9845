package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider API failures for retry and fallback
// decisions.
type ErrorKind int

const (
	ErrRetryable  ErrorKind = iota // transient 5xx
	ErrRateLimit                   // 429
	ErrOverloaded                  // 529 or "overloaded" in body
	ErrTimeout                     // request timeout / deadline exceeded
	ErrAuth                        // 401, 403
	ErrBilling                     // 402 or billing-related in body
	ErrContext                     // context length exceeded
	ErrBadRequest                  // 400
	ErrFatal                       // everything else
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRetryable:
		return "retryable"
	case ErrRateLimit:
		return "rate_limit"
	case ErrOverloaded:
		return "overloaded"
	case ErrTimeout:
		return "timeout"
	case ErrAuth:
		return "auth"
	case ErrBilling:
		return "billing"
	case ErrContext:
		return "context"
	case ErrBadRequest:
		return "bad_request"
	case ErrFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same provider is worth retrying.
func (k ErrorKind) Retryable() bool {
	return k == ErrRetryable || k == ErrRateLimit || k == ErrOverloaded || k == ErrTimeout
}

// apiError carries the HTTP status and response body of a failed call.
type apiError struct {
	statusCode int
	body       string
	provider   string
	model      string
}

func (e *apiError) Error() string {
	if e.statusCode == 401 || e.statusCode == 402 || e.statusCode == 403 {
		prefix := e.provider
		if e.model != "" {
			prefix += " (" + e.model + ")"
		}
		if prefix != "" {
			prefix += ": "
		}
		return fmt.Sprintf("%sAPI returned %d: %s", prefix, e.statusCode, truncate(e.body, 200))
	}
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// classifyStatus determines the error kind from an HTTP status code and
// response body.
func classifyStatus(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return ErrContext
	}
	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return ErrBilling
	}
	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return ErrRateLimit
	}
	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return ErrOverloaded
	}
	if strings.Contains(bodyLower, "timeout") || strings.Contains(bodyLower, "timed out") {
		return ErrTimeout
	}

	switch statusCode {
	case 400:
		return ErrBadRequest
	case 401, 403:
		return ErrAuth
	default:
		if statusCode >= 500 {
			return ErrRetryable
		}
		return ErrFatal
	}
}

// classifyAPIError maps any provider error to an ErrorKind.
func classifyAPIError(err error) ErrorKind {
	var ae *apiError
	if errors.As(err, &ae) {
		return classifyStatus(ae.statusCode, ae.body)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrFatal
	}
	return ErrRetryable
}

// truncate caps s at max runes, appending an ellipsis marker when cut.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
