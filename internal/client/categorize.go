package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics and stored checks.
type ErrorCategory string

const (
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryUnexpectedStatus ErrorCategory = "unexpected_status"
	ErrorCategoryKeywordMissing   ErrorCategory = "keyword_missing"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx      ErrorCategory = "upstream_5xx"
	ErrorCategoryCircuitOpen      ErrorCategory = "circuit_open"
	ErrorCategoryCanceled         ErrorCategory = "canceled"
	ErrorCategoryBodyRead         ErrorCategory = "body_read"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps a probe error to a stable ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrNetwork):
		return ErrorCategoryNetwork
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, ErrUnexpectedStatus):
		return ErrorCategoryUnexpectedStatus
	case errors.Is(err, ErrKeywordMissing):
		return ErrorCategoryKeywordMissing
	}

	errStr := err.Error()
	if strings.Contains(errStr, "read response body") {
		return ErrorCategoryBodyRead
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "no such host") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	return ErrorCategoryUnknown
}
