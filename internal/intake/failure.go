package intake

import (
	"fmt"
	"time"
)

// FailureCode is the machine-readable outcome code surfaced to callers.
type FailureCode string

const (
	// CodeRateLimited: too many submissions; carries a retry-after.
	CodeRateLimited FailureCode = "RATE_LIMITED"
	// CodeValidation: malformed or tampered input; user-correctable,
	// never retried automatically.
	CodeValidation FailureCode = "VALIDATION_ERROR"
	// CodeOutOfStock: the reservation could not be satisfied; surfaced
	// so the user can adjust quantities, never auto-retried.
	CodeOutOfStock FailureCode = "OUT_OF_STOCK"
	// CodeReferralRejected: an explicitly submitted code failed
	// validation; the reason is surfaced verbatim.
	CodeReferralRejected FailureCode = "REFERRAL_REJECTED"
	// CodeUnknown: unexpected internal failure; logged with context,
	// the caller sees a generic retry-safe message.
	CodeUnknown FailureCode = "UNKNOWN"
)

// Failure is a typed intake outcome. Expected failures (everything except
// CodeUnknown) are returned directly with a user-facing message.
type Failure struct {
	Code    FailureCode
	Message string
	// RetryAfter is set for CodeRateLimited only.
	RetryAfter time.Duration

	cause error
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return string(f.Code)
}

func (f *Failure) Unwrap() error {
	return f.cause
}

func failValidation(msg string) *Failure {
	return &Failure{Code: CodeValidation, Message: msg}
}

func failUnknown(cause error) *Failure {
	return &Failure{
		Code:    CodeUnknown,
		Message: "something went wrong, please try again",
		cause:   cause,
	}
}
