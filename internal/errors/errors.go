package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Base error values usable with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrProvider           = errors.New("billing provider error")
	ErrStore              = errors.New("entitlement store error")
)

// Kind represents the category of a billing error.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindPrecondition Kind = "precondition"
	KindSignature    Kind = "signature"
	KindStore        Kind = "store"
	KindInternal     Kind = "internal"
)

// Error is a structured error for billing operations.
type Error struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "start_checkout", "issue_portal_link")
	Message   string // Human-readable message safe to show to a caller
	Err       error  // Underlying error
	Retryable bool
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrPreconditionFailed:
		return e.Kind == KindPrecondition
	case ErrInvalidSignature:
		return e.Kind == KindSignature
	case ErrStore:
		return e.Kind == KindStore
	}
	return false
}

// Validation reports missing or malformed caller input.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown tenant, plan or subscription.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// PreconditionFailed reports a billing operation attempted without the state it needs.
func PreconditionFailed(op, format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Signature wraps a webhook signature verification failure. The message never
// contains the signing secret.
func Signature(op string, err error) error {
	return &Error{Kind: KindSignature, Op: op, Message: "invalid signature", Err: err}
}

// Store wraps a local persistence failure. Store failures are retryable: the
// webhook path turns them into a 500 so the provider redelivers.
func Store(op string, err error) error {
	return &Error{Kind: KindStore, Op: op, Err: err, Retryable: true}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err, Retryable: true}
}

// ProviderError is a failure reported by the remote billing provider.
type ProviderError struct {
	Op         string
	StatusCode int    // HTTP status returned by the provider, 0 for transport failures
	Code       string // provider error code, e.g. "resource_missing"
	Message    string
	RequestID  string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": billing provider")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// Retryable reports whether the provider failure is worth retrying by the caller.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Helper functions

// KindOf returns the category of err, or KindInternal for unknown errors.
func KindOf(err error) Kind {
	var billingErr *Error
	if errors.As(err, &billingErr) {
		return billingErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries a billing error of the given kind.
func IsKind(err error, kind Kind) bool {
	var billingErr *Error
	return errors.As(err, &billingErr) && billingErr.Kind == kind
}

// HTTPStatus maps an error to the status code returned by the billing endpoints.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return http.StatusInternalServerError
	}
	switch KindOf(err) {
	case KindValidation, KindPrecondition, KindSignature:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a single human-readable message for end users. Provider
// and internal detail is not echoed back.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return "The billing provider could not complete the request. Please try again."
	}
	var billingErr *Error
	if errors.As(err, &billingErr) {
		switch billingErr.Kind {
		case KindValidation, KindNotFound, KindPrecondition, KindSignature:
			if billingErr.Message != "" {
				return billingErr.Message
			}
		}
	}
	return "internal error"
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable()
	}
	var billingErr *Error
	if errors.As(err, &billingErr) {
		return billingErr.Retryable
	}
	return false
}

// Code returns a short machine-readable error code for API responses.
func Code(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return "provider_error"
	}
	return string(KindOf(err))
}
