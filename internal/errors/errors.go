package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a structured error code for the autoheal project.
// Codes follow the format E<CATEGORY>-<NUMBER>.
type ErrorCode string

const (
	// Validation / contract errors (EVAL-xxx)
	ErrValidation     ErrorCode = "EVAL-001"
	ErrInvalidInput   ErrorCode = "EVAL-002"
	ErrMissingField   ErrorCode = "EVAL-003"
	ErrNilIncident    ErrorCode = "EVAL-004"
	ErrUnknownKind    ErrorCode = "EVAL-005"

	// Executor errors (EEXE-xxx)
	ErrExecutor        ErrorCode = "EEXE-001"
	ErrCommandFailed   ErrorCode = "EEXE-002"
	ErrCommandRefused  ErrorCode = "EEXE-003"
	ErrCommandTimeout  ErrorCode = "EEXE-004"
	ErrExecutorMissing ErrorCode = "EEXE-005"

	// Diagnostic worker errors (EDIA-xxx)
	ErrDiagnostic        ErrorCode = "EDIA-001"
	ErrDiagnosticTimeout ErrorCode = "EDIA-002"
	ErrMalformedReply    ErrorCode = "EDIA-003"

	// Storage errors (ESTO-xxx)
	ErrStorage      ErrorCode = "ESTO-001"
	ErrNotFound     ErrorCode = "ESTO-002"
	ErrDuplicate    ErrorCode = "ESTO-003"
	ErrDBConnection ErrorCode = "ESTO-004"

	// Escalation / notification errors (EESC-xxx)
	ErrEscalation   ErrorCode = "EESC-001"
	ErrNotification ErrorCode = "EESC-002"

	// Intake errors (EINT-xxx)
	ErrBackpressure ErrorCode = "EINT-001"
	ErrQueueClosed  ErrorCode = "EINT-002"

	// Auth errors (EAUTH-xxx)
	ErrAuth         ErrorCode = "EAUTH-001"
	ErrInvalidToken ErrorCode = "EAUTH-002"

	// Gateway errors (EGWY-xxx)
	ErrGateway ErrorCode = "EGWY-001"

	// Configuration errors (ECFG-xxx), fatal at startup
	ErrConfig        ErrorCode = "ECFG-001"
	ErrInvalidBudget ErrorCode = "ECFG-002"
)

// HealError is the base error type with structured error codes. It carries a
// machine-readable ErrorCode, a human-readable Message, an optional wrapped
// Cause, and arbitrary key-value Details for context.
type HealError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error returns the string representation in "[CODE] message" format.
// If a Cause is present it is appended after a colon separator.
func (e *HealError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying Cause so that errors.Is / errors.As
// can walk the error chain.
func (e *HealError) Unwrap() error {
	return e.Cause
}

// WithDetails adds a key-value pair of contextual information to the
// error and returns the same pointer for convenient chaining.
func (e *HealError) WithDetails(key string, value interface{}) *HealError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new HealError with the given code and message.
func New(code ErrorCode, message string) *HealError {
	return &HealError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new HealError that wraps an existing error as its Cause.
func Wrap(code ErrorCode, message string, cause error) *HealError {
	return &HealError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is reports whether any error in err's chain carries the given ErrorCode.
// It walks the chain using errors.Unwrap so it works with arbitrarily nested
// wrapped errors.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var he *HealError
		if errors.As(err, &he) {
			if he.Code == code {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// GetCode extracts the ErrorCode from the first HealError found in err's
// chain. If none is found it returns an empty ErrorCode.
func GetCode(err error) ErrorCode {
	var he *HealError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// ToHTTPStatus maps an ErrorCode to the most appropriate HTTP status code
// for the review gateway. Unknown codes default to 500.
func ToHTTPStatus(code ErrorCode) int {
	if status, ok := codeToHTTPStatus[code]; ok {
		return status
	}

	// Fall back to the category prefix so that new codes in a known
	// category still get a reasonable default.
	prefix := string(code)
	if idx := strings.Index(prefix, "-"); idx != -1 {
		prefix = prefix[:idx]
	}
	if status, ok := prefixToHTTPStatus[prefix]; ok {
		return status
	}

	return http.StatusInternalServerError
}

var codeToHTTPStatus = map[ErrorCode]int{
	ErrValidation:   http.StatusBadRequest,
	ErrInvalidInput: http.StatusBadRequest,
	ErrMissingField: http.StatusBadRequest,
	ErrNilIncident:  http.StatusBadRequest,
	ErrUnknownKind:  http.StatusBadRequest,

	ErrExecutor:        http.StatusInternalServerError,
	ErrCommandFailed:   http.StatusInternalServerError,
	ErrCommandRefused:  http.StatusForbidden,
	ErrCommandTimeout:  http.StatusGatewayTimeout,
	ErrExecutorMissing: http.StatusServiceUnavailable,

	ErrDiagnostic:        http.StatusServiceUnavailable,
	ErrDiagnosticTimeout: http.StatusGatewayTimeout,
	ErrMalformedReply:    http.StatusInternalServerError,

	ErrStorage:      http.StatusInternalServerError,
	ErrNotFound:     http.StatusNotFound,
	ErrDuplicate:    http.StatusConflict,
	ErrDBConnection: http.StatusServiceUnavailable,

	ErrEscalation:   http.StatusConflict,
	ErrNotification: http.StatusBadGateway,

	ErrBackpressure: http.StatusTooManyRequests,
	ErrQueueClosed:  http.StatusServiceUnavailable,

	ErrAuth:         http.StatusUnauthorized,
	ErrInvalidToken: http.StatusUnauthorized,

	ErrGateway: http.StatusInternalServerError,

	ErrConfig:        http.StatusInternalServerError,
	ErrInvalidBudget: http.StatusInternalServerError,
}

var prefixToHTTPStatus = map[string]int{
	"EVAL":  http.StatusBadRequest,
	"EEXE":  http.StatusInternalServerError,
	"EDIA":  http.StatusServiceUnavailable,
	"ESTO":  http.StatusInternalServerError,
	"EESC":  http.StatusInternalServerError,
	"EINT":  http.StatusTooManyRequests,
	"EAUTH": http.StatusUnauthorized,
	"EGWY":  http.StatusInternalServerError,
	"ECFG":  http.StatusInternalServerError,
}
