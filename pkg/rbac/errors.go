package rbac

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an access error
type ErrorType string

const (
	ErrorTypeAuthenticationFailure  ErrorType = "authentication_failure"
	ErrorTypeAccountLocked          ErrorType = "account_locked"
	ErrorTypeDeny                   ErrorType = "deny"
	ErrorTypeDenyOverridable        ErrorType = "deny_overridable"
	ErrorTypeConsentMissing         ErrorType = "consent_missing"
	ErrorTypeValidation             ErrorType = "validation_error"
	ErrorTypeNotFound               ErrorType = "not_found"
	ErrorTypeConcurrentModification ErrorType = "concurrent_modification"
	ErrorTypeAuditWriteFailure      ErrorType = "audit_write_failure"
	ErrorTypeRateLimited            ErrorType = "rate_limited"
	ErrorTypeInternal               ErrorType = "internal"
)

// Error codes
const (
	ErrorCodeAuthenticationFailure  = "ACCESS_AUTH_001"
	ErrorCodeAccountLocked          = "ACCESS_AUTH_002"
	ErrorCodeCredentialInvalidated  = "ACCESS_AUTH_003"
	ErrorCodeDeny                   = "ACCESS_PDP_001"
	ErrorCodeDenyOverridable        = "ACCESS_PDP_002"
	ErrorCodeConsentMissing         = "ACCESS_PDP_003"
	ErrorCodeJustificationTooShort  = "ACCESS_BG_001"
	ErrorCodeReasonTooShort         = "ACCESS_REM_001"
	ErrorCodeInvalidRequest         = "ACCESS_REQ_001"
	ErrorCodeDuplicatePrincipal     = "ACCESS_REQ_002"
	ErrorCodeWeakPassword           = "ACCESS_REQ_003"
	ErrorCodeDecisionNotFound       = "ACCESS_NF_001"
	ErrorCodePrincipalNotFound      = "ACCESS_NF_002"
	ErrorCodeResourceNotFound       = "ACCESS_NF_003"
	ErrorCodeConcurrentModification = "ACCESS_CAS_001"
	ErrorCodeAuditWriteFailure      = "ACCESS_AUDIT_001"
	ErrorCodeRateLimited            = "ACCESS_RATE_001"
	ErrorCodeInternal               = "ACCESS_SYS_001"
)

// ErrVersionConflict is returned by principal stores when a compare-and-swap loses
var ErrVersionConflict = errors.New("principal version conflict")

// ErrStoreClosed is returned once the audit writer has been shut down
var ErrStoreClosed = errors.New("audit writer closed")

var httpStatusMap = map[ErrorType]int{
	ErrorTypeAuthenticationFailure:  http.StatusUnauthorized,
	ErrorTypeAccountLocked:          http.StatusUnauthorized,
	ErrorTypeDeny:                   http.StatusForbidden,
	ErrorTypeDenyOverridable:        http.StatusForbidden,
	ErrorTypeConsentMissing:         http.StatusForbidden,
	ErrorTypeValidation:             http.StatusBadRequest,
	ErrorTypeNotFound:               http.StatusNotFound,
	ErrorTypeConcurrentModification: http.StatusConflict,
	ErrorTypeAuditWriteFailure:      http.StatusInternalServerError,
	ErrorTypeRateLimited:            http.StatusTooManyRequests,
	ErrorTypeInternal:               http.StatusInternalServerError,
}

var publicCategory = map[ErrorType]string{
	ErrorTypeAuthenticationFailure:  "unauthorized",
	ErrorTypeAccountLocked:          "unauthorized",
	ErrorTypeDeny:                   "forbidden",
	ErrorTypeDenyOverridable:        "forbidden",
	ErrorTypeConsentMissing:         "forbidden",
	ErrorTypeValidation:             "bad_request",
	ErrorTypeNotFound:               "not_found",
	ErrorTypeConcurrentModification: "conflict",
	ErrorTypeAuditWriteFailure:      "server_error",
	ErrorTypeRateLimited:            "rate_limited",
	ErrorTypeInternal:               "server_error",
}

// AccessError represents a decision-engine error with detailed context.
// Message and Cause stay internal; callers outside the service only see Category().
type AccessError struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	DecisionID string    `json:"decision_id,omitempty"`
	Field      string    `json:"field,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AccessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Type, e.Message)
}

// Unwrap returns the underlying cause of the error
func (e *AccessError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status class for the error
func (e *AccessError) HTTPStatus() int {
	if status, ok := httpStatusMap[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Category returns the generic category safe to echo to the caller
func (e *AccessError) Category() string {
	if c, ok := publicCategory[e.Type]; ok {
		return c
	}
	return "server_error"
}

// WithDecision attaches the audit decision id
func (e *AccessError) WithDecision(decisionID string) *AccessError {
	e.DecisionID = decisionID
	return e
}

// WithField names the offending input field
func (e *AccessError) WithField(field string) *AccessError {
	e.Field = field
	return e
}

// NewAccessError creates a new access error
func NewAccessError(errorType ErrorType, code, message string) *AccessError {
	return &AccessError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewAccessErrorWithCause creates a new access error with an underlying cause
func NewAccessErrorWithCause(errorType ErrorType, code, message string, cause error) *AccessError {
	return &AccessError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// AuthenticationFailure builds an authentication failure
func AuthenticationFailure(message string, cause error) *AccessError {
	return NewAccessErrorWithCause(ErrorTypeAuthenticationFailure, ErrorCodeAuthenticationFailure, message, cause)
}

// AccountLocked builds an account-locked failure
func AccountLocked(message string) *AccessError {
	return NewAccessError(ErrorTypeAccountLocked, ErrorCodeAccountLocked, message)
}

// ValidationFailure builds a validation error for a named field
func ValidationFailure(code, field, message string) *AccessError {
	return NewAccessError(ErrorTypeValidation, code, message).WithField(field)
}

// NotFound builds a not-found error
func NotFound(code, message string) *AccessError {
	return NewAccessError(ErrorTypeNotFound, code, message)
}

// ConcurrentModification builds a version-conflict error after retries are exhausted
func ConcurrentModification(principalID string, attempts int, cause error) *AccessError {
	return NewAccessErrorWithCause(
		ErrorTypeConcurrentModification,
		ErrorCodeConcurrentModification,
		fmt.Sprintf("principal %s modified concurrently; gave up after %d attempts", principalID, attempts),
		cause,
	)
}

// AuditWriteFailure builds the fail-closed audit error
func AuditWriteFailure(cause error) *AccessError {
	return NewAccessErrorWithCause(ErrorTypeAuditWriteFailure, ErrorCodeAuditWriteFailure, "audit record could not be persisted", cause)
}

// ErrorFromEvaluation maps a non-allow PDP result onto the error taxonomy
func ErrorFromEvaluation(eval *Evaluation) *AccessError {
	switch eval.Effect {
	case EffectDenyOverridable:
		return NewAccessError(ErrorTypeDenyOverridable, ErrorCodeDenyOverridable, eval.Reason)
	case EffectDeny:
		if eval.ErrorType == ErrorTypeConsentMissing {
			return NewAccessError(ErrorTypeConsentMissing, ErrorCodeConsentMissing, eval.Reason)
		}
		if eval.ErrorType == ErrorTypeAccountLocked {
			return AccountLocked(eval.Reason)
		}
		return NewAccessError(ErrorTypeDeny, ErrorCodeDeny, eval.Reason)
	}
	return nil
}

// IsAccessError checks if an error is an access error
func IsAccessError(err error) bool {
	var accessErr *AccessError
	return errors.As(err, &accessErr)
}

// GetAccessError extracts an access error from a generic error chain
func GetAccessError(err error) (*AccessError, bool) {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr, true
	}
	return nil, false
}

// IsType reports whether err is an access error of the given type
func IsType(err error, t ErrorType) bool {
	accessErr, ok := GetAccessError(err)
	return ok && accessErr.Type == t
}
