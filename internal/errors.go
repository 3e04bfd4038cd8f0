package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidStage     ErrorCode = "INVALID_STAGE"

	ErrCodeLedgerNotFound       ErrorCode = "LEDGER_NOT_FOUND"
	ErrCodeLedgerExists         ErrorCode = "LEDGER_EXISTS"
	ErrCodeStageNotPending      ErrorCode = "STAGE_NOT_PENDING"
	ErrCodeStageAlreadyInFlight ErrorCode = "STAGE_ALREADY_IN_FLIGHT"
	ErrCodeReferenceMismatch    ErrorCode = "REFERENCE_MISMATCH"
	ErrCodeRefundExceedsPaid    ErrorCode = "REFUND_EXCEEDS_PAID"
	ErrCodeConcurrentUpdate     ErrorCode = "CONCURRENT_UPDATE"

	ErrCodeGatewayTimeout          ErrorCode = "GATEWAY_TIMEOUT"
	ErrCodeGatewayRejected         ErrorCode = "GATEWAY_REJECTED"
	ErrCodeUnknownGatewayReference ErrorCode = "UNKNOWN_GATEWAY_REFERENCE"
	ErrCodeInvalidSignature        ErrorCode = "INVALID_SIGNATURE"

	ErrCodeContractorNotPayable ErrorCode = "CONTRACTOR_NOT_PAYABLE"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// Is matches AppErrors by code so the sentinels below work with errors.Is
// even after WithCause/WithDetails cloning.
func (e *AppError) Is(target error) bool {
	if other, ok := target.(*AppError); ok {
		return e.Code == other.Code
	}
	return false
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewExternalError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadGateway,
	}
}

var (
	ErrInvalidAmount        = NewValidationError("amount must be positive", ErrCodeInvalidAmount)
	ErrInvalidStage         = NewValidationError("unknown payment stage", ErrCodeInvalidStage)
	ErrLedgerNotFound       = NewNotFoundError("job payment not found", ErrCodeLedgerNotFound)
	ErrLedgerExists         = NewConflictError("a job payment already exists for this job", ErrCodeLedgerExists)
	ErrStageNotPending      = NewConflictError("stage is not pending", ErrCodeStageNotPending)
	ErrStageAlreadyInFlight = NewConflictError("a charge attempt for this stage is already in flight", ErrCodeStageAlreadyInFlight)
	ErrReferenceMismatch    = NewConflictError("gateway reference does not match the recorded charge", ErrCodeReferenceMismatch)
	ErrRefundExceedsPaid    = NewValidationError("refund would exceed the amount paid for this stage", ErrCodeRefundExceedsPaid)
	ErrConcurrentUpdate     = NewConflictError("job payment was modified concurrently", ErrCodeConcurrentUpdate)

	ErrGatewayTimeout   = NewExternalError("gateway did not respond in time, outcome unknown", ErrCodeGatewayTimeout)
	ErrGatewayRejected  = NewExternalError("gateway rejected the request", ErrCodeGatewayRejected)
	ErrInvalidSignature = NewUnauthorizedError("gateway event signature could not be verified", ErrCodeInvalidSignature)

	ErrContractorNotPayable = NewConflictError("contractor has no verified payout account", ErrCodeContractorNotPayable)
)

func IsAppError(err error) (*AppError, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
