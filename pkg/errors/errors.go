package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is a numeric exception code. Values below 1000 mirror the
// HTTP-like status the server returns for the equivalent rejection, so a
// locally rejected request is indistinguishable from a server rejection.
type ErrorCode int

const (
	ErrCodeBadRequest    ErrorCode = 400
	ErrCodeForbidden     ErrorCode = 403
	ErrCodeNotFound      ErrorCode = 404
	ErrCodeConflict      ErrorCode = 409
	ErrCodeTooLarge      ErrorCode = 413
	ErrCodeInternal      ErrorCode = 500
	ErrCodeAuthFailed    ErrorCode = 1004
	ErrCodeInvalidSessID ErrorCode = 1005
	ErrCodeConnectFailed ErrorCode = 1006
	ErrCodeConnectReject ErrorCode = 1007
	ErrCodeConnTimeout   ErrorCode = 1008
	ErrCodeNotConnected  ErrorCode = 1010
	ErrCodeInvalidParam  ErrorCode = 1011
	ErrCodeP2PFailed     ErrorCode = 1013
	ErrCodeAPIResponse   ErrorCode = 1014
	ErrCodeTermsOfSvc    ErrorCode = 1026
	ErrCodePublish       ErrorCode = 1500
	ErrCodeForceDisconn  ErrorCode = 1520
	ErrCodeForceUnpub    ErrorCode = 1530
	ErrCodeSubscribe     ErrorCode = 1600
	ErrCodeUnexpected    ErrorCode = 2000
	ErrCodeKeepAlive     ErrorCode = 4001
)

var codeNames = map[ErrorCode]string{
	ErrCodeBadRequest:    "BAD_REQUEST",
	ErrCodeForbidden:     "FORBIDDEN",
	ErrCodeNotFound:      "NOT_FOUND",
	ErrCodeConflict:      "CONFLICT",
	ErrCodeTooLarge:      "TOO_LARGE",
	ErrCodeInternal:      "INTERNAL_ERROR",
	ErrCodeAuthFailed:    "AUTHENTICATION_ERROR",
	ErrCodeInvalidSessID: "INVALID_SESSION_ID",
	ErrCodeConnectFailed: "CONNECT_FAILED",
	ErrCodeConnectReject: "CONNECT_REJECTED",
	ErrCodeConnTimeout:   "CONNECTION_TIMEOUT",
	ErrCodeNotConnected:  "NOT_CONNECTED",
	ErrCodeInvalidParam:  "INVALID_PARAMETER",
	ErrCodeP2PFailed:     "P2P_CONNECTION_FAILED",
	ErrCodeAPIResponse:   "API_RESPONSE_FAILURE",
	ErrCodeTermsOfSvc:    "TERMS_OF_SERVICE_FAILURE",
	ErrCodePublish:       "UNABLE_TO_PUBLISH",
	ErrCodeForceDisconn:  "UNABLE_TO_FORCE_DISCONNECT",
	ErrCodeForceUnpub:    "UNABLE_TO_FORCE_UNPUBLISH",
	ErrCodeSubscribe:     "UNABLE_TO_SUBSCRIBE",
	ErrCodeUnexpected:    "UNEXPECTED_SERVER_RESPONSE",
	ErrCodeKeepAlive:     "CONNECTIVITY_TIMEOUT",
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%d %s: %s (caused by: %v)", int(e.Code), e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%d %s: %s", int(e.Code), e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code, so errors.Is(err, New(code, "")) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new application error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Newf is New with a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an application error
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors
func NewNotConnectedError(operation string) *AppError {
	return Newf(ErrCodeNotConnected, "%s: the client is not connected to the session", operation)
}

func NewInvalidParameterError(message string) *AppError {
	return New(ErrCodeInvalidParam, message)
}

func NewUnexpectedResponseError(message string) *AppError {
	return New(ErrCodeUnexpected, message)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or 0.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return 0
}
