package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeConfig        Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeTransport     Code = 13
	CodeProtocol      Code = 14
	CodeBlocked       Code = 16
	CodeSigner        Code = 17
	CodeActionPlan    Code = 18
	CodeActionSim     Code = 19
	CodeActionTimeout Code = 20
)

// ServiceCode is the normalized error code reported by the inference service.
type ServiceCode string

const (
	ServiceGrantExpired       ServiceCode = "grant_expired"
	ServiceGrantNotFound      ServiceCode = "grant_not_found"
	ServiceInsufficientTokens ServiceCode = "insufficient_tokens"
	ServiceInvalidSignature   ServiceCode = "invalid_signature"
	ServiceRateLimited        ServiceCode = "rate_limited"
	ServiceUnknown            ServiceCode = "unknown"
)

// Stage names the step of an authenticated call that failed.
const StageGrantFetch = "grant-fetch"

// Error is a typed error that carries a stable error code. Transport failures
// additionally carry the HTTP status and the normalized service code.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Stage      string
	StatusCode int
	Service    ServiceCode
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Service != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Service)
	}
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Auth builds an authentication error for the given stage and HTTP status.
func Auth(stage string, statusCode int, message string, cause error) *Error {
	return &Error{Code: CodeAuth, Message: message, Cause: cause, Stage: stage, StatusCode: statusCode}
}

// Transport builds a non-2xx transport error carrying the service error code.
func Transport(statusCode int, service ServiceCode, message string) *Error {
	if service == "" {
		service = ServiceUnknown
	}
	return &Error{Code: CodeTransport, Message: message, StatusCode: statusCode, Service: service}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsCode reports whether err is a typed error with the given code.
func IsCode(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}
