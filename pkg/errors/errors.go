package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

type ErrorCode string

const (
	// System errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrRedis         ErrorCode = "REDIS_ERROR"
	ErrConfiguration ErrorCode = "CONFIG_ERROR"
	ErrAuthFailed    ErrorCode = "AUTH_FAILED"
	ErrRateLimited   ErrorCode = "RATE_LIMITED"
	ErrBadRequest    ErrorCode = "BAD_REQUEST"

	// Mock store input errors
	ErrInvalidRange  ErrorCode = "INVALID_RANGE"
	ErrRangeTooLarge ErrorCode = "RANGE_TOO_LARGE"

	// Telephony server errors
	ErrUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrChannelNotFound     ErrorCode = "CHANNEL_NOT_FOUND"
)

var statusCodes = map[ErrorCode]int{
	ErrAuthFailed:          http.StatusUnauthorized,
	ErrRateLimited:         http.StatusTooManyRequests,
	ErrBadRequest:          http.StatusBadRequest,
	ErrInvalidRange:        http.StatusBadRequest,
	ErrRangeTooLarge:       http.StatusRequestEntityTooLarge,
	ErrUpstreamUnavailable: http.StatusServiceUnavailable,
	ErrChannelNotFound:     http.StatusNotFound,
}

type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	StatusCode int
	Context    map[string]interface{}
	Stack      string
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
		Context:    make(map[string]interface{}),
		Stack:      getStack(),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	// If already an AppError, enhance it
	if appErr, ok := err.(*AppError); ok {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}

	return &AppError{
		Code:       code,
		Message:    message,
		Err:        err,
		StatusCode: statusFor(code),
		Context:    make(map[string]interface{}),
		Stack:      getStack(),
	}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

func (e *AppError) WithStatusCode(code int) *AppError {
	e.StatusCode = code
	return e
}

// IsRetryable reports whether the caller may retry. The checker itself never does.
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrRedis, ErrUpstreamUnavailable, ErrRateLimited:
		return true
	default:
		return false
	}
}

func statusFor(code ErrorCode) int {
	if status, ok := statusCodes[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return builder.String()
}

// Error checking helpers

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := As(err)
	if !ok {
		return false
	}

	return appErr.Code == code
}

// StatusCode returns the HTTP status carried by err, 500 for foreign errors.
func StatusCode(err error) int {
	if appErr, ok := As(err); ok && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
