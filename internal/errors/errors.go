// Package errors provides structured error types for appstrap.
//
// Every failure the process can report at exit is an *AppError: a category
// (ErrorType), a stable code, a human-readable message and an optional
// underlying cause. Errors compare equal under errors.Is when type and code
// match, so callers can test against the predefined instances below even
// when the error travelled through fmt.Errorf or errors.Join.
package errors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeSubsystem  ErrorType = "subsystem"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// Error codes
const (
	CodeConfigLoad         = "CONFIG_LOAD"
	CodeConfigInvalid      = "CONFIG_INVALID"
	CodeSubsystemFailed    = "SUBSYSTEM_FAILED"
	CodePanicRecovered     = "PANIC_RECOVERED"
	CodeShutdownTimeout    = "SHUTDOWN_TIMEOUT"
	CodeDuplicateSubsystem = "DUPLICATE_SUBSYSTEM"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeAlreadyRunning     = "ALREADY_RUNNING"
)

// AppError is the base error type for all appstrap errors
type AppError struct {
	Type       ErrorType
	Code       string
	Message    string
	Underlying error
	Details    map[string]interface{}
	StackTrace []string
	Timestamp  time.Time
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Underlying
}

// Is checks if the error matches another error
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithDuration adds timing information to an error
func (e *AppError) WithDuration(duration time.Duration) *AppError {
	return e.WithDetails("duration", duration.String())
}

// Common error constructors

// ConfigError creates a configuration error
func ConfigError(code, message string, underlying error) *AppError {
	return newError(ErrorTypeConfig, code, message, underlying)
}

// SubsystemError creates an error reported by a supervised subsystem
func SubsystemError(code, message string, underlying error) *AppError {
	return newError(ErrorTypeSubsystem, code, message, underlying)
}

// TimeoutError creates a timeout error
func TimeoutError(code, message string, underlying error) *AppError {
	return newError(ErrorTypeTimeout, code, message, underlying)
}

// ValidationError creates a validation error
func ValidationError(code, message string, underlying error) *AppError {
	return newError(ErrorTypeValidation, code, message, underlying)
}

// InternalError creates an internal error
func InternalError(code, message string, underlying error) *AppError {
	return newError(ErrorTypeInternal, code, message, underlying)
}

func newError(errorType ErrorType, code, message string, underlying error) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Timestamp:  time.Now(),
	}
}

// NewErrorf creates a new error with formatted message
func NewErrorf(errorType ErrorType, code, format string, args ...interface{}) *AppError {
	return newError(errorType, code, fmt.Sprintf(format, args...), nil)
}

// Predefined error instances, for use as errors.Is targets

var (
	ErrConfigLoad         = ConfigError(CodeConfigLoad, "Failed to load config from env", nil)
	ErrConfigInvalid      = ConfigError(CodeConfigInvalid, "Invalid configuration", nil)
	ErrSubsystemFailed    = SubsystemError(CodeSubsystemFailed, "Subsystem failed", nil)
	ErrPanicRecovered     = InternalError(CodePanicRecovered, "Recovered from panic", nil)
	ErrShutdownTimeout    = TimeoutError(CodeShutdownTimeout, "Shutdown timeout exceeded", nil)
	ErrDuplicateSubsystem = ValidationError(CodeDuplicateSubsystem, "Subsystem already registered", nil)
	ErrInvalidInput       = ValidationError(CodeInvalidInput, "Invalid input", nil)
	ErrAlreadyRunning     = ValidationError(CodeAlreadyRunning, "Supervisor already running", nil)
)

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsCode checks if an error has a specific code
func IsCode(err error, code string) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// As finds the first *AppError in err's tree.
func As(err error) (*AppError, bool) {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr, true
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range x.Unwrap() {
				if appErr, ok := As(e); ok {
					return appErr, true
				}
			}
			return nil, false
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		default:
			return nil, false
		}
	}
	return nil, false
}

// captureStackTrace captures the current stack trace
func captureStackTrace(skip int) []string {
	var stack []string
	pc := make([]uintptr, 16)
	n := runtime.Callers(skip+1, pc)

	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}

	return stack
}

// Logging integration

// LogAttrs returns slog attributes for the error
func (e *AppError) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_type", string(e.Type)),
		slog.String("error_code", e.Code),
		slog.String("error_message", e.Message),
	}

	if e.Underlying != nil {
		attrs = append(attrs, slog.String("underlying_error", e.Underlying.Error()))
	}

	keys := make([]string, 0, len(e.Details))
	for key := range e.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, slog.Any("error_detail_"+key, e.Details[key]))
	}

	if len(e.StackTrace) > 0 {
		maxFrames := min(3, len(e.StackTrace))
		attrs = append(attrs, slog.Any("error_stack", e.StackTrace[:maxFrames]))
	}

	return attrs
}

// Recovery helpers for goroutines

// WithRecover wraps a function call with panic recovery. A recovered panic
// is returned as a PANIC_RECOVERED error carrying the stack of the panic site.
func WithRecover(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var cause error
			if e, ok := r.(error); ok {
				cause = e
			} else {
				cause = fmt.Errorf("panic: %v", r)
			}
			recovered := InternalError(CodePanicRecovered, "Recovered from panic", cause)
			recovered.StackTrace = captureStackTrace(3)
			if ctx != nil && ctx.Err() != nil {
				recovered.WithDetails("context_error", ctx.Err().Error())
			}
			err = recovered
		}
	}()

	return fn()
}
