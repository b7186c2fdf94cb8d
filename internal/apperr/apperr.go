package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	CodeAudioTooLarge       Code = "AUDIO_TOO_LARGE"
	CodeAudioTooShort       Code = "AUDIO_TOO_SHORT"
	CodeInvalidFormat       Code = "INVALID_FORMAT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeTimeout             Code = "TIMEOUT"
	CodeTranscriptionFailed Code = "TRANSCRIPTION_FAILED"
	CodeParsingFailed       Code = "PARSING_FAILED"
	CodeBudgetExceeded      Code = "BUDGET_EXCEEDED"
	CodeCacheWriteFailed    Code = "CACHE_WRITE_FAILED"
	CodeUsageWriteFailed    Code = "USAGE_WRITE_FAILED"
	CodeCanceled            Code = "CANCELED"
	CodeInternal            Code = "INTERNAL"
)

// Retryable reports the default retry classification of a code. Individual
// errors may override it, e.g. a TRANSCRIPTION_FAILED caused by a 4xx.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeTimeout, CodeTranscriptionFailed, CodeBudgetExceeded:
		return true
	default:
		return false
	}
}

// Error is the only error type the pipeline surfaces to callers.
type Error struct {
	Code       Code
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	RetryCount int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = string(e.Code) + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.Retryable()}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.Retryable(), Err: err}
}

// Fatal builds an error that is never retried regardless of its code.
func Fatal(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Retryable
}
