package transcribe

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/upload"
)

// ErrorKind classifies job failures.
type ErrorKind string

const (
	KindNoFileProvided        ErrorKind = "NoFileProvided"
	KindFileTooLarge          ErrorKind = "FileTooLarge"
	KindStorageFailure        ErrorKind = "StorageFailure"
	KindEngineNotInstalled    ErrorKind = "EngineNotInstalled"
	KindEngineExecutionFailed ErrorKind = "EngineExecutionFailed"
	KindEngineTimeout         ErrorKind = "EngineTimeout"
	KindInvalidEngineOutput   ErrorKind = "InvalidEngineOutput"
	KindBusy                  ErrorKind = "Busy"
	KindInternal              ErrorKind = "Internal"
)

// Error is a classified job failure. Message is safe to show to callers;
// Detail carries server-side diagnostics such as engine stderr.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf maps any error produced along the upload and transcription path to its kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	switch {
	case errors.Is(err, upload.ErrNoFileProvided):
		return KindNoFileProvided
	case errors.Is(err, upload.ErrFileTooLarge):
		return KindFileTooLarge
	case errors.Is(err, upload.ErrStorageFailure):
		return KindStorageFailure
	default:
		return KindInternal
	}
}

// PublicMessage returns the caller-safe message for err. Wrapped causes and
// engine diagnostics are left out.
func PublicMessage(err error) string {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Message
	}
	switch KindOf(err) {
	case KindNoFileProvided:
		return upload.ErrNoFileProvided.Error()
	case KindFileTooLarge:
		return upload.ErrFileTooLarge.Error()
	case KindStorageFailure:
		return upload.ErrStorageFailure.Error()
	default:
		return "internal server error"
	}
}

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}
