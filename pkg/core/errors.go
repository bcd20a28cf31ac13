// Package core holds the shared error taxonomy of the voxwire call pipeline.
package core

import (
	"errors"
	"fmt"
)

// ErrorType categorizes pipeline errors.
type ErrorType string

const (
	// ErrConnection means a provider connection could not be established
	// or was lost and could not be re-established.
	ErrConnection ErrorType = "connection_error"
	// ErrTimeout means a bounded wait was exceeded.
	ErrTimeout ErrorType = "timeout_error"
	// ErrTranscription means the speech recognition provider failed.
	ErrTranscription ErrorType = "transcription_error"
	// ErrGeneration means the response generation provider failed.
	ErrGeneration ErrorType = "generation_error"
	// ErrSynthesis means the speech synthesis provider failed.
	ErrSynthesis ErrorType = "synthesis_error"
	// ErrConfiguration means the agent configuration is malformed.
	// Configuration errors are fatal and rejected at call setup.
	ErrConfiguration ErrorType = "configuration_error"
)

// Error is a typed pipeline error. Provider failures are wrapped so the
// call session can decide between reconnect, fallback, and apology-hangup.
type Error struct {
	Type     ErrorType `json:"type"`
	Message  string    `json:"message"`
	Provider string    `json:"provider,omitempty"`
	wrapped  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error { return e.wrapped }

// IsRecoverable reports whether the call may continue after this error,
// possibly on a fallback provider. Configuration errors are never
// recoverable; they are rejected before the call goes active.
func (e *Error) IsRecoverable() bool {
	return e.Type != ErrConfiguration
}

// NewConnectionError creates a connection error for the given provider.
func NewConnectionError(provider string, err error) *Error {
	return &Error{Type: ErrConnection, Provider: provider, Message: errMessage(err), wrapped: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *Error {
	return &Error{Type: ErrTimeout, Message: message}
}

// NewTranscriptionError creates a transcription error.
func NewTranscriptionError(provider string, err error) *Error {
	return &Error{Type: ErrTranscription, Provider: provider, Message: errMessage(err), wrapped: err}
}

// NewGenerationError creates a generation error.
func NewGenerationError(provider string, err error) *Error {
	return &Error{Type: ErrGeneration, Provider: provider, Message: errMessage(err), wrapped: err}
}

// NewSynthesisError creates a synthesis error.
func NewSynthesisError(provider string, err error) *Error {
	return &Error{Type: ErrSynthesis, Provider: provider, Message: errMessage(err), wrapped: err}
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(message string) *Error {
	return &Error{Type: ErrConfiguration, Message: message}
}

func errMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// IsType reports whether err is a pipeline error of the given type.
func IsType(err error, t ErrorType) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Type == t
	}
	return false
}
