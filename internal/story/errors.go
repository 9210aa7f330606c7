// Package story implements the turn orchestration and recovery engine:
// the session state machine, the turn pipeline, the character registry,
// the history compactor, and the asynchronous image sub-pipeline.
package story

import (
	"errors"
	"fmt"
)

// Machine-readable error codes surfaced to API clients.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeGeneration      = "GENERATION_ERROR"
	CodeParse           = "PARSE_ERROR"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeDatabase        = "DATABASE_ERROR"
)

// ValidationError rejects bad caller input before any external call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GenerationError wraps a failure of the external text or image service.
type GenerationError struct {
	Agent string // which configured agent was being invoked
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed (model %s): %v", e.Agent, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ParseError marks structured output that did not match the contract.
// It is fatal to the enclosing turn; no partial acceptance.
type ParseError struct {
	Agent string
	Raw   string // truncated raw payload, for diagnostics
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable %s output: %v", e.Agent, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotFoundError reports a session id with no backing document.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// ErrorCode maps an error to its API code. Unrecognized errors are reported
// as database/internal failures.
func ErrorCode(err error) string {
	var ve *ValidationError
	var ge *GenerationError
	var pe *ParseError
	var nf *NotFoundError
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &pe):
		return CodeParse
	case errors.As(err, &ge):
		return CodeGeneration
	case errors.As(err, &nf):
		return CodeSessionNotFound
	default:
		return CodeDatabase
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
