package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorNotFound                 ErrorCode = "NOT_FOUND"
	ErrorForbidden                ErrorCode = "FORBIDDEN"
	ErrorConflict                 ErrorCode = "CONFLICT"
	ErrorConversationEscalated    ErrorCode = "CONVERSATION_ESCALATED"
	ErrorConversationNotEscalated ErrorCode = "CONVERSATION_NOT_ESCALATED"
	ErrorInvalidInput             ErrorCode = "INVALID_INPUT"
	ErrorAgentUnavailable         ErrorCode = "AGENT_UNAVAILABLE"
	ErrorGenerationFailed         ErrorCode = "GENERATION_FAILED"
	ErrorRetrievalFailed          ErrorCode = "RETRIEVAL_FAILED"
	ErrorNoKnowledgeBase          ErrorCode = "NO_KNOWLEDGE_BASE"
	ErrorRateLimited              ErrorCode = "RATE_LIMITED"
	ErrorInternal                 ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the ErrorCode carried by err, or ErrorInternal when err is
// not a usecase error.
func CodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ErrorInternal
}

// IsCode reports whether err is a usecase error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ucErr *Error
	return errors.As(err, &ucErr) && ucErr.Code == code
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
