package domain

import (
	"context"
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrPipelineNotFound    = errors.New("pipeline not found")
	ErrRunNotFound         = errors.New("run not found")
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrCycleLimitExceeded  = errors.New("cycle iteration limit exceeded")
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointCorrupt   = errors.New("checkpoint corrupt")
	ErrRunTerminal         = errors.New("run already terminal")
)

// ErrorKind classifies failures so retry decisions never depend on message
// text. The first five kinds are the capability-boundary contract; the rest
// originate inside the engine.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindRateLimited  ErrorKind = "rate_limited"
	KindInvalidInput ErrorKind = "invalid_input"
	KindUnavailable  ErrorKind = "unavailable"
	KindInternal     ErrorKind = "internal"

	KindBudgetExceeded  ErrorKind = "budget_exceeded"
	KindCycleLimit      ErrorKind = "cycle_limit_exceeded"
	KindUpstreamSkipped ErrorKind = "upstream_skipped"
	KindCanceled        ErrorKind = "canceled"
)

// Valid reports whether the kind is part of the fixed enumeration. Used when
// validating retry_on lists at load time.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindInvalidInput, KindUnavailable,
		KindInternal, KindBudgetExceeded, KindCycleLimit, KindUpstreamSkipped,
		KindCanceled:
		return true
	}
	return false
}

// Transient reports whether the kind is worth retrying by default.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	}
	return false
}

// TaggedError is the failure contract at the capability boundary. Capabilities
// return it so the engine can classify without inspecting message text.
type TaggedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TaggedError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *TaggedError) Unwrap() error {
	return e.Err
}

// Tag wraps err with a kind, preserving the chain for errors.Is.
func Tag(kind ErrorKind, err error) *TaggedError {
	return &TaggedError{Kind: kind, Err: err}
}

// Tagf builds a TaggedError from a format string.
func Tagf(kind ErrorKind, format string, args ...any) *TaggedError {
	return &TaggedError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from an error chain. Context expiry maps to
// timeout and cancellation; untagged errors classify as internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var tagged *TaggedError
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrCycleLimitExceeded):
		return KindCycleLimit
	}
	return KindInternal
}
