package evaluation

import (
	"errors"
)

// ReasonCode is the machine-readable reason returned to callers.
type ReasonCode string

const (
	ReasonPayloadTooLarge          ReasonCode = "payload_too_large"
	ReasonQueueSaturated           ReasonCode = "queue_saturated"
	ReasonUnsupportedLanguage      ReasonCode = "unsupported_language"
	ReasonInvalidRequest           ReasonCode = "invalid_request"
	ReasonIsolationUnavailable     ReasonCode = "isolation_unavailable"
	ReasonResourceAllocationFailed ReasonCode = "resource_allocation_failed"
	ReasonNotFound                 ReasonCode = "not_found"
	ReasonAlreadyTerminal          ReasonCode = "already_terminal"
	ReasonKillDeferred             ReasonCode = "kill_deferred"
	ReasonLeakedSandbox            ReasonCode = "leaked_sandbox"
	ReasonEngineStopped            ReasonCode = "engine_stopped"
)

var reasonText = map[ReasonCode]string{
	ReasonPayloadTooLarge:          "code exceeds the maximum payload size",
	ReasonQueueSaturated:           "evaluation queue is full, retry later",
	ReasonUnsupportedLanguage:      "language is not supported",
	ReasonInvalidRequest:           "request is invalid",
	ReasonIsolationUnavailable:     "no isolation backend satisfies the required strength",
	ReasonResourceAllocationFailed: "sandbox resources could not be allocated",
	ReasonNotFound:                 "evaluation not found",
	ReasonAlreadyTerminal:          "evaluation is not running",
	ReasonKillDeferred:             "evaluation has not started, it will be killed when it does",
	ReasonLeakedSandbox:            "sandbox teardown could not be confirmed",
	ReasonEngineStopped:            "engine is shutting down",
}

// Retryable reports whether the caller may retry the same request later.
func (c ReasonCode) Retryable() bool {
	switch c {
	case ReasonQueueSaturated, ReasonIsolationUnavailable, ReasonResourceAllocationFailed, ReasonEngineStopped:
		return true
	default:
		return false
	}
}

// Error carries a reason code to the caller. Error() renders only the code
// and a fixed phrase; the wrapped cause is for logs.
type Error struct {
	Code ReasonCode
	Err  error
}

// NewError wraps cause with a reason code. cause may be nil.
func NewError(code ReasonCode, cause error) *Error {
	return &Error{Code: code, Err: cause}
}

func (e *Error) Error() string {
	if text, ok := reasonText[e.Code]; ok {
		return string(e.Code) + ": " + text
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrPayloadTooLarge          = &Error{Code: ReasonPayloadTooLarge}
	ErrQueueSaturated           = &Error{Code: ReasonQueueSaturated}
	ErrUnsupportedLanguage      = &Error{Code: ReasonUnsupportedLanguage}
	ErrIsolationUnavailable     = &Error{Code: ReasonIsolationUnavailable}
	ErrResourceAllocationFailed = &Error{Code: ReasonResourceAllocationFailed}
	ErrNotFound                 = &Error{Code: ReasonNotFound}
	ErrEngineStopped            = &Error{Code: ReasonEngineStopped}
)

// CodeOf extracts the reason code from err. Errors without one map to
// resource_allocation_failed so internal text never reaches a caller.
func CodeOf(err error) ReasonCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ReasonResourceAllocationFailed
}
