package domain

import "errors"

// Registry errors.
var (
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCancelable     = errors.New("task is not cancelable")
	ErrUnknownTimer      = errors.New("unknown timer definition")
	ErrInvalidTimer      = errors.New("invalid timer definition")
)

// ErrExhaustedIdentifierSpace is transient; callers may retry.
var ErrExhaustedIdentifierSpace = errors.New("identifier space exhausted")

// Caller input errors, never retried.
var (
	ErrUnknownObject           = errors.New("unknown lwm2m object")
	ErrUnknownItem             = errors.New("unknown lwm2m item")
	ErrInstanceNotAllowed      = errors.New("instance not allowed")
	ErrInvalidOperationPayload = errors.New("invalid operation payload")
	ErrEmptyGroup              = errors.New("group has no members")
	ErrUnknownDevice           = errors.New("unknown device")
	ErrUnknownGroup            = errors.New("unknown group")
)

var ErrTransportUnavailable = errors.New("transport unavailable")
