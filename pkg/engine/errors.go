package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind separates failures that abort a run from failures caused by the
// user's declarations.
type ErrorKind string

const (
	// ErrorKindInternal marks programmer-facing failures: unresolvable provider
	// actions, malformed source paths, unsupported guard types. They abort the
	// run immediately and are not meant to be caught by recipe code.
	ErrorKindInternal ErrorKind = "internal"

	// ErrorKindUser marks user-facing validation failures: missing mandatory
	// parameters, contradictory flags, unresolvable role or recipe names.
	// They are reported as one readable message.
	ErrorKindUser ErrorKind = "user"
)

// Error is a classified error with context.
// nolint:revive // engine.Error reads naturally at call sites
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the identity of the resource involved, if any.
	Resource string `json:"resource,omitempty"`

	// Action is the action being dispatched when the error occurred.
	Action string `json:"action,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	switch {
	case e.Resource != "" && e.Action != "":
		fmt.Fprintf(&b, " (resource=%s, action=%s)", e.Resource, e.Action)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewInternalError creates a new internal error.
func NewInternalError(code, message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindInternal,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewUserError creates a new user-facing error.
func NewUserError(code, message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindUser,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithAction adds action context to an error.
func (e *Error) WithAction(action string) *Error {
	e.Action = action
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsInternal returns true if err carries an internal classification.
func IsInternal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrorKindInternal
	}
	return false
}

// IsUser returns true if err carries a user-facing classification.
func IsUser(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrorKindUser
	}
	return false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// ActionNotImplementedError is returned when a provider has no handler for
// the requested action.
type ActionNotImplementedError struct {
	Provider string
	Action   string
}

func (e *ActionNotImplementedError) Error() string {
	return fmt.Sprintf("provider %s does not implement action %s", e.Provider, e.Action)
}

// NotificationCycleError is returned when an immediate notification would
// dispatch an (action, resource) pair that is already in flight.
type NotificationCycleError struct {
	// Chain lists the in-flight pairs, outermost first, ending with the repeat.
	Chain []string
}

func (e *NotificationCycleError) Error() string {
	return "notification cycle: " + strings.Join(e.Chain, " -> ")
}

// Error codes.
const (
	ErrCodeActionNotImplemented = "ACTION_NOT_IMPLEMENTED"
	ErrCodeProviderNotFound     = "PROVIDER_NOT_FOUND"
	ErrCodeNotificationCycle    = "NOTIFICATION_CYCLE"
	ErrCodeUnknownGuard         = "UNKNOWN_GUARD"
	ErrCodeGuardFailed          = "GUARD_FAILED"
	ErrCodeResourceNotFound     = "RESOURCE_NOT_FOUND"
	ErrCodeDuplicateResource    = "DUPLICATE_RESOURCE"
	ErrCodeInvalidResource      = "INVALID_RESOURCE"
	ErrCodeActionFailed         = "ACTION_FAILED"
	ErrCodeMissingParameters    = "MISSING_PARAMETERS"
	ErrCodeCookbookNotFound     = "COOKBOOK_NOT_FOUND"
	ErrCodeRecipeNotFound       = "RECIPE_NOT_FOUND"
	ErrCodeSourcePath           = "SOURCE_PATH"
	ErrCodeUnknownFormat        = "UNKNOWN_FORMAT"
	ErrCodeUnknownRole          = "UNKNOWN_ROLE"
	ErrCodePolicyDenied         = "POLICY_DENIED"
)
