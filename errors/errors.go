// Package errors provides error handling for groupsync.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotAMember) {
//	    // handle membership loss
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the group reconciliation domain.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotAMember indicates the server reports the caller has no access
	// to the group. May trigger leave synthesis in the reconciler.
	ErrNotAMember = New("not a member of group")

	// ErrGroupNotFound indicates the group does not exist on the server.
	// Surfaced only from direct single-snapshot lookups.
	ErrGroupNotFound = New("group does not exist")

	// ErrApplyFailed indicates a single change record could not be applied
	// to the current snapshot. Never fatal during advancement; the
	// offending entry is skipped.
	ErrApplyFailed = New("unable to apply group change")

	// ErrIO indicates a network, transport, or verification failure.
	// Retried by job infrastructure, not internally.
	ErrIO = New("group service i/o failure")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrNotFound indicates the requested local resource does not exist
	ErrNotFound = New("not found")
)

// IsNotAMember checks if an error is or wraps ErrNotAMember
func IsNotAMember(err error) bool {
	return err != nil && Is(err, ErrNotAMember)
}

// IsGroupNotFound checks if an error is or wraps ErrGroupNotFound
func IsGroupNotFound(err error) bool {
	return err != nil && Is(err, ErrGroupNotFound)
}

// IsApplyFailure checks if an error is or wraps ErrApplyFailed
func IsApplyFailure(err error) bool {
	return err != nil && Is(err, ErrApplyFailed)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// WrapIO wraps an error as a generic I/O failure with context, preserving
// the ErrIO sentinel for errors.Is checks.
func WrapIO(err error, context string) error {
	return Wrap(Wrap(ErrIO, err.Error()), context)
}
