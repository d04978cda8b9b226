// Package errs defines the typed failure kinds shared by the store, the
// ledger client, the lifecycle engine and the HTTP layer.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The HTTP layer maps kinds to status codes and
// callers use them to decide whether an operation is retryable.
type Kind string

const (
	// KindInvalidArgument indicates malformed caller input. Not retryable.
	KindInvalidArgument Kind = "invalid_argument"
	// KindInvalidState indicates a lifecycle transition not permitted from
	// the trade's current state. The caller must re-query.
	KindInvalidState Kind = "invalid_state"
	// KindNotFound indicates a missing trade or listing.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a concurrent mutation lost the race.
	KindConflict Kind = "conflict"
	// KindLedgerRejected indicates a ledger-side business rule violation.
	// Definitive: the operation did not happen and retrying as-is won't help.
	KindLedgerRejected Kind = "ledger_rejected"
	// KindLedgerUnavailable indicates a transient infrastructure failure.
	// The whole operation is safe to retry.
	KindLedgerUnavailable Kind = "ledger_unavailable"
	// KindLedgerTimeout indicates the outcome is unknown: the operation was
	// submitted but confirmation did not arrive in time. The caller must
	// reconcile against the ledger before retrying.
	KindLedgerTimeout Kind = "ledger_timeout"
)

// E is the error envelope carried across package boundaries.
type E struct {
	Kind    Kind
	Message string
	cause   error
}

// New constructs an error of the given kind.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an error chain. Errors that do not carry an
// *E anywhere in the chain report an empty Kind.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the whole operation may be blindly retried.
// Only transient ledger infrastructure failures qualify; a timeout is NOT
// retryable because the outcome is unknown until reconciled.
func Retryable(err error) bool {
	return IsKind(err, KindLedgerUnavailable)
}
