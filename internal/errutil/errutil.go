// Package errutil defines the error taxonomy of spec.md §7 as sentinel
// errors marked with github.com/cockroachdb/errors, the same way the
// teacher defines and detects ErrAutoRetryLimitExhausted in pkg/kv/txn.go:
// a package-level sentinel created with errors.New, attached to concrete
// errors via errors.Mark, and recognized by callers with errors.Is.
package errutil

import "github.com/cockroachdb/errors"

// Admission errors (spec.md §7): reported to the user, do not alter
// session state except where §4.5.1 explicitly says admission aborts a
// half-started transaction.
var (
	ErrTxnTooOld                          = errors.New("txn too old")
	ErrConflictingOperationInProgress     = errors.New("conflicting operation in progress")
	ErrOperationNotSupportedInTransaction = errors.New("operation not supported in transaction")
	ErrInvalidOptions                     = errors.New("invalid options")
)

// State errors.
var (
	ErrNoSuchTransaction    = errors.New("no such transaction")
	ErrTransactionCommitted = errors.New("transaction committed")
	ErrTransactionTooLarge  = errors.New("transaction too large")
)

// Concurrency errors.
var (
	ErrConflictingOperationInProgressMidOp = errors.New("conflicting operation in progress: session invalidated mid-operation")
	ErrWriteConflict                       = errors.New("write conflict")
)

// History errors.
var ErrIncompleteTransactionHistory = errors.New("incomplete transaction history")

// Mark builds a new error from msg and attaches sentinel so that
// errors.Is(result, sentinel) succeeds for callers up the stack, mirroring
// txn.go's use of errors.Mark around ErrAutoRetryLimitExhausted.
func Mark(sentinel error, msg string) error {
	return errors.Mark(errors.New(msg), sentinel)
}

// Markf is Mark with Printf-style formatting.
func Markf(sentinel error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), sentinel)
}

// Is reports whether err is marked with sentinel.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}
