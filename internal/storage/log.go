package storage

import (
	"context"

	"github.com/kysonic/txnsession/internal/hlc"
)

// IncompleteHistoryStmtID is the sentinel statement id (spec.md §3
// "INCOMPLETE_HISTORY") marking a dead-end placeholder written when older
// history was truncated, restored from session.cpp's kIncompleteHistoryStmtId
// / Session::kDeadEndSentinel handling.
const IncompleteHistoryStmtID = -1

// LogEntry is one entry yielded by a LogIterator walking backward through a
// session's durable-log chain (spec.md §6 "Durable log iterator").
type LogEntry struct {
	OpTime hlc.OpTime
	StmtID int
	// IsCommitMarker is true for the terminal applyOps-equivalent entry that
	// marks a transaction's commit.
	IsCommitMarker bool
}

// LogIterator walks a per-session chain backward from a starting op-time.
type LogIterator interface {
	HasNext() bool
	// Next returns the next entry, or an error marked with
	// errutil.ErrIncompleteTransactionHistory if the walker discovers the
	// chain was truncated (older history compacted away) before it could
	// report HasNext() == false normally.
	Next(ctx context.Context) (LogEntry, error)
}

// LogStore mints iterators over a session's durable-log chain.
type LogStore interface {
	IteratorFrom(opTime hlc.OpTime) LogIterator
}

// ReplicationObserver is consumed at prepare/commit (spec.md §6). Both
// upcalls are invoked with the session mutex released and may re-enter the
// controller through its write-completion hooks — see
// internal/txnsession/controller.go's prepare/commit methods for the
// release-call-reacquire-revalidate protocol this requires of callers.
type ReplicationObserver interface {
	OnPrepare(ctx context.Context, op *OperationContext) error
	OnCommit(ctx context.Context, op *OperationContext, wasPrepared bool) error
}
