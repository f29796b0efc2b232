package storage

import (
	"context"
	"time"

	"github.com/kysonic/txnsession/internal/hlc"
)

// Locker is a lock-manager handle owning a set of lock grants and a
// concurrency ticket, bindable to a specific thread (spec.md Glossary).
// Transaction Resources capture/release moves a Locker between the bound
// operation and the session's stash, which is why ReleaseTicket/
// ReacquireTicket and UnbindThread/BindToCurrentThread are split out as
// separate steps rather than folded into a single Swap call: capture must
// release the ticket before handing the locker to the stash, and release
// must reacquire the ticket before handing it back (spec.md §4.2).
type Locker interface {
	// ReleaseTicket gives up this locker's concurrency-limiting ticket. Used
	// when a locker is about to be parked in the stash, where it should not
	// continue to occupy a concurrency slot.
	ReleaseTicket()
	// ReacquireTicket blocks until a concurrency ticket is available. It is
	// called before the bundle is marked consumed in release(), so a
	// failure here leaves Transaction Resources owned by the stash.
	ReacquireTicket(ctx context.Context) error
	// UnbindThread detaches this locker from whatever goroutine is
	// conceptually bound to it.
	UnbindThread()
	// BindToCurrentThread binds this locker to the calling goroutine.
	BindToCurrentThread()
	// SetLockTimeout arms a per-lock-request timeout
	// (maxTransactionLockRequestTimeoutMillis, spec.md §6); a non-positive
	// duration disables the cap.
	SetLockTimeout(d time.Duration)
	// ClearLockTimeout disarms a previously-set per-lock-request timeout.
	ClearLockTimeout()
	// LockGlobalIntentExclusive acquires (or confirms already held) the
	// global intent-exclusive lock a transaction must hold for its entire
	// lifetime (spec.md §4.5.2: "Both paths may never downgrade from
	// intent-exclusive").
	LockGlobalIntentExclusive(ctx context.Context) error
}

// SnapshotID opaquely identifies a point-in-time snapshot a RecoveryUnit is
// pinned to.
type SnapshotID uint64

// RecoveryUnit is a storage-engine handle bound to exactly one point-in-time
// snapshot, with explicit two-phase prepare/commit (spec.md Glossary). Its
// OnCommit hook is how the Durable Writer's in-memory cache update is made
// conditional on the surrounding write-batch actually committing (spec.md
// §9 "the commit-on-storage hook ... is critical: never update the cache
// eagerly on the write path").
type RecoveryUnit interface {
	SetReadSource(source ReadSource, provided hlc.Timestamp)
	// PreallocateSnapshot materializes a point-in-time snapshot immediately
	// rather than lazily on first read — spec.md §4.5.2 requires unstash to
	// force this rather than let it happen lazily.
	PreallocateSnapshot(ctx context.Context) error
	SnapshotID() SnapshotID
	// PointInTimeReadTimestamp returns the timestamp the current snapshot
	// was pinned to, if any.
	PointInTimeReadTimestamp() (hlc.Timestamp, bool)
	SetCommitTimestamp(ts hlc.Timestamp)
	PrepareTimestamp() hlc.Timestamp
	// OnCommit registers fn to run only when the write-batch bound to this
	// recovery unit actually commits (not on abort).
	OnCommit(fn func())
	// Abort discards the recovery unit's pending writes. Safe to call on an
	// already-clean unit.
	Abort()
}

// WriteBatchState is an opaque token capturing a write-batch's progress
// (nesting level, in mongo's WriteUnitOfWork terms) so it can be released
// from its owning RecoveryUnit and later resumed over the same snapshot —
// spec.md §4.2's release(op): "installs ... a write-batch resumed over the
// same snapshot".
type WriteBatchState struct {
	// Token carries whatever bookkeeping a concrete Engine needs to resume
	// the batch (e.g. its snapshot id and nesting depth); opaque to callers.
	Token interface{}
}

// WriteBatch is a unit-of-work wrapping writes against a RecoveryUnit,
// committable or abortable as a whole (spec.md Glossary), with an explicit
// two-phase Prepare step for prepared transactions.
type WriteBatch interface {
	Prepare(ctx context.Context) (hlc.Timestamp, error)
	Commit(ctx context.Context) error
	// Abort discards this write-batch. Must not panic when called on an
	// empty (no writes performed) batch — spec.md §4.5.7 abortActive is
	// "Safe on empty write-batch".
	Abort()
	// Release detaches the batch from active use, returning a token that
	// later allows Engine.ResumeWriteBatch to pick it back up over the same
	// snapshot.
	Release() WriteBatchState
}

// Engine is the storage engine (spec.md §6) that mints recovery units and
// write batches. A real server plugs in its storage layer here; tests use
// an in-memory fake.
type Engine interface {
	NewRecoveryUnit() RecoveryUnit
	NewWriteBatch(ru RecoveryUnit) WriteBatch
	// ResumeWriteBatch recreates a WriteBatch over ru from a token captured
	// by a prior WriteBatch.Release, continuing the same nesting level
	// rather than starting a fresh top-level unit of work.
	ResumeWriteBatch(ru RecoveryUnit, state WriteBatchState) WriteBatch
	// NewLocker mints a fresh, empty Locker — used to install an empty
	// locker on the operation context when Transaction Resources capture
	// the previous one into the stash (spec.md §4.2).
	NewLocker() Locker
}

// OperationContext is the per-RPC context a Session Controller binds
// Transaction Resources onto and releases them from (spec.md §3, §4.2). It
// corresponds to mongo's OperationContext: a single request-scoped bundle
// of storage + locking state that a Session Controller may swap wholesale.
type OperationContext struct {
	Context context.Context

	TxnNumber *int64

	RecoveryUnit RecoveryUnit
	Locker       Locker
	WriteBatch   WriteBatch
	ReadConcern  ReadConcernArgs

	ClientInfo ClientInfo

	// Client is the connection this operation runs on. Its lock must be
	// acquired before the session mutex whenever the controller touches the
	// fields above (spec.md §4.5.2, §5's inviolable lock ordering). May be
	// nil in tests that don't exercise the ordering.
	Client *Client

	// ClientLastOp tracks the connection's replication-tracking op-time
	// (mongo's repl::ReplClientInfo::lastOp), advanced forward by commit to
	// at least the transaction's speculative read timestamp so a subsequent
	// getLastError/write-concern wait observes all data the transaction
	// read (spec.md §4.5.4). Nil if the caller does not track one.
	ClientLastOp *hlc.Timestamp

	// IsDirectClient marks internal/loopback clients, which spec.md §4.5.1
	// and §4.5.2 say bypass admission and stash/unstash entirely.
	IsDirectClient bool
}
