// Package txnsession implements the per-session transaction controller: the
// finite state machine for multi-statement transactions and retryable
// writes, the stash/unstash protocol for parking Transaction Resources
// between RPCs, two-phase (prepared) and one-phase commit, statement-id
// idempotency, and the durable session-record update path. It is grounded
// on mongo's src/mongo/db/session.cpp (see DESIGN.md) and written in the
// idiom of the teacher's pkg/kv/txn.go and pkg/sql/conn_executor.go (a
// mutex-guarded struct driving an fsm.Table, with storage/replication
// treated as externally-consumed interfaces from internal/storage).
package txnsession

import "github.com/kysonic/txnsession/internal/storage"

// SessionID identifies a logical client session (spec.md §3). It is an
// alias of storage.SessionID so callers constructing fakes/records in
// internal/storage don't need to import this package.
type SessionID = storage.SessionID

// NewSessionID allocates a fresh top-level session id.
func NewSessionID() SessionID { return storage.NewSessionID() }

// TxnNumber is a monotonically non-decreasing per-session counter (spec.md
// §3). A strictly greater number starts a new transaction; an equal number
// continues the current one; a smaller number is rejected.
type TxnNumber = int64

// UninitializedTxnNumber is the sentinel value of a session that has never
// begun a transaction or retryable write.
const UninitializedTxnNumber TxnNumber = -1

// StmtID identifies one statement inside a retryable-write session (spec.md
// §3).
type StmtID = int

// IncompleteHistoryStmtID is the dead-end sentinel statement id written
// when older history was truncated; re-exported from internal/storage so
// txnsession callers don't need that import just for this constant.
const IncompleteHistoryStmtID = storage.IncompleteHistoryStmtID
