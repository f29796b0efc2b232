package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/kysonic/txnsession/internal/hlc"
)

// SessionRecord is the persisted, per-session record of spec.md §3: last
// written txn number, last write position, last write wall-clock time.
type SessionRecord struct {
	SessionID       SessionID
	TxnNumber       int64
	LastWriteOpTime hlc.OpTime
	LastWriteDate   time.Time
}

// UpdateRequest is the upsert request built by the session controller and
// handed to the Durable Writer (spec.md §4.4).
type UpdateRequest struct {
	Record SessionRecord
}

// DuplicateKeyError is returned by SessionRecordCollection.Insert when a
// concurrent writer has already inserted a record for the same session id —
// the Durable Writer turns this into a write conflict (spec.md §4.4 step 3).
type DuplicateKeyError struct {
	SessionID SessionID
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key for session record %s", e.SessionID)
}

// SessionRecordCollection is the low-level, shared session-records
// collection consumed by the Durable Session Record Writer (spec.md §4.4,
// §6). The upsert algorithm itself (lock, lookup, insert-or-replace,
// write-conflict detection) is the controller's own code, grounded on
// session.cpp's updateSessionEntry; this interface only exposes the
// storage-engine primitives that algorithm drives, the way updateSessionEntry
// drives AutoGetCollection/IndexCatalog/RecordStore rather than hiding the
// upsert inside the collection itself.
type SessionRecordCollection interface {
	// Exists reports whether the session-records collection itself exists;
	// persist() raises a clear, non-retryable error if it does not.
	Exists(ctx context.Context) bool
	// LockIntentExclusive acquires intent-exclusive on the collection for
	// op's write-batch.
	LockIntentExclusive(ctx context.Context, op *OperationContext) error
	// FindByID point-looks-up a record by session id through the id index,
	// evaluated at op's current snapshot.
	FindByID(ctx context.Context, op *OperationContext, id SessionID) (SessionRecord, bool, error)
	// Insert inserts a new record, or returns a *DuplicateKeyError if a
	// concurrent writer already inserted one for the same id.
	Insert(ctx context.Context, op *OperationContext, rec SessionRecord) error
	// Replace overwrites the record in place. The only index on this
	// collection is _id, so this never touches a secondary index.
	Replace(ctx context.Context, op *OperationContext, rec SessionRecord) error
}

// SessionRecordStore is the read path used by the Transaction History
// component (spec.md §4.3), independent of any particular operation's
// write-batch.
type SessionRecordStore interface {
	FindOne(ctx context.Context, sessionID SessionID) (SessionRecord, bool, error)
}
