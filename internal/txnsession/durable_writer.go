package txnsession

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/kysonic/txnsession/internal/errutil"
	"github.com/kysonic/txnsession/internal/storage"
)

// recordWriter is the Durable Session Record Writer of spec.md §4.4: an
// idempotent upsert of the session record inside the caller's storage
// write-batch, with write-conflict detection against concurrent writers.
// Grounded on session.cpp's free function updateSessionEntry, which this
// mirrors step for step.
type recordWriter struct {
	collection storage.SessionRecordCollection
}

func newRecordWriter(collection storage.SessionRecordCollection) *recordWriter {
	return &recordWriter{collection: collection}
}

// persist performs the upsert of spec.md §4.4:
//  1. acquire intent-exclusive on the collection; assert it exists.
//  2. point-lookup by _id = sessionId through the id index.
//  3. if absent, insert; a duplicate-key return becomes a write conflict.
//  4. if present, re-read at the operation's current snapshot and
//     re-evaluate the filter; a no-longer-matching document is also a
//     write conflict.
//  5. otherwise replace the document in place.
//  6. commit the write-batch.
func (w *recordWriter) persist(ctx context.Context, op *storage.OperationContext, req storage.UpdateRequest) error {
	if !w.collection.Exists(ctx) {
		return errors.New("unable to persist transaction state because the session transaction " +
			"collection is missing")
	}

	if err := w.collection.LockIntentExclusive(ctx, op); err != nil {
		return errors.Wrap(err, "acquiring intent-exclusive lock on session-records collection")
	}

	existing, found, err := w.collection.FindByID(ctx, op, req.Record.SessionID)
	if err != nil {
		return errors.Wrap(err, "looking up session record")
	}

	if !found {
		if err := w.collection.Insert(ctx, op, req.Record); err != nil {
			var dup *storage.DuplicateKeyError
			if errors.As(err, &dup) {
				return errutil.Markf(errutil.ErrWriteConflict,
					"concurrent insert of session record for %s", req.Record.SessionID)
			}
			return errors.Wrap(err, "inserting session record")
		}
		return op.WriteBatch.Commit(ctx)
	}

	// Re-evaluate the filter at the operation's current snapshot: another
	// writer may have raced us between the lookup above and here.
	reread, found, err := w.collection.FindByID(ctx, op, req.Record.SessionID)
	if err != nil {
		return errors.Wrap(err, "re-reading session record before replace")
	}
	if !found || reread.TxnNumber != existing.TxnNumber || reread.LastWriteOpTime != existing.LastWriteOpTime {
		return errutil.Markf(errutil.ErrWriteConflict,
			"session record for %s no longer matches the expected filter", req.Record.SessionID)
	}

	if err := w.collection.Replace(ctx, op, req.Record); err != nil {
		return errors.Wrap(err, "replacing session record")
	}

	return op.WriteBatch.Commit(ctx)
}
