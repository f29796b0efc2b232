package txnsession

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/kysonic/txnsession/internal/errutil"
	"github.com/kysonic/txnsession/internal/hlc"
	"github.com/kysonic/txnsession/internal/log"
	"github.com/kysonic/txnsession/internal/storage"
)

// activeTransactionHistory is the read-only reconstruction of spec.md §4.3,
// grounded on session.cpp's fetchActiveTransactionHistory/
// ActiveTransactionHistory.
type activeTransactionHistory struct {
	lastTxnRecord        *storage.SessionRecord
	committedStatements  map[StmtID]hlc.OpTime
	transactionCommitted bool
	hasIncompleteHistory bool
}

// fetchActiveTransactionHistory reads the last persisted session record by
// session id and walks the prior-write chain backward through the durable
// log, exactly as session.cpp's function of the same name does.
//
// Discovering the same statement id twice at two different positions during
// the walk is fatal, per spec.md §4.3/§4.5.6/§8: it indicates the same
// double-execution corruption the write-completion hook guards against, and
// is logged as such rather than returned as an error.
func fetchActiveTransactionHistory(
	ctx context.Context, store storage.SessionRecordStore, logs storage.LogStore, sessionID SessionID,
) (activeTransactionHistory, error) {
	var result activeTransactionHistory
	result.committedStatements = make(map[StmtID]hlc.OpTime)

	record, ok, err := store.FindOne(ctx, sessionID)
	if err != nil {
		return result, errors.Wrap(err, "fetching last session record")
	}
	if !ok {
		return result, nil
	}
	result.lastTxnRecord = &record

	it := logs.IteratorFrom(record.LastWriteOpTime)
	for it.HasNext() {
		entry, err := it.Next(ctx)
		if err != nil {
			if errutil.Is(err, errutil.ErrIncompleteTransactionHistory) {
				result.hasIncompleteHistory = true
				break
			}
			return result, errors.Wrap(err, "walking transaction history")
		}

		if entry.StmtID == IncompleteHistoryStmtID {
			// Only the dead-end sentinel can carry this id.
			result.hasIncompleteHistory = true
			continue
		}

		if existing, seen := result.committedStatements[entry.StmtID]; seen {
			if existing != entry.OpTime {
				log.Fatalf("statement id %d from session %s was committed once at %s and a second "+
					"time at %s: this indicates data corruption or a server bug",
					redact.Safe(entry.StmtID), redact.Safe(sessionID), existing, entry.OpTime)
			}
		} else {
			result.committedStatements[entry.StmtID] = entry.OpTime
		}

		if entry.IsCommitMarker {
			result.transactionCommitted = true
		}
	}

	return result, nil
}
