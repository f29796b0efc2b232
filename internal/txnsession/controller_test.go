package txnsession

import (
	"context"
	"testing"
	"time"

	"github.com/kysonic/txnsession/internal/errutil"
	"github.com/kysonic/txnsession/internal/hlc"
	"github.com/kysonic/txnsession/internal/storage"
	"github.com/kysonic/txnsession/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

type testHarness struct {
	engine      *storagetest.Engine
	records     *storagetest.RecordStore
	logs        *storagetest.LogStore
	replication *storagetest.ReplicationObserver
	settings    *Settings
	counters    *Counters
	ctrl        *Controller
	sessionID   SessionID
}

func newHarness() *testHarness {
	h := &testHarness{
		engine:      storagetest.NewEngine(),
		records:     storagetest.NewRecordStore(),
		logs:        storagetest.NewLogStore(),
		replication: &storagetest.ReplicationObserver{},
		settings:    NewSettings(),
		counters:    &Counters{},
		sessionID:   NewSessionID(),
	}
	h.ctrl = NewController(h.sessionID, h.engine, h.records, h.records, h.logs, h.replication,
		h.settings, DefaultCommandPolicy(), h.counters)
	return h
}

func (h *testHarness) newOp(txnNumber int64) *storage.OperationContext {
	return &storage.OperationContext{
		Context:      context.Background(),
		TxnNumber:    &txnNumber,
		RecoveryUnit: h.engine.NewRecoveryUnit(),
		Locker:       h.engine.NewLocker(),
	}
}

func TestControllerUnpreparedCommitLifecycle(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)

	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "insert"))
	require.NotNil(t, op.WriteBatch)

	require.NoError(t, h.ctrl.AddOperation(op, ReplOperation{Payload: []byte("write-1")}))
	require.NoError(t, h.ctrl.Stash(op))

	// Second statement on the same transaction.
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), nil, "test", "commitTransaction"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "commitTransaction"))

	require.NoError(t, h.ctrl.CommitUnprepared(context.Background(), op))
	require.Equal(t, 1, h.replication.CommitCalls)

	snap := h.counters.Snapshot()
	require.EqualValues(t, 1, snap.TotalCommitted)
	require.EqualValues(t, 0, snap.CurrentOpen)
}

func TestControllerPreparedCommitLifecycle(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)

	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "insert"))
	require.NoError(t, h.ctrl.AddOperation(op, ReplOperation{Payload: []byte("write-1")}))

	ts, err := h.ctrl.Prepare(context.Background(), op)
	require.NoError(t, err)
	require.False(t, ts.IsEmpty())
	require.Equal(t, 1, h.replication.PrepareCalls)

	ops, err := h.ctrl.EndAndRetrieveOperations(op)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	commitTS := hlc.Timestamp{WallTime: 100}
	require.NoError(t, h.ctrl.CommitPrepared(context.Background(), op, commitTS))
	require.Equal(t, 1, h.replication.CommitCalls)
}

func TestControllerAbortActive(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)

	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "insert"))

	h.ctrl.AbortActive(op)

	snap := h.counters.Snapshot()
	require.EqualValues(t, 1, snap.TotalAborted)
	require.EqualValues(t, 0, snap.CurrentOpen)

	// A further statement against the aborted transaction is admitted (the
	// abort is reported back to the client via unstash, not admission) but
	// rejected once it tries to unstash the now-gone resources.
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), nil, "test", "insert"))
	err := h.ctrl.Unstash(context.Background(), op, "insert")
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrNoSuchTransaction))
}

func TestControllerRetryableWriteIdempotency(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)

	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, nil, nil, "test", "insert"))
	op.WriteBatch = h.engine.NewWriteBatch(op.RecoveryUnit)

	writeTime := hlc.OpTime{Timestamp: hlc.Timestamp{WallTime: 10}, Term: 1}
	require.NoError(t, h.ctrl.OnWriteCompleted(context.Background(), op, 1, []StmtID{0}, writeTime, time.Unix(0, 0)))

	// Re-applying the same statement at the same op-time is idempotent.
	h.ctrl.mu.Lock()
	h.ctrl.applyCommittedWriteLocked(1, []StmtID{0}, writeTime, time.Unix(0, 0))
	h.ctrl.mu.Unlock()

	// A genuine double-commit at a different op-time is fatal.
	otherTime := hlc.OpTime{Timestamp: hlc.Timestamp{WallTime: 20}, Term: 1}
	require.Panics(t, func() {
		h.ctrl.mu.Lock()
		defer h.ctrl.mu.Unlock()
		h.ctrl.applyCommittedWriteLocked(1, []StmtID{0}, otherTime, time.Unix(0, 0))
	})
}

func TestControllerTxnTooOldRejected(t *testing.T) {
	h := newHarness()
	op := h.newOp(5)
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 5, boolPtr(false), boolPtr(true), "test", "insert"))

	staleOp := h.newOp(3)
	err := h.ctrl.Begin(context.Background(), staleOp, 3, boolPtr(false), boolPtr(true), "test", "insert")
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrTxnTooOld))
}

func TestControllerAbortArbitraryIfExpired(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.settings.SetLifetimeLimitSeconds(1))
	op := h.newOp(1)
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))

	h.ctrl.AbortArbitraryIfExpired(time.Now())
	snap := h.counters.Snapshot()
	require.EqualValues(t, 0, snap.TotalAborted, "not yet expired")

	h.ctrl.AbortArbitraryIfExpired(time.Now().Add(2 * time.Second))
	snap = h.counters.Snapshot()
	require.EqualValues(t, 1, snap.TotalAborted)
}

func TestControllerDisallowedCommandRejected(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)
	err := h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "count")
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrOperationNotSupportedInTransaction))
}

// TestControllerStartTransactionOnActiveTxnNumberRejected covers the
// boundary where txnNumber == activeTxnNumber but startTransaction is also
// set: the transaction is already in progress, so re-asking to start it is
// rejected rather than silently accepted or treated as a new one.
func TestControllerStartTransactionOnActiveTxnNumberRejected(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))

	err := h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert")
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrConflictingOperationInProgress))
}

// TestControllerAddOperationTooLargeRejected covers the
// maxTransactionOperationBytes boundary: a buffer that grows past the
// limit is rejected with ErrTransactionTooLarge, and an operation that
// exactly fits is still accepted.
func TestControllerAddOperationTooLargeRejected(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "insert"))

	require.NoError(t, h.ctrl.AddOperation(op, ReplOperation{Payload: make([]byte, maxTransactionOperationBytes)}))

	err := h.ctrl.AddOperation(op, ReplOperation{Payload: []byte("x")})
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrTransactionTooLarge))
}

// TestControllerCommitTransactionIdempotentWhenAlreadyCommitted covers the
// law that a retried commitTransaction against an already-Committed
// transaction is a no-op success, not an ErrTransactionCommitted failure —
// Unstash's special case for cmdName == "commitTransaction".
func TestControllerCommitTransactionIdempotentWhenAlreadyCommitted(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)

	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "insert"))
	require.NoError(t, h.ctrl.AddOperation(op, ReplOperation{Payload: []byte("write-1")}))
	require.NoError(t, h.ctrl.CommitUnprepared(context.Background(), op))
	require.Equal(t, 1, h.replication.CommitCalls)

	// Retry: the client never saw the first commit's reply and resends
	// commitTransaction against the same (now Committed) transaction.
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), nil, "test", "commitTransaction"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "commitTransaction"))

	// A command other than commitTransaction still sees ErrTransactionCommitted.
	err := h.ctrl.Unstash(context.Background(), op, "insert")
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrTransactionCommitted))
}

// TestControllerAbortArbitraryNoopOnPrepared covers the law that
// AbortArbitrary never touches a Prepared transaction, since a coordinator
// may already be waiting on its vote — only an InProgress transaction is
// aborted this way.
func TestControllerAbortArbitraryNoopOnPrepared(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)

	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, boolPtr(false), boolPtr(true), "test", "insert"))
	require.NoError(t, h.ctrl.Unstash(context.Background(), op, "insert"))
	require.NoError(t, h.ctrl.AddOperation(op, ReplOperation{Payload: []byte("write-1")}))

	_, err := h.ctrl.Prepare(context.Background(), op)
	require.NoError(t, err)

	h.ctrl.AbortArbitrary()

	snap := h.counters.Snapshot()
	require.EqualValues(t, 0, snap.TotalAborted, "AbortArbitrary must not touch a Prepared transaction")

	commitTS := hlc.Timestamp{WallTime: 100}
	require.NoError(t, h.ctrl.CommitPrepared(context.Background(), op, commitTS))
}

// TestControllerRefreshAfterInvalidation covers spec.md §8 scenario 6: a
// session starting out invalidated is transparently refreshed from durable
// storage the next time it is used, recovering its active transaction
// number and committed-statement cache without the caller doing anything
// beyond calling Begin.
func TestControllerRefreshAfterInvalidation(t *testing.T) {
	h := newHarness()
	writeTime := op(30)
	h.records.Put(storage.SessionRecord{
		SessionID: h.sessionID, TxnNumber: 7, LastWriteOpTime: writeTime, LastWriteDate: time.Unix(0, 0),
	})
	h.logs.Append(storage.LogEntry{OpTime: op(10), StmtID: 0})
	h.logs.Append(storage.LogEntry{OpTime: op(20), StmtID: 1})
	h.logs.Append(storage.LogEntry{OpTime: writeTime, StmtID: 2, IsCommitMarker: true})

	h.ctrl.Invalidate()

	opCtx := h.newOp(7)
	require.NoError(t, h.ctrl.Begin(context.Background(), opCtx, 7, boolPtr(false), nil, "test", "commitTransaction"))

	h.ctrl.mu.Lock()
	require.True(t, h.ctrl.valid)
	require.EqualValues(t, 7, h.ctrl.activeTxnNumber)
	require.Equal(t, writeTime, h.ctrl.activeTxnCommittedStmts[2])
	require.Equal(t, StateCommitted, h.ctrl.state)
	h.ctrl.mu.Unlock()
}

// TestControllerOnMigrateBeginReportsAlreadyExecuted covers OnMigrateBegin:
// a statement id already present in the committed-statement cache is
// reported as already executed, and a statement id absent from it is not.
func TestControllerOnMigrateBeginReportsAlreadyExecuted(t *testing.T) {
	h := newHarness()
	op := h.newOp(1)
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, nil, nil, "test", "insert"))
	op.WriteBatch = h.engine.NewWriteBatch(op.RecoveryUnit)

	writeTime := hlc.OpTime{Timestamp: hlc.Timestamp{WallTime: 10}, Term: 1}
	require.NoError(t, h.ctrl.OnWriteCompleted(context.Background(), op, 1, []StmtID{3}, writeTime, time.Unix(0, 0)))

	executed, err := h.ctrl.OnMigrateBegin(1, 3)
	require.NoError(t, err)
	require.True(t, executed)

	executed, err = h.ctrl.OnMigrateBegin(1, 4)
	require.NoError(t, err)
	require.False(t, executed)
}

// TestControllerOnMigrateCompletedPrefersRecordedWriteDate covers the
// "recorded lastWriteDate wins" rule: OnMigrateCompleted must keep the
// transaction's own previously-recorded lastWriteDate rather than
// overwrite it with whatever the migration donor supplied, when both
// refer to the same transaction number.
func TestControllerOnMigrateCompletedPrefersRecordedWriteDate(t *testing.T) {
	h := newHarness()
	recordedWriteDate := time.Unix(1000, 0)

	op := h.newOp(1)
	require.NoError(t, h.ctrl.Begin(context.Background(), op, 1, nil, nil, "test", "insert"))
	op.WriteBatch = h.engine.NewWriteBatch(op.RecoveryUnit)
	writeTime1 := hlc.OpTime{Timestamp: hlc.Timestamp{WallTime: 10}, Term: 1}
	require.NoError(t, h.ctrl.OnWriteCompleted(context.Background(), op, 1, []StmtID{0}, writeTime1, recordedWriteDate))

	migrateOp := h.newOp(1)
	migrateOp.WriteBatch = h.engine.NewWriteBatch(migrateOp.RecoveryUnit)
	donorWriteDate := time.Unix(2000, 0)
	writeTime2 := hlc.OpTime{Timestamp: hlc.Timestamp{WallTime: 20}, Term: 1}
	require.NoError(t, h.ctrl.OnMigrateCompleted(context.Background(), migrateOp, 1, []StmtID{1}, writeTime2, donorWriteDate))

	rec, found, err := h.records.FindOne(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.LastWriteDate.Equal(recordedWriteDate), "recorded lastWriteDate must win over the donor-supplied one")
}
