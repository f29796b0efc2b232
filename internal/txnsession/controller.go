package txnsession

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/kysonic/txnsession/internal/errutil"
	"github.com/kysonic/txnsession/internal/fsm"
	"github.com/kysonic/txnsession/internal/hlc"
	"github.com/kysonic/txnsession/internal/log"
	"github.com/kysonic/txnsession/internal/storage"
	"github.com/kysonic/txnsession/internal/syncutil"
)

// maxTransactionOperationBytes caps the buffered uncommitted-operations size
// (spec.md §4.5.8), restored from session.cpp's use of
// BSONObjMaxInternalSize as the transaction operations size limit.
const maxTransactionOperationBytes = 16*1024*1024 + 16*1024

// ReplOperation is one buffered write awaiting prepare/commit (spec.md
// §4.5.8). Payload is opaque to the controller; callers use it however their
// replication layer represents a logged write.
type ReplOperation struct {
	Payload []byte
}

// Controller is the per-session transaction controller (spec.md §2, §4.5):
// the finite state machine plus everything that reads or writes it.
// Grounded on session.cpp's Session class, written in the shape of
// pkg/kv/txn.go's Txn — a mutex-guarded struct whose methods validate state
// under the lock and do I/O (replication upcalls, storage writes) with the
// lock released.
type Controller struct {
	sessionID SessionID

	engine      storage.Engine
	records     *recordWriter
	history     storage.SessionRecordStore
	logs        storage.LogStore
	replication storage.ReplicationObserver
	settings    *Settings
	policy      CommandPolicy
	counters    *Counters

	mu syncutil.Mutex

	state           fsm.State
	activeTxnNumber TxnNumber
	autocommit      bool

	valid            bool
	numInvalidations int64

	lastWrittenSessionRecord  *storage.SessionRecord
	activeTxnCommittedStmts   map[StmtID]hlc.OpTime
	hasIncompleteHistory      bool
	speculativeReadTimestamp  hlc.Timestamp
	transactionExpireDate     time.Time
	singleTxnStats            *singleTransactionStats
	lastClientInfo            storage.ClientInfo
	txnResourceStash          *txnResources
	transactionOperations     []ReplOperation
	transactionOperationBytes int
}

// NewController wires a fresh session controller over its storage
// dependencies. state starts at None with no active transaction, matching a
// freshly-created (not yet refreshed) Session.
func NewController(
	sessionID SessionID,
	engine storage.Engine,
	collection storage.SessionRecordCollection,
	history storage.SessionRecordStore,
	logs storage.LogStore,
	replication storage.ReplicationObserver,
	settings *Settings,
	policy CommandPolicy,
	counters *Counters,
) *Controller {
	return &Controller{
		sessionID:       sessionID,
		engine:          engine,
		records:         newRecordWriter(collection),
		history:         history,
		logs:            logs,
		replication:     replication,
		settings:        settings,
		policy:          policy,
		counters:        counters,
		state:           StateNone,
		activeTxnNumber: UninitializedTxnNumber,
		valid:           true,
	}
}

func inMultiDocumentTransaction(s fsm.State) bool {
	switch s {
	case StateInProgress, StatePrepared, StateCommittingWithoutPrepare, StateCommittingWithPrepare:
		return true
	default:
		return false
	}
}

// transitionLocked drives the fsm.Table in Strict mode; an illegal
// transition is a programmer error and fatal (spec.md §4.1), never returned
// to a caller. Callers must hold mu.
func (c *Controller) transitionLocked(to fsm.State) {
	next, err := TxnStateTransitions.TransitionTo(c.state, to, fsm.Strict)
	if err != nil {
		log.Fatalf("session %s: %v", redact.Safe(c.sessionID), err)
	}
	c.state = next
}

func (c *Controller) checkValidLocked() error {
	if !c.valid {
		return errutil.Markf(errutil.ErrConflictingOperationInProgressMidOp,
			"session %s was invalidated and must be refreshed before use", c.sessionID)
	}
	return nil
}

// checkIsActiveTransactionLocked validates that txnNumber still names the
// active transaction, optionally also rejecting an already-aborted one.
func (c *Controller) checkIsActiveTransactionLocked(txnNumber TxnNumber, checkAbort bool) error {
	if err := c.checkValidLocked(); err != nil {
		return err
	}
	if txnNumber != c.activeTxnNumber {
		return errutil.Markf(errutil.ErrConflictingOperationInProgress,
			"cannot perform operations on transaction %d on session %s because transaction %d is now active",
			txnNumber, c.sessionID, c.activeTxnNumber)
	}
	if checkAbort && c.state == StateAborted {
		return errutil.Markf(errutil.ErrNoSuchTransaction, "transaction %d has been aborted", txnNumber)
	}
	return nil
}

// setActiveTxnLocked installs txnNumber as the active transaction, aborting
// whatever multi-statement transaction (if any) was in progress under the
// old number and resetting all per-transaction bookkeeping to None — the
// common prologue of every path that advances the active transaction
// number, grounded on session.cpp's Session::_setActiveTxn.
func (c *Controller) setActiveTxnLocked(txnNumber TxnNumber) {
	if c.state == StateInProgress {
		c.abortTransactionLocked()
	}
	c.activeTxnNumber = txnNumber
	c.activeTxnCommittedStmts = nil
	c.hasIncompleteHistory = false
	c.speculativeReadTimestamp = hlc.Timestamp{}
	c.singleTxnStats = nil
	c.transitionLocked(StateNone)
}

// abortTransactionLocked is the common body of every abort path (spec.md
// §4.5.7's `_abort`): drops and destroys the stash if any, clears the
// buffered operations, and transitions to Aborted.
func (c *Controller) abortTransactionLocked() {
	if c.txnResourceStash != nil {
		c.counters.decrCurrentInactive()
	} else {
		c.counters.decrCurrentActive()
	}

	if c.txnResourceStash != nil {
		c.txnResourceStash.destroy(c.engine)
		c.txnResourceStash = nil
	}
	c.transactionOperations = nil
	c.transactionOperationBytes = 0

	c.transitionLocked(StateAborted)
	c.speculativeReadTimestamp = hlc.Timestamp{}
	c.counters.incrTotalAborted()

	if c.singleTxnStats != nil {
		now := time.Now()
		c.singleTxnStats.setEndTime(now)
		c.singleTxnStats.setInactive(now)
	}
	c.counters.decrCurrentOpen()
}

// ---- Admission (spec.md §4.5.1) ----

// Begin validates and, if necessary, applies a (txnNumber, autocommit,
// startTransaction) triple against the session's active transaction,
// starting a new multi-statement transaction or retryable write as needed.
// A direct/loopback client bypasses admission entirely.
func (c *Controller) Begin(
	ctx context.Context, op *storage.OperationContext, txnNumber TxnNumber,
	autocommit, startTransaction *bool, dbName, cmdName string,
) error {
	if op.IsDirectClient {
		return nil
	}

	if autocommit != nil && !c.policy.allows(dbName, cmdName) {
		return errutil.Markf(errutil.ErrOperationNotSupportedInTransaction,
			"cannot run %q against database %q in a multi-document transaction", cmdName, dbName)
	}

	if err := c.refreshIfNeeded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginOrContinueLocked(txnNumber, autocommit, startTransaction)
}

func (c *Controller) beginOrContinueLocked(txnNumber TxnNumber, autocommit, startTransaction *bool) error {
	if err := c.checkValidLocked(); err != nil {
		return err
	}

	if txnNumber < c.activeTxnNumber {
		return errutil.Markf(errutil.ErrTxnTooOld,
			"cannot start transaction %d on session %s because a newer transaction %d has already started",
			txnNumber, c.sessionID, c.activeTxnNumber)
	}

	if txnNumber == c.activeTxnNumber {
		if startTransaction != nil {
			return errutil.Markf(errutil.ErrConflictingOperationInProgress,
				"cannot specify startTransaction on transaction %d since it is already in progress", txnNumber)
		}

		if c.state == StateNone {
			if autocommit != nil {
				return errutil.Markf(errutil.ErrInvalidOptions,
					"autocommit may not be specified on an operation not inside a multi-statement transaction")
			}
			return nil
		}

		// An operation continuing a multi-statement transaction.
		if autocommit == nil || *autocommit {
			return errutil.Markf(errutil.ErrInvalidOptions,
				"autocommit=false must be specified on all operations of a multi-statement transaction")
		}
		if c.state == StateInProgress && c.txnResourceStash == nil {
			// Abandoned mid-statement by a client that never came back.
			c.abortTransactionLocked()
			return errutil.Markf(errutil.ErrNoSuchTransaction, "transaction %d has been aborted", txnNumber)
		}
		return nil
	}

	// txnNumber > activeTxnNumber: this operation starts something new.
	if autocommit != nil {
		if *autocommit {
			return errutil.Markf(errutil.ErrInvalidOptions, "autocommit=true is not supported for transaction %d", txnNumber)
		}
		if startTransaction == nil {
			return errutil.Markf(errutil.ErrNoSuchTransaction,
				"given transaction number %d does not match any in-progress transactions", txnNumber)
		}

		c.setActiveTxnLocked(txnNumber)
		c.autocommit = false
		c.transitionLocked(StateInProgress)

		now := time.Now()
		c.singleTxnStats = newSingleTransactionStats(now)
		c.transactionExpireDate = now.Add(c.settings.LifetimeLimit())
		c.counters.incrTotalStarted()
		c.counters.incrCurrentOpen()
		c.counters.incrCurrentActive()
	} else {
		if startTransaction != nil {
			return errutil.Markf(errutil.ErrInvalidOptions, "startTransaction is not allowed without autocommit=false")
		}
		c.setActiveTxnLocked(txnNumber)
		c.autocommit = true
	}

	if len(c.transactionOperations) != 0 {
		log.Fatalf("operation buffer not empty after starting transaction %d on session %s", redact.Safe(txnNumber), redact.Safe(c.sessionID))
	}

	return nil
}

// ---- Stash / unstash (spec.md §4.5.2) ----

// Stash parks op's Transaction Resources in the session, if a multi-document
// transaction is in progress. It is a no-op for retryable writes and for a
// session already past InProgress into Committed/Aborted.
func (c *Controller) Stash(op *storage.OperationContext) error {
	if op.IsDirectClient {
		return nil
	}
	if op.TxnNumber == nil {
		return errors.New("stash requires an operation bound to a txn number")
	}

	if op.Client != nil {
		op.Client.Lock()
		defer op.Client.Unlock()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIsActiveTransactionLocked(*op.TxnNumber, false); err != nil {
		return err
	}
	if !inMultiDocumentTransaction(c.state) {
		return nil
	}

	now := time.Now()
	if c.singleTxnStats != nil {
		c.singleTxnStats.setInactive(now)
		c.singleTxnStats.updateLastClientInfo(op.ClientInfo)
	}

	if c.txnResourceStash != nil {
		log.Fatalf("stash called while a stash already exists for session %s", redact.Safe(c.sessionID))
	}
	c.txnResourceStash = captureTxnResources(c.engine, op, c.settings.MaxLockRequestTimeout())

	c.counters.decrCurrentActive()
	c.counters.incrCurrentInactive()
	c.lastClientInfo = op.ClientInfo

	return nil
}

// Unstash restores previously stashed Transaction Resources onto op, or
// prepares a brand-new write-batch if this is the transaction's first
// statement. cmdName lets a commitTransaction retry past a Committed state
// that any other command would reject.
func (c *Controller) Unstash(ctx context.Context, op *storage.OperationContext, cmdName string) error {
	if op.IsDirectClient {
		return nil
	}
	if op.TxnNumber == nil {
		return errors.New("unstash requires an operation bound to a txn number")
	}

	var needSnapshot bool
	var lockTimeout time.Duration

	err := func() error {
		if op.Client != nil {
			op.Client.Lock()
			defer op.Client.Unlock()
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.checkIsActiveTransactionLocked(*op.TxnNumber, false); err != nil {
			return err
		}

		if c.state == StateNone {
			if c.txnResourceStash != nil {
				log.Fatalf("unexpected stash present with no active transaction on session %s", redact.Safe(c.sessionID))
			}
			return nil
		}
		if c.state == StateAborted {
			return errutil.Markf(errutil.ErrNoSuchTransaction, "transaction %d has been aborted", *op.TxnNumber)
		}
		if c.state == StateCommitted && cmdName != "commitTransaction" {
			return errutil.Markf(errutil.ErrTransactionCommitted, "transaction %d has been committed", *op.TxnNumber)
		}

		if c.txnResourceStash != nil {
			if !op.ReadConcern.IsEmpty() {
				return errutil.Markf(errutil.ErrInvalidOptions,
					"only the first command in a transaction may specify a readConcern")
			}
			if err := c.txnResourceStash.release(ctx, c.engine, op); err != nil {
				return err
			}
			c.txnResourceStash = nil

			c.counters.incrCurrentActive()
			c.counters.decrCurrentInactive()
			if c.singleTxnStats != nil {
				c.singleTxnStats.setActive(time.Now())
			}
			return nil
		}

		if c.state == StatePrepared {
			log.Fatalf("prepared transaction %d on session %s has no stashed resources", redact.Safe(*op.TxnNumber), redact.Safe(c.sessionID))
		}
		if c.state != StateInProgress {
			// Mid-commit with the batch already detached from the stash;
			// nothing to do.
			return nil
		}

		// First statement of a brand-new multi-statement transaction.
		op.WriteBatch = c.engine.NewWriteBatch(op.RecoveryUnit)
		if c.singleTxnStats != nil {
			c.singleTxnStats.setActive(time.Now())
		}
		lockTimeout = c.settings.MaxLockRequestTimeout()
		needSnapshot = true
		return nil
	}()
	if err != nil {
		return err
	}

	if needSnapshot {
		if lockTimeout > 0 {
			op.Locker.SetLockTimeout(lockTimeout)
		}
		if err := op.Locker.LockGlobalIntentExclusive(ctx); err != nil {
			return errors.Wrap(err, "acquiring global intent-exclusive lock")
		}
		if err := op.RecoveryUnit.PreallocateSnapshot(ctx); err != nil {
			return errors.Wrap(err, "preallocating transaction snapshot")
		}
		if readTS, ok := op.RecoveryUnit.PointInTimeReadTimestamp(); ok {
			c.mu.Lock()
			if c.activeTxnNumber == *op.TxnNumber {
				c.speculativeReadTimestamp = readTS
			}
			c.mu.Unlock()
		}
		fireHangAfterPreallocateSnapshot()
	}

	return nil
}

// ---- Prepare / commit (spec.md §4.5.3, §4.5.4) ----

// Prepare transitions the transaction bound to op into Prepared, invokes the
// replication observer's OnPrepare upcall with the session mutex released,
// and returns the prepare timestamp. Any failure aborts the transaction.
func (c *Controller) Prepare(ctx context.Context, op *storage.OperationContext) (hlc.Timestamp, error) {
	if op.TxnNumber == nil {
		return hlc.Timestamp{}, errors.New("prepare requires an operation bound to a txn number")
	}
	txnNumber := *op.TxnNumber

	ts, err := c.prepareInternal(ctx, op, txnNumber)
	if err != nil {
		c.AbortActive(op)
		return hlc.Timestamp{}, err
	}
	return ts, nil
}

func (c *Controller) prepareInternal(ctx context.Context, op *storage.OperationContext, txnNumber TxnNumber) (hlc.Timestamp, error) {
	c.mu.Lock()
	if err := c.checkIsActiveTransactionLocked(txnNumber, true); err != nil {
		c.mu.Unlock()
		return hlc.Timestamp{}, err
	}
	if c.state != StateInProgress {
		c.mu.Unlock()
		return hlc.Timestamp{}, errutil.Markf(errutil.ErrInvalidOptions,
			"cannot prepare transaction %d in state %s", txnNumber, stateString(c.state))
	}
	c.transitionLocked(StatePrepared)
	c.mu.Unlock()

	if err := c.replication.OnPrepare(ctx, op); err != nil {
		return hlc.Timestamp{}, err
	}

	c.mu.Lock()
	if err := c.checkIsActiveTransactionLocked(txnNumber, true); err != nil {
		c.mu.Unlock()
		return hlc.Timestamp{}, err
	}
	if c.state != StatePrepared {
		c.mu.Unlock()
		return hlc.Timestamp{}, errors.AssertionFailedf(
			"expected transaction %d on session %s to still be Prepared after onPrepare, got %s",
			txnNumber, c.sessionID, stateString(c.state))
	}
	c.mu.Unlock()

	if op.WriteBatch == nil {
		return hlc.Timestamp{}, errors.New("prepare called with no write-batch bound to the operation")
	}
	return op.WriteBatch.Prepare(ctx)
}

// CommitUnprepared commits a transaction that was never prepared (the
// single-shard fast path, spec.md §4.5.4).
func (c *Controller) CommitUnprepared(ctx context.Context, op *storage.OperationContext) error {
	if op.TxnNumber == nil {
		return errors.New("commitUnprepared requires an operation bound to a txn number")
	}
	txnNumber := *op.TxnNumber

	c.mu.Lock()
	if c.state == StatePrepared {
		c.mu.Unlock()
		return errutil.Markf(errutil.ErrInvalidOptions,
			"commitTransaction must provide a commitTimestamp for a prepared transaction")
	}
	if err := c.checkIsActiveTransactionLocked(txnNumber, true); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state != StateInProgress {
		c.mu.Unlock()
		return errutil.Markf(errutil.ErrInvalidOptions,
			"cannot commit transaction %d in state %s", txnNumber, stateString(c.state))
	}
	c.transitionLocked(StateCommittingWithoutPrepare)
	c.mu.Unlock()

	if err := c.replication.OnCommit(ctx, op, false); err != nil {
		c.AbortActive(op)
		return err
	}

	c.mu.Lock()
	if err := c.checkIsActiveTransactionLocked(txnNumber, true); err != nil {
		c.mu.Unlock()
		c.AbortActive(op)
		return err
	}
	c.mu.Unlock()

	return c.commitInternal(op, txnNumber)
}

// CommitPrepared commits a transaction previously returned by Prepare, at
// commitTimestamp (spec.md §4.5.4).
func (c *Controller) CommitPrepared(ctx context.Context, op *storage.OperationContext, commitTimestamp hlc.Timestamp) error {
	if op.TxnNumber == nil {
		return errors.New("commitPrepared requires an operation bound to a txn number")
	}
	if commitTimestamp.IsEmpty() {
		return errutil.Markf(errutil.ErrInvalidOptions, "commitTimestamp cannot be null for a prepared transaction")
	}
	txnNumber := *op.TxnNumber

	c.mu.Lock()
	if c.state != StatePrepared {
		c.mu.Unlock()
		return errutil.Markf(errutil.ErrInvalidOptions,
			"commitTransaction cannot provide a commitTimestamp for an unprepared transaction")
	}
	if err := c.checkIsActiveTransactionLocked(txnNumber, true); err != nil {
		c.mu.Unlock()
		return err
	}
	c.transitionLocked(StateCommittingWithPrepare)
	c.mu.Unlock()

	op.RecoveryUnit.SetCommitTimestamp(commitTimestamp)

	if err := c.replication.OnCommit(ctx, op, true); err != nil {
		c.AbortActive(op)
		return err
	}

	c.mu.Lock()
	if err := c.checkIsActiveTransactionLocked(txnNumber, true); err != nil {
		c.mu.Unlock()
		c.AbortActive(op)
		return err
	}
	c.mu.Unlock()

	return c.commitInternal(op, txnNumber)
}

// commitInternal performs the storage commit and the terminal state
// transition, grounded on session.cpp's _commitTransaction. If the batch
// commit itself fails, the transaction is left Aborted rather than retried.
func (c *Controller) commitInternal(op *storage.OperationContext, txnNumber TxnNumber) error {
	if op.WriteBatch == nil {
		return errors.New("commit called with no write-batch bound to the operation")
	}

	if err := op.WriteBatch.Commit(op.Context); err != nil {
		c.mu.Lock()
		if c.activeTxnNumber == txnNumber {
			c.abortTransactionLocked()
		}
		c.mu.Unlock()
		op.WriteBatch = nil
		op.RecoveryUnit = c.engine.NewRecoveryUnit()
		op.Locker.ClearLockTimeout()
		return errors.Wrap(err, "committing transaction write-batch")
	}
	op.WriteBatch = nil

	c.mu.Lock()
	// Advance the client's replication-tracking op-time forward to the
	// transaction's speculative read timestamp for majority/snapshot reads:
	// if the transaction wrote nothing, its own writes never moved that
	// op-time forward, so a caller waiting on write concern after commit
	// would otherwise not wait long enough to observe what it read.
	if op.ClientLastOp != nil && !c.speculativeReadTimestamp.IsEmpty() &&
		(op.ReadConcern.Level == storage.ReadConcernMajority || op.ReadConcern.Level == storage.ReadConcernSnapshot) &&
		op.ClientLastOp.Less(c.speculativeReadTimestamp) {
		*op.ClientLastOp = c.speculativeReadTimestamp
	}

	c.transitionLocked(StateCommitted)
	c.counters.incrTotalCommitted()
	c.counters.decrCurrentOpen()
	c.counters.decrCurrentActive()

	now := time.Now()
	if c.singleTxnStats != nil {
		c.singleTxnStats.setEndTime(now)
		c.singleTxnStats.setInactive(now)
		c.singleTxnStats.updateLastClientInfo(op.ClientInfo)
	}
	c.mu.Unlock()

	op.RecoveryUnit = c.engine.NewRecoveryUnit()
	op.Locker.ClearLockTimeout()

	return nil
}

// ---- Refresh / invalidate (spec.md §4.5.5) ----

// refreshIfNeeded reloads state from the durable session record and log
// whenever the session has been invalidated, retrying if a concurrent
// invalidation raced the refresh.
func (c *Controller) refreshIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	for !c.valid {
		generation := c.numInvalidations
		c.mu.Unlock()

		hist, err := fetchActiveTransactionHistory(ctx, c.history, c.logs, c.sessionID)
		if err != nil {
			return err
		}

		c.mu.Lock()
		if c.valid || c.numInvalidations != generation {
			// Refreshed, or invalidated again concurrently: loop (or exit).
			continue
		}

		c.valid = true
		c.lastWrittenSessionRecord = hist.lastTxnRecord
		if hist.lastTxnRecord != nil {
			c.activeTxnNumber = hist.lastTxnRecord.TxnNumber
			c.activeTxnCommittedStmts = hist.committedStatements
			c.hasIncompleteHistory = hist.hasIncompleteHistory
			if hist.transactionCommitted {
				c.transitionLocked2Relaxed(StateCommitted)
			}
		}
	}
	c.mu.Unlock()
	return nil
}

// transitionLocked2Relaxed drives the fsm.Table in Relaxed mode, used only
// when rehydrating from durable storage: the persisted end-state may have
// been reached via a path this in-memory machine never traversed.
func (c *Controller) transitionLocked2Relaxed(to fsm.State) {
	next, _ := TxnStateTransitions.TransitionTo(c.state, to, fsm.Relaxed)
	c.state = next
}

// Invalidate marks the session's in-memory view stale, forcing the next
// refreshIfNeeded to re-derive it from durable storage (spec.md §4.5.5).
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.numInvalidations++
	c.lastWrittenSessionRecord = nil
	c.activeTxnNumber = UninitializedTxnNumber
	c.activeTxnCommittedStmts = nil
	c.hasIncompleteHistory = false
	c.speculativeReadTimestamp = hlc.Timestamp{}
}

// ---- Write completion (spec.md §4.5.6) ----

// OnWriteCompleted records a retryable write's statement ids as committed,
// once the surrounding write-batch actually commits. txnNumber is the
// write's own transaction number, which may be ahead of the session's
// currently active one (a racing write observed out of order).
func (c *Controller) OnWriteCompleted(
	ctx context.Context, op *storage.OperationContext, txnNumber TxnNumber,
	stmtIDs []StmtID, writeOpTime hlc.OpTime, writeDate time.Time,
) error {
	c.mu.Lock()
	for _, id := range stmtIDs {
		if existing, seen := c.activeTxnCommittedStmts[id]; seen && existing != writeOpTime {
			sessionID := c.sessionID
			c.mu.Unlock()
			log.Fatalf("statement id %d from transaction [%s:%d] committed once at %s and again at %s",
				redact.Safe(id), redact.Safe(sessionID), redact.Safe(txnNumber), existing, writeOpTime)
			return nil
		}
	}
	c.mu.Unlock()

	if closeConnection, failBeforeCommit := firePrimaryTransactionalWrite(); failBeforeCommit != nil {
		_ = closeConnection // connection teardown is a transport concern outside this package
		return failBeforeCommit
	}

	// The hook must be registered before persist runs: persist's own final
	// step commits the write-batch, which fires whatever OnCommit hooks are
	// registered on it at that point. Registering afterward would be too
	// late — the cache would never see the write it is conditioned on.
	op.RecoveryUnit.OnCommit(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.applyCommittedWriteLocked(txnNumber, stmtIDs, writeOpTime, writeDate)
	})

	req := storage.UpdateRequest{Record: storage.SessionRecord{
		SessionID:       c.sessionID,
		TxnNumber:       txnNumber,
		LastWriteOpTime: writeOpTime,
		LastWriteDate:   writeDate,
	}}
	if err := c.records.persist(ctx, op, req); err != nil {
		return err
	}
	c.counters.incrTransactionsCollectionWrites()

	return nil
}

func (c *Controller) applyCommittedWriteLocked(txnNumber TxnNumber, stmtIDs []StmtID, writeOpTime hlc.OpTime, writeDate time.Time) {
	if txnNumber > c.activeTxnNumber {
		c.setActiveTxnLocked(txnNumber)
	}

	if c.lastWrittenSessionRecord == nil || c.lastWrittenSessionRecord.TxnNumber <= txnNumber {
		c.lastWrittenSessionRecord = &storage.SessionRecord{
			SessionID:       c.sessionID,
			TxnNumber:       txnNumber,
			LastWriteOpTime: writeOpTime,
			LastWriteDate:   writeDate,
		}
	}

	if c.activeTxnCommittedStmts == nil {
		c.activeTxnCommittedStmts = make(map[StmtID]hlc.OpTime)
	}
	for _, id := range stmtIDs {
		if id == IncompleteHistoryStmtID {
			continue
		}
		if existing, seen := c.activeTxnCommittedStmts[id]; seen {
			if existing != writeOpTime {
				log.Fatalf("statement id %d from session %s committed at %s and again at %s",
					redact.Safe(id), redact.Safe(c.sessionID), existing, writeOpTime)
			}
			continue
		}
		c.activeTxnCommittedStmts[id] = writeOpTime
	}
}

// beginOrContinueOnMigration advances the active transaction number with no
// admission checks beyond validity and monotonicity, for use by chunk
// migration donors replaying a session's writes on the recipient (spec.md
// §4.5.6, §9 "migration lastWriteDate rule").
func (c *Controller) beginOrContinueOnMigration(txnNumber TxnNumber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkValidLocked(); err != nil {
		return err
	}
	if txnNumber < c.activeTxnNumber {
		return errutil.Markf(errutil.ErrTxnTooOld,
			"migration replay transaction %d is older than active transaction %d", txnNumber, c.activeTxnNumber)
	}
	if txnNumber == c.activeTxnNumber {
		return nil
	}
	c.setActiveTxnLocked(txnNumber)
	return nil
}

// OnMigrateBegin advances the session's active transaction number to
// txnNumber (if needed) and reports whether stmtID was already executed.
// An ErrIncompleteTransactionHistory is tolerated by treating the statement
// as already-executed, except for the dead-end sentinel itself.
func (c *Controller) OnMigrateBegin(txnNumber TxnNumber, stmtID StmtID) (alreadyExecuted bool, err error) {
	if err := c.beginOrContinueOnMigration(txnNumber); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIsActiveTransactionLocked(txnNumber, false); err != nil {
		return false, err
	}
	if c.hasIncompleteHistory {
		if stmtID == IncompleteHistoryStmtID {
			return false, nil
		}
		return true, nil
	}
	_, executed := c.activeTxnCommittedStmts[stmtID]
	return executed, nil
}

// OnMigrateCompleted persists a migration-replayed write's session record,
// preferring the transaction's own already-recorded lastWriteDate (if any)
// over the donor-supplied one, then applies the write to the in-memory
// statement cache on storage commit exactly as OnWriteCompleted does.
func (c *Controller) OnMigrateCompleted(
	ctx context.Context, op *storage.OperationContext, txnNumber TxnNumber,
	stmtIDs []StmtID, writeOpTime hlc.OpTime, donorWriteDate time.Time,
) error {
	c.mu.Lock()
	if err := c.checkValidLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.checkIsActiveTransactionLocked(txnNumber, false); err != nil {
		c.mu.Unlock()
		return err
	}
	writeDate := donorWriteDate
	if c.lastWrittenSessionRecord != nil && c.lastWrittenSessionRecord.TxnNumber == txnNumber &&
		!c.lastWrittenSessionRecord.LastWriteDate.IsZero() {
		writeDate = c.lastWrittenSessionRecord.LastWriteDate
	}
	c.mu.Unlock()

	// Registered before persist: persist's final step commits the
	// write-batch, which is what fires this hook.
	op.RecoveryUnit.OnCommit(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.applyCommittedWriteLocked(txnNumber, stmtIDs, writeOpTime, writeDate)
	})

	req := storage.UpdateRequest{Record: storage.SessionRecord{
		SessionID:       c.sessionID,
		TxnNumber:       txnNumber,
		LastWriteOpTime: writeOpTime,
		LastWriteDate:   writeDate,
	}}
	if err := c.records.persist(ctx, op, req); err != nil {
		return err
	}
	c.counters.incrTransactionsCollectionWrites()

	return nil
}

// ---- Abort (spec.md §4.5.7) ----

// AbortActive aborts and wipes the transaction bound to op, installing a
// fresh recovery unit and disarming lock timeouts. Safe to call with an
// empty (no writes performed) write-batch, and a no-op outside a
// multi-document transaction.
func (c *Controller) AbortActive(op *storage.OperationContext) {
	c.mu.Lock()
	if !inMultiDocumentTransaction(c.state) {
		c.mu.Unlock()
		return
	}
	c.abortTransactionLocked()
	c.mu.Unlock()

	if op.WriteBatch != nil {
		op.WriteBatch.Abort()
		op.WriteBatch = nil
	}
	op.RecoveryUnit = c.engine.NewRecoveryUnit()
	op.Locker.ClearLockTimeout()
}

// AbortArbitrary aborts the session's transaction regardless of which
// operation (if any) currently holds it, but only while InProgress — a
// Prepared transaction is never aborted this way since a coordinator may
// already be waiting on its vote.
func (c *Controller) AbortArbitrary() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInProgress {
		return
	}
	c.abortTransactionLocked()
}

// AbortArbitraryIfExpired aborts an InProgress transaction whose
// transactionExpireDate has passed as of now (spec.md §6's periodic reaper).
func (c *Controller) AbortArbitraryIfExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transactionExpireDate.IsZero() || now.Before(c.transactionExpireDate) {
		return
	}
	if c.state != StateInProgress {
		return
	}
	c.abortTransactionLocked()
}

// ---- Operation buffer (spec.md §4.5.8) ----

// AddOperation appends operation to the buffer of writes awaiting
// prepare/commit, rejecting once the running total exceeds
// maxTransactionOperationBytes.
func (c *Controller) AddOperation(op *storage.OperationContext, operation ReplOperation) error {
	if op.TxnNumber == nil {
		return errors.New("addOperation requires an operation bound to a txn number")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIsActiveTransactionLocked(*op.TxnNumber, true); err != nil {
		return err
	}
	if c.state != StateInProgress {
		log.Fatalf("addOperation called while session %s is in state %s, not InProgress",
			redact.Safe(c.sessionID), stateString(c.state))
	}

	c.transactionOperations = append(c.transactionOperations, operation)
	c.transactionOperationBytes += len(operation.Payload)
	if c.transactionOperationBytes > maxTransactionOperationBytes {
		return errutil.Markf(errutil.ErrTransactionTooLarge,
			"total size of all transaction operations must be less than %d bytes, actual size is %d",
			maxTransactionOperationBytes, c.transactionOperationBytes)
	}
	return nil
}

// EndAndRetrieveOperations detaches and returns the buffered operations,
// called once at prepare or at one-phase commit.
func (c *Controller) EndAndRetrieveOperations(op *storage.OperationContext) ([]ReplOperation, error) {
	if op.TxnNumber == nil {
		return nil, errors.New("endAndRetrieveOperations requires an operation bound to a txn number")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIsActiveTransactionLocked(*op.TxnNumber, true); err != nil {
		return nil, err
	}
	if c.state != StatePrepared && c.state != StateCommittingWithoutPrepare {
		log.Fatalf("endAndRetrieveOperations called while session %s is in state %s",
			redact.Safe(c.sessionID), stateString(c.state))
	}

	ops := c.transactionOperations
	c.transactionOperations = nil
	c.transactionOperationBytes = 0
	return ops, nil
}

// ---- Reporting (spec.md §6) ----

// ReportStashed renders the currentOp-equivalent report for a stashed
// transaction, or ok=false if nothing is currently stashed.
func (c *Controller) ReportStashed(now time.Time) (report transactionReport, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnResourceStash == nil {
		return transactionReport{}, false
	}
	return c.reportLocked(now, true), true
}

// ReportUnstashed renders the currentOp-equivalent report for the operation
// currently holding the transaction's resources, or ok=false if the
// transaction is stashed (or there is none).
func (c *Controller) ReportUnstashed(now time.Time) (report transactionReport, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnResourceStash != nil || !inMultiDocumentTransaction(c.state) {
		return transactionReport{}, false
	}
	return c.reportLocked(now, false), true
}

func (c *Controller) reportLocked(now time.Time, stashed bool) transactionReport {
	r := transactionReport{
		SessionID:  c.sessionID,
		TxnNumber:  c.activeTxnNumber,
		Autocommit: c.autocommit,
		ReadTime:   c.speculativeReadTimestamp,
		Stashed:    stashed,
	}
	if stashed && c.txnResourceStash != nil {
		r.ReadConcern = c.txnResourceStash.readConcern
	}
	if c.singleTxnStats != nil {
		r.StartTime = c.singleTxnStats.startTime
		r.TimeOpen = c.singleTxnStats.duration(now)
		active, inactive := c.singleTxnStats.activeMicros, c.singleTxnStats.inactiveMicros
		if c.singleTxnStats.active {
			active += now.Sub(c.singleTxnStats.activeSince)
		} else {
			inactive += now.Sub(c.singleTxnStats.activeSince)
		}
		r.TimeActive = active
		r.TimeInactive = inactive
	}
	return r
}
