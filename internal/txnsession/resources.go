package txnsession

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kysonic/txnsession/internal/log"
	"github.com/kysonic/txnsession/internal/storage"
)

// txnResources is the opaque bundle of spec.md §4.2/§3: exactly the
// per-transaction storage recovery unit, lock-manager handle, write-batch
// handle, and read-concern arguments, owned exclusively by either the
// in-flight operation context or the controller's stash slot, never both.
// Grounded on session.cpp's Session::TxnResources.
type txnResources struct {
	recoveryUnit storage.RecoveryUnit
	locker       storage.Locker
	batchState   storage.WriteBatchState
	readConcern  storage.ReadConcernArgs

	released bool
}

// captureTxnResources takes op's current recovery unit, locker, and
// write-batch handle into a new bundle and installs fresh, empty
// replacements on op — session.cpp's TxnResources(OperationContext*)
// constructor. lockTimeout, if > 0, is armed on the captured locker
// (maxTransactionLockRequestTimeoutMillis, spec.md §6).
func captureTxnResources(engine storage.Engine, op *storage.OperationContext, lockTimeout time.Duration) *txnResources {
	batchState := op.WriteBatch.Release()

	locker := op.Locker
	locker.ReleaseTicket()
	locker.UnbindThread()
	if lockTimeout > 0 {
		locker.SetLockTimeout(lockTimeout)
	}

	tr := &txnResources{
		recoveryUnit: op.RecoveryUnit,
		locker:       locker,
		batchState:   batchState,
		readConcern:  op.ReadConcern,
	}

	op.Locker = engine.NewLocker()
	op.RecoveryUnit = engine.NewRecoveryUnit()
	op.WriteBatch = nil

	return tr
}

// release installs this bundle's resources back onto op, reversing
// captureTxnResources. It reacquires the concurrency ticket *before*
// marking the bundle consumed, so that a failure to reacquire (e.g. ctx
// cancellation) leaves ownership with the stash rather than silently
// double-releasing — spec.md §4.2.
func (tr *txnResources) release(ctx context.Context, engine storage.Engine, op *storage.OperationContext) error {
	if tr.released {
		log.Fatalf("txnResources.release called twice for session")
	}

	if err := tr.locker.ReacquireTicket(ctx); err != nil {
		return errors.Wrap(err, "reacquiring concurrency ticket on txn resource release")
	}

	tr.released = true

	tr.locker.BindToCurrentThread()
	op.Locker = tr.locker

	op.RecoveryUnit = tr.recoveryUnit
	op.WriteBatch = engine.ResumeWriteBatch(tr.recoveryUnit, tr.batchState)
	op.ReadConcern = tr.readConcern

	return nil
}

// destroy discards the bundle's resources without releasing them onto any
// operation — the case of a transaction being discarded while stashed.
// It must not deadlock and must not leak the locker's ticket: the batch is
// simply aborted and the recovery unit dropped; no ticket was ever
// reacquired, so there is nothing to release back.
func (tr *txnResources) destroy(engine storage.Engine) {
	if tr.released {
		return
	}
	tr.released = true
	if tr.recoveryUnit != nil {
		batch := engine.ResumeWriteBatch(tr.recoveryUnit, tr.batchState)
		batch.Abort()
		tr.recoveryUnit.Abort()
	}
}
