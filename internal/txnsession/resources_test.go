package txnsession

import (
	"context"
	"testing"
	"time"

	"github.com/kysonic/txnsession/internal/storage"
	"github.com/kysonic/txnsession/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func newTestOp() *storage.OperationContext {
	engine := storagetest.NewEngine()
	ru := engine.NewRecoveryUnit()
	return &storage.OperationContext{
		Context:      context.Background(),
		RecoveryUnit: ru,
		Locker:       engine.NewLocker(),
		WriteBatch:   engine.NewWriteBatch(ru),
	}
}

func TestCaptureAndReleaseTxnResources(t *testing.T) {
	engine := storagetest.NewEngine()
	op := newTestOp()
	originalRU := op.RecoveryUnit
	originalLocker := op.Locker.(*storagetest.Locker)

	tr := captureTxnResources(engine, op, 5*time.Millisecond)

	require.False(t, originalLocker.TicketHeld, "capture must release the ticket")
	require.False(t, originalLocker.ThreadBound, "capture must unbind the thread")
	require.NotSame(t, originalRU, op.RecoveryUnit, "capture must install a fresh recovery unit")
	require.Nil(t, op.WriteBatch, "capture must clear the operation's write-batch")

	require.NoError(t, tr.release(context.Background(), engine, op))
	require.True(t, originalLocker.TicketHeld, "release must reacquire the ticket")
	require.True(t, originalLocker.ThreadBound, "release must rebind the thread")
	require.Same(t, originalRU, op.RecoveryUnit, "release must restore the original recovery unit")
	require.NotNil(t, op.WriteBatch, "release must install a resumed write-batch")
}

func TestReleaseTwiceIsFatal(t *testing.T) {
	engine := storagetest.NewEngine()
	op := newTestOp()
	tr := captureTxnResources(engine, op, 0)
	require.NoError(t, tr.release(context.Background(), engine, op))

	require.Panics(t, func() {
		_ = tr.release(context.Background(), engine, op)
	}, "a second release must hit the fatal double-release guard")
}

func TestDestroyIsSafeOnEmptyBatch(t *testing.T) {
	engine := storagetest.NewEngine()
	op := newTestOp()
	tr := captureTxnResources(engine, op, 0)

	require.NotPanics(t, func() {
		tr.destroy(engine)
	})

	// destroy is idempotent.
	require.NotPanics(t, func() {
		tr.destroy(engine)
	})
}
