package txnsession

import (
	"context"
	"testing"

	"github.com/kysonic/txnsession/internal/errutil"
	"github.com/kysonic/txnsession/internal/storage"
	"github.com/kysonic/txnsession/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestPersistInsertsWhenAbsent(t *testing.T) {
	store := storagetest.NewRecordStore()
	writer := newRecordWriter(store)
	opCtx := newTestOp()
	sessionID := NewSessionID()

	req := storage.UpdateRequest{Record: storage.SessionRecord{
		SessionID:       sessionID,
		TxnNumber:       1,
		LastWriteOpTime: op(10),
	}}

	require.NoError(t, writer.persist(context.Background(), opCtx, req))

	rec, found, err := store.FindOne(context.Background(), sessionID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), rec.TxnNumber)
}

func TestPersistReplacesWhenPresent(t *testing.T) {
	store := storagetest.NewRecordStore()
	writer := newRecordWriter(store)
	sessionID := NewSessionID()
	store.Put(storage.SessionRecord{SessionID: sessionID, TxnNumber: 1, LastWriteOpTime: op(10)})

	opCtx := newTestOp()
	req := storage.UpdateRequest{Record: storage.SessionRecord{
		SessionID:       sessionID,
		TxnNumber:       2,
		LastWriteOpTime: op(20),
	}}
	require.NoError(t, writer.persist(context.Background(), opCtx, req))

	rec, found, err := store.FindOne(context.Background(), sessionID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), rec.TxnNumber)
}

// TestPersistWriteConflictOnConcurrentInsert covers spec.md §8 scenario 5:
// a second writer inserts the same session record between persist's
// existence check and its own insert, turning the duplicate key into
// ErrWriteConflict rather than propagating the raw storage error.
func TestPersistWriteConflictOnConcurrentInsert(t *testing.T) {
	store := storagetest.NewRecordStore()
	writer := newRecordWriter(store)
	opCtx := newTestOp()
	sessionID := NewSessionID()

	store.SetInsertHook(func(id storage.SessionID) {
		if id == sessionID {
			store.Put(storage.SessionRecord{SessionID: sessionID, TxnNumber: 99, LastWriteOpTime: op(5)})
		}
	})

	req := storage.UpdateRequest{Record: storage.SessionRecord{
		SessionID:       sessionID,
		TxnNumber:       1,
		LastWriteOpTime: op(10),
	}}
	err := writer.persist(context.Background(), opCtx, req)
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrWriteConflict))
}

// TestPersistWriteConflictOnConcurrentReplace covers the other half of
// scenario 5: the record exists when persist reads it the first time, but
// a second writer replaces it (changing its txn number) before persist's
// point-in-time re-read, so the re-evaluated filter no longer matches.
func TestPersistWriteConflictOnConcurrentReplace(t *testing.T) {
	store := storagetest.NewRecordStore()
	writer := newRecordWriter(store)
	opCtx := newTestOp()
	sessionID := NewSessionID()
	store.Put(storage.SessionRecord{SessionID: sessionID, TxnNumber: 1, LastWriteOpTime: op(10)})

	store.SetReadHook(func(id storage.SessionID, callNum int) {
		if id == sessionID && callNum == 2 {
			store.Put(storage.SessionRecord{SessionID: sessionID, TxnNumber: 5, LastWriteOpTime: op(50)})
		}
	})

	req := storage.UpdateRequest{Record: storage.SessionRecord{
		SessionID:       sessionID,
		TxnNumber:       2,
		LastWriteOpTime: op(20),
	}}
	err := writer.persist(context.Background(), opCtx, req)
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.ErrWriteConflict))
}

func TestPersistFailsWhenCollectionMissing(t *testing.T) {
	store := storagetest.NewRecordStore()
	store.SetExists(false)
	writer := newRecordWriter(store)
	opCtx := newTestOp()

	err := writer.persist(context.Background(), opCtx, storage.UpdateRequest{Record: storage.SessionRecord{
		SessionID: NewSessionID(),
	}})
	require.Error(t, err)
}
