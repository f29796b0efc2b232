package txnsession

import (
	"context"
	"testing"

	"github.com/kysonic/txnsession/internal/hlc"
	"github.com/kysonic/txnsession/internal/storage"
	"github.com/kysonic/txnsession/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func op(wall int64) hlc.OpTime {
	return hlc.OpTime{Timestamp: hlc.Timestamp{WallTime: wall}, Term: 1}
}

func TestFetchActiveTransactionHistoryNoRecord(t *testing.T) {
	store := storagetest.NewRecordStore()
	logs := storagetest.NewLogStore()
	sessionID := NewSessionID()

	hist, err := fetchActiveTransactionHistory(context.Background(), store, logs, sessionID)
	require.NoError(t, err)
	require.Nil(t, hist.lastTxnRecord)
	require.False(t, hist.transactionCommitted)
}

func TestFetchActiveTransactionHistoryWalksCommittedStatements(t *testing.T) {
	store := storagetest.NewRecordStore()
	logs := storagetest.NewLogStore()
	sessionID := NewSessionID()

	store.Put(storage.SessionRecord{SessionID: sessionID, TxnNumber: 3, LastWriteOpTime: op(30)})
	logs.Append(storage.LogEntry{OpTime: op(10), StmtID: 0})
	logs.Append(storage.LogEntry{OpTime: op(20), StmtID: 1})
	logs.Append(storage.LogEntry{OpTime: op(30), StmtID: 2, IsCommitMarker: true})

	hist, err := fetchActiveTransactionHistory(context.Background(), store, logs, sessionID)
	require.NoError(t, err)
	require.True(t, hist.transactionCommitted)
	require.Equal(t, op(30), hist.committedStatements[2])
	require.Equal(t, op(20), hist.committedStatements[1])
	require.Equal(t, op(10), hist.committedStatements[0])
	require.False(t, hist.hasIncompleteHistory)
}

func TestFetchActiveTransactionHistoryIncomplete(t *testing.T) {
	store := storagetest.NewRecordStore()
	logs := storagetest.NewLogStore()
	sessionID := NewSessionID()

	store.Put(storage.SessionRecord{SessionID: sessionID, TxnNumber: 5, LastWriteOpTime: op(20)})
	logs.Append(storage.LogEntry{OpTime: op(10), StmtID: 0})
	logs.Append(storage.LogEntry{OpTime: op(20), StmtID: 1})
	logs.TruncateBefore(op(15))

	hist, err := fetchActiveTransactionHistory(context.Background(), store, logs, sessionID)
	require.NoError(t, err)
	require.True(t, hist.hasIncompleteHistory)
	require.Equal(t, op(20), hist.committedStatements[1])
	require.NotContains(t, hist.committedStatements, 0)
}

func TestFetchActiveTransactionHistoryDoubleCommitIsFatal(t *testing.T) {
	store := storagetest.NewRecordStore()
	logs := storagetest.NewLogStore()
	sessionID := NewSessionID()

	store.Put(storage.SessionRecord{SessionID: sessionID, TxnNumber: 1, LastWriteOpTime: op(20)})
	logs.Append(storage.LogEntry{OpTime: op(10), StmtID: 0})
	logs.Append(storage.LogEntry{OpTime: op(20), StmtID: 0})

	require.Panics(t, func() {
		_, _ = fetchActiveTransactionHistory(context.Background(), store, logs, sessionID)
	})
}
