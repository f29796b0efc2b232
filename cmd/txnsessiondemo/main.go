// txnsessiondemo drives a single session controller through a
// multi-statement transaction and a retryable write against in-memory
// storage fakes, printing the state transitions and reports along the way.
// It exists for manual exercise of internal/txnsession, not production use.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/kysonic/txnsession/internal/hlc"
	"github.com/kysonic/txnsession/internal/storage"
	"github.com/kysonic/txnsession/internal/storage/storagetest"
	"github.com/kysonic/txnsession/internal/txnsession"
)

var prepared = flag.Bool("prepared", false, "run the two-phase commit path instead of the unprepared fast path")

func main() {
	flag.Parse()

	engine := storagetest.NewEngine()
	records := storagetest.NewRecordStore()
	logs := storagetest.NewLogStore()
	replication := &storagetest.ReplicationObserver{}
	settings := txnsession.NewSettings()
	counters := &txnsession.Counters{}

	sessionID := txnsession.NewSessionID()
	ctrl := txnsession.NewController(sessionID, engine, records, records, logs, replication,
		settings, txnsession.DefaultCommandPolicy(), counters)

	ctx := context.Background()
	client := storage.NewClient()
	ru := engine.NewRecoveryUnit()
	op := &storage.OperationContext{
		Context:      ctx,
		Client:       client,
		RecoveryUnit: ru,
		Locker:       engine.NewLocker(),
	}

	runMultiStatementTxn(ctx, ctrl, op)
	runRetryableWrite(ctx, ctrl, engine, records, sessionID)

	snap := counters.Snapshot()
	fmt.Printf("\nfinal counters: open=%d active=%d inactive=%d started=%d committed=%d aborted=%d\n",
		snap.CurrentOpen, snap.CurrentActive, snap.CurrentInactive,
		snap.TotalStarted, snap.TotalCommitted, snap.TotalAborted)
}

func runMultiStatementTxn(ctx context.Context, ctrl *txnsession.Controller, op *storage.OperationContext) {
	var txnNumber int64 = 1
	autocommit, startTransaction := boolPtr(false), boolPtr(true)
	op.TxnNumber = &txnNumber

	if err := ctrl.Begin(ctx, op, txnNumber, autocommit, startTransaction, "test", "insert"); err != nil {
		log.Fatalf("begin: %v", err)
	}
	if err := ctrl.Unstash(ctx, op, "insert"); err != nil {
		log.Fatalf("unstash: %v", err)
	}
	if err := ctrl.AddOperation(op, txnsession.ReplOperation{Payload: []byte("insert {x:1}")}); err != nil {
		log.Fatalf("add operation: %v", err)
	}
	report, ok := ctrl.ReportUnstashed(time.Now())
	if ok {
		fmt.Printf("statement 1: txn=%d autocommit=%v readTime=%s\n", report.TxnNumber, report.Autocommit, report.ReadTime)
	}
	if err := ctrl.Stash(op); err != nil {
		log.Fatalf("stash: %v", err)
	}

	// Second statement, same transaction: commitTransaction.
	if err := ctrl.Begin(ctx, op, txnNumber, boolPtr(false), nil, "test", "commitTransaction"); err != nil {
		log.Fatalf("begin (commit): %v", err)
	}
	if err := ctrl.Unstash(ctx, op, "commitTransaction"); err != nil {
		log.Fatalf("unstash (commit): %v", err)
	}

	if *prepared {
		ts, err := ctrl.Prepare(ctx, op)
		if err != nil {
			log.Fatalf("prepare: %v", err)
		}
		fmt.Printf("prepared at %s\n", ts)
		if _, err := ctrl.EndAndRetrieveOperations(op); err != nil {
			log.Fatalf("retrieve operations: %v", err)
		}
		if err := ctrl.CommitPrepared(ctx, op, ts); err != nil {
			log.Fatalf("commit prepared: %v", err)
		}
		fmt.Println("committed (two-phase)")
		return
	}

	if err := ctrl.CommitUnprepared(ctx, op); err != nil {
		log.Fatalf("commit unprepared: %v", err)
	}
	fmt.Println("committed (one-phase)")
}

func runRetryableWrite(
	ctx context.Context, ctrl *txnsession.Controller, engine *storagetest.Engine,
	records *storagetest.RecordStore, sessionID txnsession.SessionID,
) {
	const txnNumber int64 = 2
	ru := engine.NewRecoveryUnit()
	op := &storage.OperationContext{
		Context:      ctx,
		TxnNumber:    int64Ptr(txnNumber),
		RecoveryUnit: ru,
		Locker:       engine.NewLocker(),
	}

	if err := ctrl.Begin(ctx, op, txnNumber, nil, nil, "test", "insert"); err != nil {
		log.Fatalf("begin (retryable): %v", err)
	}
	op.WriteBatch = engine.NewWriteBatch(op.RecoveryUnit)

	writeTime := hlc.OpTime{Timestamp: hlc.Timestamp{WallTime: time.Now().UnixNano()}, Term: 1}
	if err := ctrl.OnWriteCompleted(ctx, op, txnNumber, []txnsession.StmtID{0}, writeTime, time.Now()); err != nil {
		log.Fatalf("on write completed: %v", err)
	}

	rec, found, err := records.FindOne(ctx, sessionID)
	if err != nil {
		log.Fatalf("find session record: %v", err)
	}
	fmt.Printf("retryable write persisted: found=%v lastWriteOpTime=%s\n", found, rec.LastWriteOpTime)
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(v int64) *int64 { return &v }
