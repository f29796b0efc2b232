package txnsession

import (
	"sync/atomic"
	"time"

	"github.com/kysonic/txnsession/internal/hlc"
	"github.com/kysonic/txnsession/internal/storage"
)

// Counters are the process-wide transaction counters of spec.md §6,
// exposed the way the teacher's pkg/util/metric.Counter values are exposed
// from ServerTransactionsMetrics in session.cpp — a small set of atomic
// int64s rather than the full metric.Counter (EWMA + histogram) machinery,
// which this module has no monitoring endpoint to serve (see DESIGN.md).
type Counters struct {
	currentOpen                      int64
	currentActive                    int64
	currentInactive                  int64
	totalStarted                     int64
	totalAborted                     int64
	totalCommitted                   int64
	transactionsCollectionWriteCount int64
}

func (c *Counters) incrTotalStarted()    { atomic.AddInt64(&c.totalStarted, 1) }
func (c *Counters) incrCurrentOpen()     { atomic.AddInt64(&c.currentOpen, 1) }
func (c *Counters) decrCurrentOpen()     { atomic.AddInt64(&c.currentOpen, -1) }
func (c *Counters) incrCurrentActive()   { atomic.AddInt64(&c.currentActive, 1) }
func (c *Counters) decrCurrentActive()   { atomic.AddInt64(&c.currentActive, -1) }
func (c *Counters) incrCurrentInactive() { atomic.AddInt64(&c.currentInactive, 1) }
func (c *Counters) decrCurrentInactive() { atomic.AddInt64(&c.currentInactive, -1) }
func (c *Counters) incrTotalAborted()    { atomic.AddInt64(&c.totalAborted, 1) }
func (c *Counters) incrTotalCommitted()  { atomic.AddInt64(&c.totalCommitted, 1) }
func (c *Counters) incrTransactionsCollectionWrites() {
	atomic.AddInt64(&c.transactionsCollectionWriteCount, 1)
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	CurrentOpen                      int64
	CurrentActive                    int64
	CurrentInactive                  int64
	TotalStarted                     int64
	TotalAborted                     int64
	TotalCommitted                   int64
	TransactionsCollectionWriteCount int64
}

// Snapshot reads every counter atomically but not as a single consistent
// point (matching the teacher's "we accept possible slight inaccuracies in
// these counters from non-atomicity" comment in session.cpp).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		CurrentOpen:                      atomic.LoadInt64(&c.currentOpen),
		CurrentActive:                    atomic.LoadInt64(&c.currentActive),
		CurrentInactive:                  atomic.LoadInt64(&c.currentInactive),
		TotalStarted:                     atomic.LoadInt64(&c.totalStarted),
		TotalAborted:                     atomic.LoadInt64(&c.totalAborted),
		TotalCommitted:                   atomic.LoadInt64(&c.totalCommitted),
		TransactionsCollectionWriteCount: atomic.LoadInt64(&c.transactionsCollectionWriteCount),
	}
}

// singleTransactionStats tracks one transaction's timing, restored from
// session.cpp's SingleTransactionStats: start time, active/inactive
// duration accounting, and the last client to touch the transaction.
type singleTransactionStats struct {
	startTime time.Time
	endTime   time.Time

	active         bool
	activeSince    time.Time
	activeMicros   time.Duration
	inactiveMicros time.Duration

	lastClientInfo storage.ClientInfo
}

func newSingleTransactionStats(now time.Time) *singleTransactionStats {
	return &singleTransactionStats{startTime: now, active: true, activeSince: now}
}

func (s *singleTransactionStats) setActive(now time.Time) {
	if s.active {
		return
	}
	s.active = true
	s.activeSince = now
}

func (s *singleTransactionStats) setInactive(now time.Time) {
	if !s.active {
		return
	}
	s.active = false
	s.activeMicros += now.Sub(s.activeSince)
}

func (s *singleTransactionStats) setEndTime(now time.Time) {
	s.endTime = now
}

func (s *singleTransactionStats) updateLastClientInfo(info storage.ClientInfo) {
	s.lastClientInfo = info
}

func (s *singleTransactionStats) duration(now time.Time) time.Duration {
	if !s.endTime.IsZero() {
		now = s.endTime
	}
	return now.Sub(s.startTime)
}

// transactionReport is the rendering used by ReportStashed/ReportUnstashed
// (spec.md §6 Reporting).
type transactionReport struct {
	SessionID    SessionID
	TxnNumber    TxnNumber
	Autocommit   bool
	ReadConcern  storage.ReadConcernArgs
	ReadTime     hlc.Timestamp
	StartTime    time.Time
	TimeOpen     time.Duration
	TimeActive   time.Duration
	TimeInactive time.Duration
	Stashed      bool
}
