// Package storagetest provides in-memory fakes for every internal/storage
// interface, in the shape of the teacher's pkg/testutils/storageutils: small,
// dependency-free stand-ins for a real storage/lock-manager/replication
// layer, built to be driven directly by tests rather than through mocks.
package storagetest

import (
	"context"
	"sync"
	"time"

	"github.com/kysonic/txnsession/internal/errutil"
	"github.com/kysonic/txnsession/internal/hlc"
	"github.com/kysonic/txnsession/internal/storage"
)

// Locker is an in-memory storage.Locker. It records enough state for tests
// to assert on ticket/thread-binding ordering without modeling real
// concurrency limits.
type Locker struct {
	mu sync.Mutex

	TicketHeld    bool
	ThreadBound   bool
	LockTimeout   int64 // nanoseconds; 0 means unset
	GlobalIXHeld  bool
	ReacquireErr  error
}

func NewLocker() *Locker {
	return &Locker{TicketHeld: true, ThreadBound: true}
}

func (l *Locker) ReleaseTicket() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.TicketHeld = false
}

func (l *Locker) ReacquireTicket(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReacquireErr != nil {
		return l.ReacquireErr
	}
	l.TicketHeld = true
	return nil
}

func (l *Locker) UnbindThread() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ThreadBound = false
}

func (l *Locker) BindToCurrentThread() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ThreadBound = true
}

func (l *Locker) SetLockTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LockTimeout = int64(d)
}

func (l *Locker) ClearLockTimeout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LockTimeout = 0
}

func (l *Locker) LockGlobalIntentExclusive(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.GlobalIXHeld = true
	return nil
}

// RecoveryUnit is an in-memory storage.RecoveryUnit.
type RecoveryUnit struct {
	mu sync.Mutex

	id               storage.SnapshotID
	pointInTime      hlc.Timestamp
	havePointInTime  bool
	commitTimestamp  hlc.Timestamp
	prepareTimestamp hlc.Timestamp
	onCommitHooks    []func()
	aborted          bool
}

var snapshotCounter uint64

func NewRecoveryUnit() *RecoveryUnit {
	snapshotCounter++
	return &RecoveryUnit{id: storage.SnapshotID(snapshotCounter)}
}

func (r *RecoveryUnit) SetReadSource(source storage.ReadSource, provided hlc.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if source == storage.ReadSourceProvided {
		r.pointInTime = provided
		r.havePointInTime = true
	}
}

func (r *RecoveryUnit) PreallocateSnapshot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.havePointInTime {
		r.pointInTime = hlc.Timestamp{WallTime: int64(r.id)}
		r.havePointInTime = true
	}
	return nil
}

func (r *RecoveryUnit) SnapshotID() storage.SnapshotID {
	return r.id
}

func (r *RecoveryUnit) PointInTimeReadTimestamp() (hlc.Timestamp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pointInTime, r.havePointInTime
}

func (r *RecoveryUnit) SetCommitTimestamp(ts hlc.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitTimestamp = ts
}

func (r *RecoveryUnit) PrepareTimestamp() hlc.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prepareTimestamp
}

func (r *RecoveryUnit) OnCommit(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCommitHooks = append(r.onCommitHooks, fn)
}

func (r *RecoveryUnit) Abort() {
	r.mu.Lock()
	hooks := r.onCommitHooks
	r.onCommitHooks = nil
	r.aborted = true
	r.mu.Unlock()
	_ = hooks // aborted: on-commit hooks never fire
}

// runOnCommitHooks is called by WriteBatch.Commit to fire the registered
// hooks exactly once, matching a real storage engine committing only the
// writes of the batch bound to this unit.
func (r *RecoveryUnit) runOnCommitHooks() {
	r.mu.Lock()
	hooks := r.onCommitHooks
	r.onCommitHooks = nil
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// WriteBatch is an in-memory storage.WriteBatch.
type WriteBatch struct {
	mu sync.Mutex

	ru        *RecoveryUnit
	committed bool
	aborted   bool
	prepared  bool
	released  bool
}

func NewWriteBatch(ru *RecoveryUnit) *WriteBatch {
	return &WriteBatch{ru: ru}
}

func (b *WriteBatch) Prepare(ctx context.Context) (hlc.Timestamp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepared = true
	b.ru.mu.Lock()
	b.ru.prepareTimestamp = hlc.Timestamp{WallTime: int64(b.ru.id), Logical: 1}
	ts := b.ru.prepareTimestamp
	b.ru.mu.Unlock()
	return ts, nil
}

func (b *WriteBatch) Commit(ctx context.Context) error {
	b.mu.Lock()
	b.committed = true
	b.mu.Unlock()
	b.ru.runOnCommitHooks()
	return nil
}

func (b *WriteBatch) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = true
}

func (b *WriteBatch) Release() storage.WriteBatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return storage.WriteBatchState{Token: b}
}

// Engine is an in-memory storage.Engine.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) NewRecoveryUnit() storage.RecoveryUnit {
	return NewRecoveryUnit()
}

func (e *Engine) NewWriteBatch(ru storage.RecoveryUnit) storage.WriteBatch {
	return NewWriteBatch(ru.(*RecoveryUnit))
}

func (e *Engine) ResumeWriteBatch(ru storage.RecoveryUnit, state storage.WriteBatchState) storage.WriteBatch {
	if b, ok := state.Token.(*WriteBatch); ok {
		b.mu.Lock()
		b.released = false
		b.ru = ru.(*RecoveryUnit)
		b.mu.Unlock()
		return b
	}
	return NewWriteBatch(ru.(*RecoveryUnit))
}

func (e *Engine) NewLocker() storage.Locker {
	return NewLocker()
}

// RecordStore is an in-memory SessionRecordCollection and
// SessionRecordStore sharing one backing map, the way a real server's
// session-records collection serves both the write path and the
// independent read path used by transaction history.
type RecordStore struct {
	mu         sync.Mutex
	exists     bool
	records    map[storage.SessionID]storage.SessionRecord
	readHook   func(id storage.SessionID, callNum int)
	reads      map[storage.SessionID]int
	insertHook func(id storage.SessionID)
}

func NewRecordStore() *RecordStore {
	return &RecordStore{
		exists:  true,
		records: make(map[storage.SessionID]storage.SessionRecord),
		reads:   make(map[storage.SessionID]int),
	}
}

// SetReadHook arms a function called on every FindByID, with a per-session
// call count (1 on the first read, 2 on persist's point-in-time re-read,
// and so on). A test arms this to mutate the backing record between
// persist's two reads of the same session id, simulating the concurrent
// writer that turns persist's re-evaluation into an ErrWriteConflict —
// this is the snapshot/MVCC concept persist's step 4 depends on, reduced
// to exactly what a test needs to race it.
func (s *RecordStore) SetReadHook(fn func(id storage.SessionID, callNum int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readHook = fn
}

// SetInsertHook arms a function called immediately before Insert's own
// duplicate-key check, letting a test insert a racing record at the exact
// point persist's step 3 (insert-if-absent) is vulnerable to a concurrent
// writer, turning the Insert call itself into the DuplicateKeyError
// persist translates into ErrWriteConflict.
func (s *RecordStore) SetInsertHook(fn func(id storage.SessionID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertHook = fn
}

func (s *RecordStore) SetExists(exists bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = exists
}

func (s *RecordStore) Exists(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

func (s *RecordStore) LockIntentExclusive(ctx context.Context, op *storage.OperationContext) error {
	return nil
}

func (s *RecordStore) FindByID(ctx context.Context, op *storage.OperationContext, id storage.SessionID) (storage.SessionRecord, bool, error) {
	s.mu.Lock()
	s.reads[id]++
	callNum := s.reads[id]
	hook := s.readHook
	s.mu.Unlock()

	if hook != nil {
		hook(id, callNum)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *RecordStore) Insert(ctx context.Context, op *storage.OperationContext, rec storage.SessionRecord) error {
	s.mu.Lock()
	hook := s.insertHook
	s.mu.Unlock()

	if hook != nil {
		hook(rec.SessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.SessionID]; exists {
		return &storage.DuplicateKeyError{SessionID: rec.SessionID}
	}
	s.records[rec.SessionID] = rec
	return nil
}

func (s *RecordStore) Replace(ctx context.Context, op *storage.OperationContext, rec storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	return nil
}

func (s *RecordStore) FindOne(ctx context.Context, sessionID storage.SessionID) (storage.SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	return rec, ok, nil
}

// Put seeds a record directly, bypassing Insert's duplicate-key check —
// used by tests to set up pre-existing durable state.
func (s *RecordStore) Put(rec storage.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
}

// LogStore is an in-memory storage.LogStore scoped to a single session's
// durable-log chain, the way a real LogStore handed to one Controller is
// already scoped to that Controller's session. Entries are appended
// oldest-first; IteratorFrom walks backward from the entry matching opTime.
type LogStore struct {
	mu          sync.Mutex
	chain       []storage.LogEntry
	truncated   bool
	truncatedAt hlc.OpTime
}

func NewLogStore() *LogStore {
	return &LogStore{}
}

// Append adds entry to the end (most recent) of the chain.
func (s *LogStore) Append(entry storage.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = append(s.chain, entry)
}

// TruncateBefore makes the iterator report an incomplete-history error once
// it walks back past opTime, simulating log compaction.
func (s *LogStore) TruncateBefore(opTime hlc.OpTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated = true
	s.truncatedAt = opTime
}

func (s *LogStore) IteratorFrom(opTime hlc.OpTime) storage.LogIterator {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := append([]storage.LogEntry(nil), s.chain...)
	return &logIterator{chain: chain, from: opTime, truncated: s.truncated, truncatedAt: s.truncatedAt}
}

type logIterator struct {
	chain       []storage.LogEntry
	from        hlc.OpTime
	pos         int
	started     bool
	truncated   bool
	truncatedAt hlc.OpTime
}

func (it *logIterator) HasNext() bool {
	if !it.started {
		for i := len(it.chain) - 1; i >= 0; i-- {
			if it.chain[i].OpTime == it.from {
				it.pos = i
				it.started = true
				return true
			}
		}
		return false
	}
	return it.pos >= 0
}

func (it *logIterator) Next(ctx context.Context) (storage.LogEntry, error) {
	if it.truncated && it.chain[it.pos].OpTime.Less(it.truncatedAt) {
		return storage.LogEntry{}, errIncompleteHistory
	}
	entry := it.chain[it.pos]
	it.pos--
	return entry, nil
}

var errIncompleteHistory = errutil.Markf(errutil.ErrIncompleteTransactionHistory, "log chain was truncated")

// ReplicationObserver is a fully test-controllable storage.ReplicationObserver.
type ReplicationObserver struct {
	OnPrepareFunc func(ctx context.Context, op *storage.OperationContext) error
	OnCommitFunc  func(ctx context.Context, op *storage.OperationContext, wasPrepared bool) error

	PrepareCalls int
	CommitCalls  int
}

func (r *ReplicationObserver) OnPrepare(ctx context.Context, op *storage.OperationContext) error {
	r.PrepareCalls++
	if r.OnPrepareFunc != nil {
		return r.OnPrepareFunc(ctx, op)
	}
	return nil
}

func (r *ReplicationObserver) OnCommit(ctx context.Context, op *storage.OperationContext, wasPrepared bool) error {
	r.CommitCalls++
	if r.OnCommitFunc != nil {
		return r.OnCommitFunc(ctx, op, wasPrepared)
	}
	return nil
}
