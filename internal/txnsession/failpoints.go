package txnsession

import "sync/atomic"

// The two named failure-injection points of spec.md §6, restored from
// session.cpp's MONGO_FAIL_POINT_DEFINE(onPrimaryTransactionalWrite) and
// MONGO_FAIL_POINT_DEFINE(hangAfterPreallocateSnapshot). Go has no
// equivalent macro-based failpoint service in the pack, so these are
// expressed as atomically-guarded hook variables tests can arm directly —
// the same shape the teacher's failpoints take (an action consulted at a
// single well-known point) without the server-wide failpoint registry.

// OnPrimaryTransactionalWriteAction is invoked on a completed retryable
// write just before its session-record update, and so before the
// surrounding write-batch commits (the update's last step is that commit).
// It may close the client connection and/or return an error, which skips
// the update and the commit, matching onPrimaryTransactionalWrite's closeConnection/
// failBeforeCommitExceptionCode parameters.
type OnPrimaryTransactionalWriteAction func() (closeConnection bool, failBeforeCommit error)

var onPrimaryTransactionalWrite atomic.Value // holds OnPrimaryTransactionalWriteAction

func init() {
	onPrimaryTransactionalWrite.Store(OnPrimaryTransactionalWriteAction(nil))
}

// SetOnPrimaryTransactionalWrite arms (or disarms, with nil) the
// post-write failpoint.
func SetOnPrimaryTransactionalWrite(action OnPrimaryTransactionalWriteAction) {
	onPrimaryTransactionalWrite.Store(action)
}

func firePrimaryTransactionalWrite() (closeConnection bool, failBeforeCommit error) {
	action, _ := onPrimaryTransactionalWrite.Load().(OnPrimaryTransactionalWriteAction)
	if action == nil {
		return false, nil
	}
	return action()
}

// HangAfterPreallocateSnapshot, when non-nil, is called synchronously just
// after unstash preallocates a point-in-time snapshot; tests use it to pause
// a goroutine at that point the way MONGO_FAIL_POINT_PAUSE_WHILE_SET does.
var hangAfterPreallocateSnapshot atomic.Value // holds func()

func init() {
	hangAfterPreallocateSnapshot.Store((func())(nil))
}

// SetHangAfterPreallocateSnapshot arms (or disarms, with nil) the
// post-snapshot-preallocation failpoint.
func SetHangAfterPreallocateSnapshot(fn func()) {
	hangAfterPreallocateSnapshot.Store(fn)
}

func fireHangAfterPreallocateSnapshot() {
	fn, _ := hangAfterPreallocateSnapshot.Load().(func())
	if fn != nil {
		fn()
	}
}
