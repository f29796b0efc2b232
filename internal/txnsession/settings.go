package txnsession

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Settings holds the two server parameters of spec.md §6, hot-reloadable
// the way pkg/kv/txn.go registers MaxInternalTxnAutoRetries through
// pkg/settings.RegisterIntSetting (name, default, validator) — trimmed here
// to a pair of atomic int32 holders rather than pulling in the teacher's
// full cluster-wide settings registry, which has no home in this module's
// scope (see DESIGN.md).
type Settings struct {
	lifetimeLimitSeconds        int32
	maxLockRequestTimeoutMillis int32
}

// NewSettings returns Settings initialized to spec.md §6's defaults:
// transactionLifetimeLimitSeconds=60, maxTransactionLockRequestTimeoutMillis=5.
func NewSettings() *Settings {
	s := &Settings{}
	atomic.StoreInt32(&s.lifetimeLimitSeconds, 60)
	atomic.StoreInt32(&s.maxLockRequestTimeoutMillis, 5)
	return s
}

// SetLifetimeLimitSeconds validates and stores transactionLifetimeLimitSeconds.
// It must be >= 1 (spec.md §6).
func (s *Settings) SetLifetimeLimitSeconds(v int32) error {
	if v < 1 {
		return errors.Newf("transactionLifetimeLimitSeconds must be greater than or equal to 1, got %d", v)
	}
	atomic.StoreInt32(&s.lifetimeLimitSeconds, v)
	return nil
}

// LifetimeLimit returns the current transaction lifetime cap.
func (s *Settings) LifetimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt32(&s.lifetimeLimitSeconds)) * time.Second
}

// SetMaxLockRequestTimeoutMillis stores maxTransactionLockRequestTimeoutMillis.
// A negative value disables the cap.
func (s *Settings) SetMaxLockRequestTimeoutMillis(v int32) {
	atomic.StoreInt32(&s.maxLockRequestTimeoutMillis, v)
}

// MaxLockRequestTimeout returns the per-lock-request cap armed on a locker
// bound to an op inside a transaction, or 0 if disabled (negative setting).
func (s *Settings) MaxLockRequestTimeout() time.Duration {
	v := atomic.LoadInt32(&s.maxLockRequestTimeoutMillis)
	if v < 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
