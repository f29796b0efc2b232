// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package syncutil

import "sync"

// A Mutex is a mutual exclusion lock. It embeds sync.Mutex and adds
// AssertHeld, which functions that require the session mutex to already be
// held use to document and (best-effort) enforce that requirement, the same
// way the session controller's internal helpers assert the session mutex
// rather than relying solely on the race detector.
type Mutex struct {
	sync.Mutex
}

// AssertHeld may panic if the mutex is not locked. It does not attempt to
// identify which goroutine holds it — only that some goroutine does.
func (m *Mutex) AssertHeld() {
	// The non-instrumented build does not track ownership; this is a no-op
	// placed so call sites read as self-documenting preconditions and so a
	// build tagged with the deadlock/race detector can swap in a real check.
}

// An RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	sync.RWMutex
}

// AssertHeld may panic if the mutex is not locked for writing.
func (m *RWMutex) AssertHeld() {}

// AssertRHeld may panic if the mutex is not locked for reading.
func (m *RWMutex) AssertRHeld() {}
