package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Lock identifies one of the cache sub-table locks. Locks are always
// acquired in Lock order (tres first, res last) and released in reverse;
// acquiring out of order deadlocks against a concurrent writer.
type Lock int

const (
	LockTres Lock = iota
	LockUser
	LockQos
	LockAssoc
	LockWCKey
	LockFile
	LockRes
	lockCount
)

func (l Lock) String() string {
	switch l {
	case LockTres:
		return "tres"
	case LockUser:
		return "user"
	case LockQos:
		return "qos"
	case LockAssoc:
		return "assoc"
	case LockWCKey:
		return "wckey"
	case LockFile:
		return "file"
	case LockRes:
		return "res"
	}
	return "unknown"
}

// Mode is the lock mode requested per sub-table.
type Mode int

const (
	NoLock Mode = iota
	ReadLock
	WriteLock
)

// Locks is one acquisition request: a mode per sub-table.
type Locks [lockCount]Mode

// locker owns the reader-writer locks and bookkeeping used by the
// held-lock assertions. readers/writers counters are advisory: they
// track that somebody holds the lock in the given mode, which is what
// the policy engine's entry assertions need.
type locker struct {
	mu      [lockCount]sync.RWMutex
	readers [lockCount]atomic.Int32
	writers [lockCount]atomic.Int32
}

// acquire takes every requested lock in the fixed order.
func (lk *locker) acquire(req Locks) {
	for l := Lock(0); l < lockCount; l++ {
		switch req[l] {
		case ReadLock:
			lk.mu[l].RLock()
			lk.readers[l].Add(1)
		case WriteLock:
			lk.mu[l].Lock()
			lk.writers[l].Add(1)
		}
	}
}

// release drops the locks in reverse order.
func (lk *locker) release(req Locks) {
	for l := lockCount - 1; l >= 0; l-- {
		switch req[l] {
		case ReadLock:
			lk.readers[l].Add(-1)
			lk.mu[l].RUnlock()
		case WriteLock:
			lk.writers[l].Add(-1)
			lk.mu[l].Unlock()
		}
	}
}

// assertHeld panics unless somebody holds lock l in at least mode m.
// Write counts for read. The policy engine calls this at every entry
// point; it catches callers that skipped Acquire.
func (lk *locker) assertHeld(l Lock, m Mode) {
	switch m {
	case ReadLock:
		if lk.readers[l].Load() > 0 || lk.writers[l].Load() > 0 {
			return
		}
	case WriteLock:
		if lk.writers[l].Load() > 0 {
			return
		}
	case NoLock:
		return
	}
	panic(fmt.Sprintf("cache: %s lock not held in required mode", l))
}
