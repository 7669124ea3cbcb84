package exec

import (
	"sync"
	"sync/atomic"
	"time"

	"klog"
)

// WorkerStats accumulates a worker's running totals: tasks polled, time
// spent busy, and steal rounds attempted. Adapted from the kernel's process
// accounting record (nanosecond counters behind a merge mutex) to track
// scheduler, rather than process, time.
type WorkerStats struct {
	TasksPolled int64
	BusyNs      int64
	StealRounds int64
	mu          sync.Mutex
}

// AddPolled records n completed polls.
func (s *WorkerStats) AddPolled(n int64) { atomic.AddInt64(&s.TasksPolled, n) }

// AddBusy records d nanoseconds of busy time.
func (s *WorkerStats) AddBusy(d time.Duration) { atomic.AddInt64(&s.BusyNs, int64(d)) }

// AddStealRound records one attempted steal round, successful or not.
func (s *WorkerStats) AddStealRound() { atomic.AddInt64(&s.StealRounds, 1) }

// Snapshot copies s's counters into a fresh WorkerStats under lock, so a
// reader gets one consistent view of the running totals.
func (s *WorkerStats) Snapshot() WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WorkerStats{
		TasksPolled: atomic.LoadInt64(&s.TasksPolled),
		BusyNs:      atomic.LoadInt64(&s.BusyNs),
		StealRounds: atomic.LoadInt64(&s.StealRounds),
	}
}

// Add merges n's counters into s.
func (s *WorkerStats) Add(n *WorkerStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt64(&s.TasksPolled, atomic.LoadInt64(&n.TasksPolled))
	atomic.AddInt64(&s.BusyNs, atomic.LoadInt64(&n.BusyNs))
	atomic.AddInt64(&s.StealRounds, atomic.LoadInt64(&n.StealRounds))
}

// String renders a snapshot's counters for a log line or diagnostic dump.
func (s *WorkerStats) String() string {
	return klog.DumpCounters(s)
}
