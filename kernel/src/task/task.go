// Package task implements the heap-allocated task header and JoinHandle
// future described in §4.F: a ref-counted state word advanced by a CAS
// loop, shared between the executor, the waking side (timers, I/O,
// explicit Waker calls) and the JoinHandle.
package task

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// JoinWaker is the JOIN_WAKER sub-state packed into the state word.
type JoinWaker uint32

const (
	JoinWakerEmpty JoinWaker = iota
	JoinWakerRegistering
	JoinWakerWaiting
	JoinWakerWoken
)

const (
	flagPolling uint32 = 1 << iota
	flagComplete
	flagWoken
	flagCancelled
	flagHasJoinHandle
	flagHasOutput
	joinWakerShift = 6
	joinWakerMask  = 0x3 << joinWakerShift
)

func getJoinWaker(w uint32) JoinWaker { return JoinWaker((w & joinWakerMask) >> joinWakerShift) }
func setJoinWaker(w uint32, jw JoinWaker) uint32 {
	return (w &^ joinWakerMask) | (uint32(jw) << joinWakerShift)
}

// Header is the task control block. Exactly one ref-counted allocation per
// spawned task, shared between its TaskRef and its JoinHandle.
type Header struct {
	state uint32
	refs  int32
	id    uuid.UUID
}

// New returns a task header with one reference held by the caller and, if
// hasJoinHandle, a second reference for the JoinHandle the caller also
// owns. Each header is stamped with a fresh v4 UUID so log lines from
// different workers touching the same task can be correlated.
func New(hasJoinHandle bool) *Header {
	h := &Header{refs: 1, id: uuid.New()}
	if hasJoinHandle {
		h.state = flagHasJoinHandle
		h.refs = 2
	}
	return h
}

// ID returns the task's correlation id, stable for its whole lifetime.
func (h *Header) ID() uuid.UUID { return h.id }

func (h *Header) cas(f func(old uint32) (uint32, bool)) bool {
	for {
		old := atomic.LoadUint32(&h.state)
		nw, ok := f(old)
		if !ok {
			return false
		}
		if atomic.CompareAndSwapUint32(&h.state, old, nw) {
			return true
		}
	}
}

// StartPollOutcome is the result of StartPoll.
type StartPollOutcome int

const (
	PollStarted StartPollOutcome = iota
	PollAlreadyRunning
	PollAborted
)

// StartPoll attempts to transition the task into POLLING. wakeJoin is true
// when the task was found CANCELLED and the join waker (if any) must be
// scheduled by the caller.
func (h *Header) StartPoll() (outcome StartPollOutcome, wakeJoin bool) {
	h.cas(func(old uint32) (uint32, bool) {
		switch {
		case old&(flagPolling|flagComplete) != 0:
			outcome = PollAlreadyRunning
			return old, false
		case old&flagCancelled != 0:
			outcome = PollAborted
			wakeJoin = old&flagHasJoinHandle != 0
			return old, false
		default:
			outcome = PollStarted
			return (old &^ flagWoken) | flagPolling, true
		}
	})
	return outcome, wakeJoin
}

// EndPollOutcome is the result of EndPoll.
type EndPollOutcome int

const (
	PollIdle EndPollOutcome = iota
	PendingSchedule
	ReadyJoined
)

// EndPoll clears POLLING and reports what the caller must do next.
func (h *Header) EndPoll(completed bool) EndPollOutcome {
	var out EndPollOutcome
	h.cas(func(old uint32) (uint32, bool) {
		nw := old &^ flagPolling
		switch {
		case completed:
			nw |= flagComplete | flagHasOutput
			if nw&flagHasJoinHandle != 0 {
				out = ReadyJoined
			} else {
				out = PollIdle
			}
		case old&flagWoken != 0:
			out = PendingSchedule
		default:
			out = PollIdle
		}
		return nw, true
	})
	return out
}

// WakeOutcome is the result of WakeByVal/WakeByRef.
type WakeOutcome int

const (
	WakeEnqueue WakeOutcome = iota
	WakeDeferred
	WakeDropped
	WakeNoop
)

// wake sets WOKEN and reports what the caller must do about it. A wake
// that lands while the task is still POLLING must not enqueue: the poll
// in progress hasn't observed it yet, and EndPoll will see WOKEN and
// reschedule once the poll actually finishes (WakeDeferred). Any other
// live task enqueues immediately (WakeEnqueue); a task already complete
// or already woken drops the wake (WakeDropped).
func (h *Header) wake() WakeOutcome {
	var out WakeOutcome
	h.cas(func(old uint32) (uint32, bool) {
		switch {
		case old&flagPolling != 0:
			out = WakeDeferred
			return old | flagWoken, true
		case old&(flagComplete|flagWoken) != 0:
			out = WakeDropped
			return old, false
		default:
			out = WakeEnqueue
			return old | flagWoken, true
		}
	})
	return out
}

// WakeByVal consumes the caller's reference; the caller must Release it
// after observing the outcome (a dropped wake means this was the extra
// ref the waker held).
func (h *Header) WakeByVal() WakeOutcome { return h.wake() }

// WakeByRef does not consume a reference.
func (h *Header) WakeByRef() WakeOutcome { return h.wake() }

// Cancel marks the task CANCELLED and WOKEN so a subsequent poll
// short-circuits.
func (h *Header) Cancel() {
	h.cas(func(old uint32) (uint32, bool) {
		return old | flagCancelled | flagWoken, true
	})
}

// TryJoinOutcome is the tagged result of TryJoin.
type TryJoinOutcome int

const (
	TryJoinTakeOutput TryJoinOutcome = iota
	TryJoinCanceled
	TryJoinRegister
	TryJoinReregister
)

// TryJoin evaluates the task state from the JoinHandle's perspective.
// CanceledCompleted is only meaningful when outcome == TryJoinCanceled.
func (h *Header) TryJoin() (outcome TryJoinOutcome, canceledCompleted bool) {
	h.cas(func(old uint32) (uint32, bool) {
		switch {
		case old&flagComplete != 0 && old&flagHasOutput != 0:
			outcome = TryJoinTakeOutput
			return old &^ flagHasOutput, true
		case old&flagCancelled != 0:
			outcome = TryJoinCanceled
			canceledCompleted = old&flagHasOutput != 0
			return old, false
		case getJoinWaker(old) == JoinWakerEmpty:
			outcome = TryJoinRegister
			return setJoinWaker(old, JoinWakerRegistering), true
		default:
			outcome = TryJoinReregister
			return setJoinWaker(old, JoinWakerRegistering), true
		}
	})
	return outcome, canceledCompleted
}

// JoinWakerRegistered transitions JOIN_WAKER from Registering to Waiting,
// completing a Register/Reregister signaled by TryJoin.
func (h *Header) JoinWakerRegistered() {
	h.cas(func(old uint32) (uint32, bool) {
		if getJoinWaker(old) != JoinWakerRegistering {
			return old, false
		}
		return setJoinWaker(old, JoinWakerWaiting), true
	})
}

// Clone increments the reference count (relaxed: ordering with the data
// the header guards is irrelevant, only the count matters).
func (h *Header) Clone() {
	if atomic.AddInt32(&h.refs, 1) <= 1 {
		panic("task: Clone on a header with no live references")
	}
}

// Release drops a reference, running release fn if this was the last one.
// The acquire side of the release-acquire pair is the AddInt32 that
// observed refs reaching zero.
func (h *Header) Release(onLastRelease func()) {
	n := atomic.AddInt32(&h.refs, -1)
	switch {
	case n == 0:
		if onLastRelease != nil {
			onLastRelease()
		}
	case n < 0:
		panic("task: reference count underflow")
	}
}

// Complete reports whether COMPLETE is set.
func (h *Header) Complete() bool { return atomic.LoadUint32(&h.state)&flagComplete != 0 }

// Cancelled reports whether CANCELLED is set.
func (h *Header) Cancelled() bool { return atomic.LoadUint32(&h.state)&flagCancelled != 0 }

// Polling reports whether POLLING is set.
func (h *Header) Polling() bool { return atomic.LoadUint32(&h.state)&flagPolling != 0 }
