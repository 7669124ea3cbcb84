package task

// Waker is the callback a JoinHandle registers with a task header; the
// executor supplies the real implementation (re-enqueue onto a run
// queue), tests supply a closure.
type Waker func()

// JoinHandle is a future over a task header's output. It serializes
// registration through the header's JOIN_WAKER state (§4.F).
type JoinHandle struct {
	h *Header
}

// NewJoinHandle wraps h, which must have been constructed with
// hasJoinHandle = true.
func NewJoinHandle(h *Header) *JoinHandle { return &JoinHandle{h: h} }

// JoinResult is the outcome of a completed or canceled join.
type JoinResult struct {
	Output    interface{}
	Canceled  bool
	Completed bool // meaningful only when Canceled: did the task still produce an output
}

// Poll drives the JoinHandle once. takeOutput is invoked exactly when the
// task's output is ready to be taken (outcome TakeOutput). register is
// invoked when the handle must park; the caller already holds the waker
// it wants fired on completion or cancellation (it is the one that will
// be told to re-poll), so Poll only needs to know registration happened
// in order to complete the Registering -> Waiting transition.
func (j *JoinHandle) Poll(takeOutput func() interface{}, register func()) (ready bool, result JoinResult) {
	outcome, canceledCompleted := j.h.TryJoin()
	switch outcome {
	case TryJoinTakeOutput:
		return true, JoinResult{Output: takeOutput()}
	case TryJoinCanceled:
		return true, JoinResult{Canceled: true, Completed: canceledCompleted}
	case TryJoinRegister, TryJoinReregister:
		register()
		j.h.JoinWakerRegistered()
		return false, JoinResult{}
	default:
		return false, JoinResult{}
	}
}

// Abort marks the underlying task CANCELLED + WOKEN; any in-flight or
// future poll short-circuits.
func (j *JoinHandle) Abort() { j.h.Cancel() }
