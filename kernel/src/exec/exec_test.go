package exec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// readyFuture completes on its first poll.
type readyFuture struct{ val interface{} }

func (f *readyFuture) Poll(wake func()) (bool, interface{}) { return true, f.val }

// afterNPolls completes only once Poll has been called n times, calling
// wake to ask for another turn in between.
type afterNPolls struct {
	n     int
	calls int
	val   interface{}
}

func (f *afterNPolls) Poll(wake func()) (bool, interface{}) {
	f.calls++
	if f.calls >= f.n {
		return true, f.val
	}
	wake()
	return false, nil
}

func TestSpawnAndJoinImmediateCompletion(t *testing.T) {
	ex := New(2)
	defer ex.Stop()

	jh := ex.Spawn(&readyFuture{val: 42})

	require.Eventually(t, func() bool {
		ready, res := jh.Poll(func() {})
		return ready && res.Output == 42
	}, time.Second, time.Millisecond)
}

func TestSpawnManyTasksGetStolenAndRun(t *testing.T) {
	ex := New(4)
	defer ex.Stop()

	const n = 50
	for i := 0; i < n; i++ {
		ex.Spawn(&afterNPolls{n: 3, val: i})
	}

	require.Eventually(t, func() bool {
		total := int64(0)
		for _, w := range ex.workers {
			total += w.Stats.TasksPolled
		}
		return total >= n*3
	}, 2*time.Second, time.Millisecond)
}

func TestBlockOnReturnsFutureOutput(t *testing.T) {
	ex := New(1)
	defer ex.Stop()

	out := ex.BlockOn(&afterNPolls{n: 5, val: "done"})
	require.Equal(t, "done", out)
}

// afterNPolls.Poll calls wake() synchronously while the task is still
// POLLING. A wake landing mid-poll must not trigger an immediate
// reschedule (that's exec.go's pollOnce wake closure); only EndPoll
// observing WOKEN afterward should requeue it, exactly once per
// incomplete poll. If wake() mis-reports that case as WakeEnqueue, the
// runnable gets queued twice per incomplete poll and TasksPolled is
// inflated by the leftover no-op dequeues.
func TestSynchronousSelfWakeDuringPollDoesNotDoubleSchedule(t *testing.T) {
	ex := New(1)
	defer ex.Stop()

	jh := ex.Spawn(&afterNPolls{n: 4, val: "ok"})

	require.Eventually(t, func() bool {
		ready, res := jh.Poll(func() {})
		return ready && res.Output == "ok"
	}, time.Second, time.Millisecond)

	var total int64
	for _, w := range ex.workers {
		total += w.Stats.TasksPolled
	}
	require.EqualValues(t, 4, total)
}
