// Package exec implements the multi-worker work-stealing executor
// described in §4.H: N workers each pinned to a local run queue, bounded
// concurrent stealing, a shared parking lot, and block_on.
package exec

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"rq"
	"task"

	"golang.org/x/sync/errgroup"
)

// Future is the minimal poll surface the executor drives. wake is called
// by the future (directly, or from another goroutine such as a timer
// firing) to report it may now make progress; a future must arrange to
// call it at most once per outstanding Poll.
type Future interface {
	Poll(wake func()) (done bool, output interface{})
}

// runnable pairs a task header with the future it polls and the storage
// needed to hand a result to a JoinHandle (§4.F/H).
type runnable struct {
	hdr *task.Header
	fut Future

	mu        sync.Mutex
	output    interface{}
	joinWaker task.Waker
}

func (r *runnable) setJoinWaker(w task.Waker) {
	r.mu.Lock()
	r.joinWaker = w
	r.mu.Unlock()
}

func (r *runnable) takeOutput() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output
}

func (r *runnable) fireJoinWaker() {
	r.mu.Lock()
	w := r.joinWaker
	r.joinWaker = nil
	r.mu.Unlock()
	if w != nil {
		w()
	}
}

// Worker owns one local run queue and runs on its own goroutine, one per
// logical CPU in the intended deployment.
type Worker struct {
	id     int
	ex     *Executor
	local  *rq.Local
	parkCh chan struct{}
	rng    *rand.Rand
	Stats  WorkerStats
}

// Executor is the fixed pool of workers sharing a global injector.
type Executor struct {
	workers  []*Worker
	injector *rq.Injector

	stealing atomic.Int32
	parked   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an Executor with n workers and starts their loops. Stop
// must be called to release the worker goroutines.
func New(n int) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	ex := &Executor{
		injector: rq.NewInjector(),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
	}
	for i := 0; i < n; i++ {
		w := &Worker{
			id:     i,
			ex:     ex,
			local:  rq.NewLocal(),
			parkCh: make(chan struct{}, 1),
			rng:    rand.New(rand.NewSource(int64(i) + 1)),
		}
		ex.workers = append(ex.workers, w)
	}
	for _, w := range ex.workers {
		w := w
		ex.group.Go(func() error {
			w.run()
			return nil
		})
	}
	return ex
}

// Stop cancels every worker's loop and waits for them to exit.
func (ex *Executor) Stop() {
	ex.cancel()
	ex.group.Wait()
}

// Handle joins a spawned task, binding the generic task.JoinHandle to
// the runnable that actually holds the stored output.
type Handle struct {
	jh *task.JoinHandle
	r  *runnable
}

// Poll drives the join. onWake is the caller's own notifier (e.g. "close
// a channel", "re-enqueue the polling task"); Poll stashes it on the
// runnable so the executor invokes it exactly once, when the task
// completes or is cancelled.
func (h *Handle) Poll(onWake func()) (ready bool, result task.JoinResult) {
	return h.jh.Poll(h.r.takeOutput, func() { h.r.setJoinWaker(onWake) })
}

// Abort cancels the underlying task.
func (h *Handle) Abort() { h.jh.Abort() }

// Spawn enqueues fut onto the global injector and returns a Handle over
// its eventual output.
func (ex *Executor) Spawn(fut Future) *Handle {
	hdr := task.New(true)
	r := &runnable{hdr: hdr, fut: fut}
	ex.injector.Push(r)
	ex.wakeOne()
	return &Handle{jh: task.NewJoinHandle(hdr), r: r}
}

// wakeOne nudges one parked worker, if any, to re-check its queues.
func (ex *Executor) wakeOne() {
	for _, w := range ex.workers {
		select {
		case w.parkCh <- struct{}{}:
			return
		default:
		}
	}
}

// reschedule pushes r back onto the owning worker's local queue, falling
// back to the global injector when called from outside a worker (e.g. a
// timer or external waker).
func (ex *Executor) reschedule(r *runnable, owner *Worker) {
	if owner != nil {
		owner.local.PushBackOrOverflow(r, ex.injector)
	} else {
		ex.injector.Push(r)
	}
	ex.wakeOne()
}

func (ex *Executor) pollOnce(r *runnable, owner *Worker) {
	outcome, wakeJoin := r.hdr.StartPoll()
	switch outcome {
	case task.PollAlreadyRunning:
		return
	case task.PollAborted:
		if wakeJoin {
			r.fireJoinWaker()
		}
		return
	}

	done, output := r.fut.Poll(func() {
		if wk := r.hdr.WakeByRef(); wk == task.WakeEnqueue {
			ex.reschedule(r, nil)
		}
	})

	if done {
		r.mu.Lock()
		r.output = output
		r.mu.Unlock()
	}

	switch r.hdr.EndPoll(done) {
	case task.PendingSchedule:
		ex.reschedule(r, owner)
	case task.ReadyJoined:
		r.fireJoinWaker()
	}
}

// tick runs up to 256 tasks from the worker's local queue (§4.H).
func (w *Worker) tick() bool {
	ran := 0
	for ran < 256 {
		v, ok := w.local.Pop()
		if !ok {
			break
		}
		r := v.(*runnable)
		start := time.Now()
		w.ex.pollOnce(r, w)
		w.Stats.AddBusy(time.Since(start))
		w.Stats.AddPolled(1)
		ran++
	}
	return ran > 0
}

// trySteal attempts to become a stealing worker, bounded so that at most
// half of non-parked workers (rounded up, so a lone worker may still
// steal) steal concurrently, then tries the injector, R=4 peer rounds
// from a random start, then the injector again.
func (w *Worker) trySteal() bool {
	n := len(w.ex.workers)
	nonParked := n - int(w.ex.parked.Load())
	for {
		cur := w.ex.stealing.Load()
		if 2*int(cur) >= nonParked {
			return false
		}
		if w.ex.stealing.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	defer w.ex.stealing.Add(-1)
	w.Stats.AddStealRound()

	if moved := w.ex.injector.BulkStealInto(w.local); moved > 0 {
		return true
	}

	const rounds = 4
	start := w.rng.Intn(n)
	for i := 0; i < rounds; i++ {
		idx := (start + i) % n
		if idx == w.id {
			continue
		}
		if moved := w.local.StealInto(w.ex.workers[idx].local); moved > 0 {
			return true
		}
	}

	return w.ex.injector.BulkStealInto(w.local) > 0
}

func (w *Worker) park() {
	w.ex.parked.Add(1)
	select {
	case <-w.parkCh:
	case <-w.ex.ctx.Done():
	}
	w.ex.parked.Add(-1)
}

func (w *Worker) run() {
	for {
		select {
		case <-w.ex.ctx.Done():
			return
		default:
		}
		if w.tick() {
			continue
		}
		if w.trySteal() {
			continue
		}
		w.park()
	}
}

// BlockOn drives fut to completion on the calling goroutine, interleaving
// helping ticks on the executor's workers with parking between wakeups
// (§4.H).
func (ex *Executor) BlockOn(fut Future) interface{} {
	hdr := task.New(false)
	wake := make(chan struct{}, 1)

	for {
		outcome, _ := hdr.StartPoll()
		if outcome == task.PollStarted {
			done, output := fut.Poll(func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
			hdr.EndPoll(done)
			if done {
				return output
			}
		}

		progressed := false
		for _, w := range ex.workers {
			if w.tick() {
				progressed = true
			}
		}
		if progressed {
			continue
		}

		select {
		case <-wake:
		case <-ex.ctx.Done():
			return nil
		}
	}
}
