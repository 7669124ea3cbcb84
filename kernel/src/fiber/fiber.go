// Package fiber implements the one-shot symmetric coroutine primitive used
// by the WASM runtime's call trampolines (§4.E). The spec's switch points
// (switch_and_link / switch_yield / switch_and_reset / switch_and_throw)
// describe a raw register-save stack switch; Go exposes no portable,
// non-assembly way to swap stack pointers, and the asm shims that would do
// it are explicitly out of scope (spec.md §1: "the handlers are in scope;
// the asm shims are not"). This package reproduces the same symmetric
// hand-off protocol on top of a dedicated goroutine and a pair of
// unbuffered channels, which gives each fiber its own real goroutine stack
// (growable, safely garbage collected) instead of a hand-managed one.
package fiber

import "fmt"

// State tracks whether a fiber can still be resumed.
type State int

const (
	Ready State = iota
	Running
	Suspended
	Finished
)

// Yielder is handed to a fiber's initial closure so it can suspend itself
// (§4.E's switch_yield) and observe unwind requests (switch_and_throw).
type Yielder struct {
	f *Fiber
}

// Yield suspends the fiber, handing val back to whichever caller is
// blocked in SwitchAndLink, and returns the argument supplied to
// the next resume. It panics with unwindSignal if the next resume was
// actually a throw, which the fiber's top-level recover in run() turns
// into the forced-unwind behavior switch_and_throw specifies.
func (y *Yielder) Yield(val interface{}) interface{} {
	y.f.toCaller <- message{val: val}
	next := <-y.f.toFiber
	if next.unwind {
		panic(unwindSignal{})
	}
	return next.val
}

type message struct {
	val      interface{}
	unwind   bool
	finished bool
}

type unwindSignal struct{}

// Fiber owns a dedicated goroutine and carries a single initial closure,
// matching §4.E ("A fiber owns a stack and carries a single initial
// closure").
type Fiber struct {
	toFiber  chan message
	toCaller chan message
	state    State
}

// New starts fn on a fresh goroutine, immediately blocked waiting for the
// first SwitchAndLink (the goroutine's initial block stands in for the
// "saved registers frame pointing at a trampoline" in §4.E's initial stack
// layout: nothing runs until the first switch).
func New(fn func(arg interface{}, y *Yielder) interface{}) *Fiber {
	f := &Fiber{
		toFiber:  make(chan message),
		toCaller: make(chan message),
		state:    Ready,
	}
	go f.run(fn)
	return f
}

func (f *Fiber) run(fn func(arg interface{}, y *Yielder) interface{}) {
	first := <-f.toFiber
	y := &Yielder{f: f}

	result := func() (out message) {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(unwindSignal); ok {
					out = message{unwind: true, finished: true}
					return
				}
				panic(r)
			}
		}()
		v := fn(first.val, y)
		return message{val: v, finished: true}
	}()

	f.toCaller <- result
}

// SwitchAndLink resumes the fiber with arg and blocks until it yields,
// resets, or finishes (§4.E).
func (f *Fiber) SwitchAndLink(arg interface{}) (val interface{}, finished bool) {
	if f.state == Finished {
		panic("fiber: switch_and_link on a finished fiber")
	}
	f.state = Running
	f.toFiber <- message{val: arg}
	m := <-f.toCaller
	if m.finished {
		f.state = Finished
	} else {
		f.state = Suspended
	}
	return m.val, m.finished
}

// SwitchAndThrow resumes the fiber on a synthetic unwind path, forcing it
// to run its deferred cleanups up to its root before control returns to
// the caller (§4.E).
func (f *Fiber) SwitchAndThrow() {
	if f.state == Finished {
		return
	}
	f.state = Running
	f.toFiber <- message{unwind: true}
	<-f.toCaller
	f.state = Finished
}

// Done reports whether the fiber has finished and can never be resumed
// again.
func (f *Fiber) Done() bool { return f.state == Finished }

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
