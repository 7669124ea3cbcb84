package fiber

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwitchAndLinkRoundTrip(t *testing.T) {
	f := New(func(arg interface{}, y *Yielder) interface{} {
		n := arg.(int)
		return n * 2
	})

	v, finished := f.SwitchAndLink(21)
	require.True(t, finished)
	require.Equal(t, 42, v)
	require.True(t, f.Done())
}

func TestSwitchYieldIsResumable(t *testing.T) {
	f := New(func(arg interface{}, y *Yielder) interface{} {
		got := y.Yield(arg.(int) + 1)
		got2 := got.(int)
		return got2 * 10
	})

	v, finished := f.SwitchAndLink(1)
	require.False(t, finished)
	require.Equal(t, 2, v)
	require.False(t, f.Done())

	v, finished = f.SwitchAndLink(4)
	require.True(t, finished)
	require.Equal(t, 40, v)
}

func TestSwitchAndResetFinishesOnNextYieldCall(t *testing.T) {
	order := []string{}
	f := New(func(arg interface{}, y *Yielder) interface{} {
		order = append(order, "enter")
		y.Yield("suspend")
		order = append(order, "resumed-then-return")
		return "done"
	})

	_, finished := f.SwitchAndLink(nil)
	require.False(t, finished)

	_, finished = f.SwitchAndLink(nil)
	require.True(t, finished)
	require.Equal(t, []string{"enter", "resumed-then-return"}, order)
}

func TestSwitchAndThrowForcesUnwind(t *testing.T) {
	cleanedUp := false
	f := New(func(arg interface{}, y *Yielder) interface{} {
		defer func() { cleanedUp = true }()
		y.Yield("parked")
		return "never reached"
	})

	_, finished := f.SwitchAndLink(nil)
	require.False(t, finished)

	f.SwitchAndThrow()
	require.True(t, f.Done())
	require.True(t, cleanedUp)
}

func TestSwitchAndLinkOnFinishedFiberPanics(t *testing.T) {
	f := New(func(arg interface{}, y *Yielder) interface{} { return nil })
	f.SwitchAndLink(nil)
	require.Panics(t, func() { f.SwitchAndLink(nil) })
}
