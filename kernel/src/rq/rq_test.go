package rq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushPopFIFOWithinCapacity(t *testing.T) {
	q := NewLocal()
	inj := NewInjector()
	for i := 0; i < 10; i++ {
		q.PushBackOrOverflow(i, inj)
	}
	for i := 0; i < 10; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestLocalQueueOverflowMovesHalfToInjector(t *testing.T) {
	q := NewLocal()
	inj := NewInjector()
	for i := 0; i < 256; i++ {
		q.PushBackOrOverflow(i, inj)
	}
	require.Equal(t, Capacity, q.Len())

	// the 257th push must half-steal into the injector first.
	q.PushBackOrOverflow(256, inj)
	require.Equal(t, 129, q.Len())

	moved := 0
	for {
		_, ok := inj.Pop()
		if !ok {
			break
		}
		moved++
	}
	require.Equal(t, StealHalf, moved)
}

func TestStealIntoTakesHalfOfAvailable(t *testing.T) {
	src := NewLocal()
	dst := NewLocal()
	inj := NewInjector()
	for i := 0; i < 32; i++ {
		src.PushBackOrOverflow(i, inj)
	}

	n := dst.StealInto(src)
	require.Equal(t, 16, n)
	require.Equal(t, 16, src.Len())
	require.Equal(t, 16, dst.Len())

	for i := 0; i < 16; i++ {
		v, ok := dst.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestStealIntoEmptyQueueIsNoop(t *testing.T) {
	src := NewLocal()
	dst := NewLocal()
	n := dst.StealInto(src)
	require.Equal(t, 0, n)
}

func TestInjectorFIFOAndBulkSteal(t *testing.T) {
	inj := NewInjector()
	for i := 0; i < 300; i++ {
		inj.Push(i)
	}

	dst := NewLocal()
	moved := inj.BulkStealInto(dst)
	require.Equal(t, BulkStealCap, moved)
	require.Equal(t, BulkStealCap, dst.Len())

	v, ok := dst.Pop()
	require.True(t, ok)
	require.Equal(t, 0, v)
}
