package future

import (
	"errors"
	"testing"

	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/stretchr/testify/require"
)

func TestReadyFuture(t *testing.T) {
	f := Ready(42)
	require.True(t, f.Ready())
	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestPromiseFulfillRunsContinuations(t *testing.T) {
	p, f := New[int]()
	require.False(t, f.Ready())
	fired := false
	f.onReady(func() { fired = true })
	p.Fulfill(7)
	require.True(t, fired)
	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestFulfillTwicePanics(t *testing.T) {
	p, _ := New[int]()
	p.Fulfill(1)
	require.Panics(t, func() { p.Fulfill(2) })
}

func TestThenChainsThroughPersona(t *testing.T) {
	per := persona.New(0, true)
	scope := per.Activate()
	defer scope.Release()

	p, f := New[int]()
	doubled := Then(f, scope, per, func(v int) (int, error) { return v * 2, nil })

	p.Fulfill(21)
	scope.Progress(persona.LevelUser, false)

	require.True(t, doubled.Ready())
	v, err := doubled.Result()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestThenPropagatesError(t *testing.T) {
	per := persona.New(0, true)
	scope := per.Activate()
	defer scope.Release()

	boom := errors.New("boom")
	f := ReadyErr[int](boom)
	next := Then(f, scope, per, func(v int) (int, error) { return v, nil })
	scope.Progress(persona.LevelUser, false)

	_, err := next.Result()
	require.ErrorIs(t, err, boom)
}

func TestWhenAllWaitsForEvery(t *testing.T) {
	p1, f1 := New[int]()
	p2, f2 := New[int]()
	p3, f3 := New[int]()

	agg := WhenAll(f1, f2, f3)
	require.False(t, agg.Ready())

	p1.Fulfill(1)
	require.False(t, agg.Ready())
	p2.Fulfill(2)
	require.False(t, agg.Ready())
	p3.Fulfill(3)
	require.True(t, agg.Ready())

	v, err := agg.Result()
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, v)
}

func TestWaitSpinsUntilReady(t *testing.T) {
	p, f := New[int]()
	calls := 0
	go func() { p.Fulfill(5) }()
	v := Wait(f, func() { calls++ })
	require.Equal(t, 5, v)
	_ = calls
}
