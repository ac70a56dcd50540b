package completion

import (
	"errors"
	"testing"

	"github.com/snake0/upcxx-2020.3.2-sub000/future"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/stretchr/testify/require"
)

func TestReturnFutureFiresOnEvent(t *testing.T) {
	s := New[int]()
	fut := ReturnFuture[int](s, EventOperation)
	require.False(t, fut.Ready())
	s.Fire(EventOperation, 42, nil)
	require.True(t, fut.Ready())
	v, err := fut.Result()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFulfillPromisePropagatesError(t *testing.T) {
	s := New[int]()
	prom, fut := future.New[int]()
	FulfillPromise[int](s, EventOperation, prom)
	boom := errors.New("boom")
	s.Fire(EventOperation, 0, boom)
	_, err := fut.Result()
	require.ErrorIs(t, err, boom)
}

func TestBufferAndBlock(t *testing.T) {
	s := New[string]()
	var out string
	var outErr error
	Buffer[string](s, EventSource, &out, &outErr)
	wait := Block[string](s, EventOperation)

	s.Fire(EventSource, "buffered", nil)
	require.Equal(t, "buffered", out)
	require.NoError(t, outErr)

	go s.Fire(EventOperation, "blocked", nil)
	v, err := wait()
	require.NoError(t, err)
	require.Equal(t, "blocked", v)
}

func TestScheduleLPCDispatchesOnPersona(t *testing.T) {
	per := persona.New(0, true)
	scope := per.Activate()
	defer scope.Release()

	s := New[int]()
	var got int
	ScheduleLPC[int](s, EventRemote, scope, per, true, func(v int, err error) {
		require.NoError(t, err)
		got = v
	})
	s.Fire(EventRemote, 9, nil)
	require.Equal(t, 9, got)
}

func TestSendRPCAndHasAction(t *testing.T) {
	s := New[int]()
	require.False(t, s.HasAction(EventRemote))
	called := false
	SendRPC[int](s, EventRemote, func(v int, err error) { called = true })
	require.True(t, s.HasAction(EventRemote))
	s.Fire(EventRemote, 1, errors.New("boom"))
	require.True(t, called)
}
