package bind

import (
	"testing"

	"github.com/snake0/upcxx-2020.3.2-sub000/future"
	"github.com/stretchr/testify/require"
)

func add(a, b int) int { return a + b }

func TestBindInvokeImmediate(t *testing.T) {
	b := Bind(add, 2, 3)
	out := b.Invoke()
	require.True(t, out.Ready())
	v, err := out.Result()
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestNestedBindFlattens(t *testing.T) {
	inner := Bind(add, 2)
	outer := Bind(inner, 3)
	require.Len(t, outer.args, 2)
	out := outer.Invoke()
	v, err := out.Result()
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestBindWithDeferredArgument(t *testing.T) {
	prom, fut := future.New[any]()
	b := Bind(add, Deferred{Fut: fut}, 10)
	out := b.Invoke()
	require.False(t, out.Ready())

	prom.Fulfill(5)
	require.True(t, out.Ready())
	v, err := out.Result()
	require.NoError(t, err)
	require.Equal(t, 15, v)
}

type distObjRef struct{ id int }

func (d distObjRef) OnWire() any { return d.id }

func TestOnWireTypeCapturesEncodedForm(t *testing.T) {
	b := Bind(add, distObjRef{id: 9}, 1)
	require.Equal(t, []any{9, 1}, b.OnWireArgs())
}
