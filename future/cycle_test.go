package future

import (
	"testing"
	"unsafe"

	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/stretchr/testify/require"
)

func TestCheckCyclesDetectsSelfReferentialGraph(t *testing.T) {
	EnableCycleCheck(true)
	defer EnableCycleCheck(false)
	resetCycleGraph()
	defer resetCycleGraph()

	_, a := New[int]()
	_, b := New[int]()

	recordEdge(unsafe.Pointer(a.h), unsafe.Pointer(b.h), "then")
	recordEdge(unsafe.Pointer(b.h), unsafe.Pointer(a.h), "then")

	found := CheckCycles()
	require.NotEmpty(t, found)
}

func TestCheckCyclesQuietOnAcyclicGraph(t *testing.T) {
	EnableCycleCheck(true)
	defer EnableCycleCheck(false)
	resetCycleGraph()
	defer resetCycleGraph()

	per := persona.New(0, true)
	scope := per.Activate()
	defer scope.Release()

	p, f := New[int]()
	_ = Then(f, scope, per, func(v int) (int, error) { return v, nil })
	p.Fulfill(1)
	scope.Progress(persona.LevelUser, false)

	require.Empty(t, CheckCycles())
}

func TestRecordEdgeNoopWhenDisabled(t *testing.T) {
	EnableCycleCheck(false)
	resetCycleGraph()

	_, a := New[int]()
	_, b := New[int]()
	recordEdge(unsafe.Pointer(a.h), unsafe.Pointer(b.h), "then")

	require.Empty(t, CheckCycles())
}
