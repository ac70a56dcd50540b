package persona

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActivateTwiceConcurrentlyPanics(t *testing.T) {
	p := New(0, true)
	scope := p.Activate()
	defer scope.Release()
	require.Panics(t, func() { p.Activate() })
}

func TestLPCInlineWhenBurstable(t *testing.T) {
	p := New(0, false)
	scope := p.Activate()
	defer scope.Release()

	ran := false
	scope.LPC(p, true, func() { ran = true })
	require.True(t, ran, "burstable LPC to the active persona must run inline")
}

func TestLPCQueuedAcrossGoroutines(t *testing.T) {
	p := New(0, false)
	scope := p.Activate()

	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	go func() {
		defer wg.Done()
		// a different goroutine has no scope over p, so this always queues
		other := &Scope{p: nil}
		other.LPC(p, true, func() { ran = true })
	}()
	wg.Wait()

	require.False(t, ran, "must not run inline before a progress call")
	n := scope.Progress(LevelInternal, false)
	require.Equal(t, 1, n)
	require.True(t, ran)
	scope.Release()
}

func TestProgressLevelSeparation(t *testing.T) {
	p := New(0, false)
	scope := p.Activate()
	defer scope.Release()

	var internalRan, userRan bool
	scope.LPC(p, false, func() { internalRan = true })
	scope.LPCUser(p, false, func() { userRan = true })

	n := scope.Progress(LevelInternal, false)
	require.Equal(t, 1, n)
	require.True(t, internalRan)
	require.False(t, userRan)

	n = scope.Progress(LevelUser, false)
	require.Equal(t, 1, n)
	require.True(t, userRan)
}

func TestDischargeReflectsOutstandingWork(t *testing.T) {
	p := New(0, false)
	scope := p.Activate()
	defer scope.Release()

	require.True(t, p.Discharge())
	scope.LPC(p, false, func() {})
	require.False(t, p.Discharge())
	scope.Progress(LevelInternal, false)
	require.True(t, p.Discharge())
}

func TestRegisterWorker(t *testing.T) {
	p := New(0, false)
	require.False(t, p.isWorker(7))
	p.RegisterWorker(7)
	require.True(t, p.isWorker(7))
	p.UnregisterWorker(7)
	require.False(t, p.isWorker(7))
}

func TestActivateWaitsForWorkersToVacate(t *testing.T) {
	p := New(0, false)
	p.RegisterWorker(7)

	done := make(chan *Scope, 1)
	go func() { done <- p.Activate() }()

	select {
	case <-done:
		t.Fatal("Activate returned while a worker was still registered")
	case <-time.After(20 * time.Millisecond):
	}

	p.UnregisterWorker(7)
	scope := <-done
	require.NotNil(t, scope)
	scope.Release()
}
