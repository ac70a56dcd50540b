package copyengine_test

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/copyengine"
	"github.com/snake0/upcxx-2020.3.2-sub000/gptr"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/rma"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/stretchr/testify/require"
)

const devID = 0

type rig struct {
	t        *transport.Loopback
	arena    *heap.Arena
	registry *heap.Registry
	engine   *rpc.Engine
	rma      *rma.Endpoint
	driver   *copyengine.FakeDriver
	cp       *copyengine.Endpoint
	master   *persona.Persona
	scope    *persona.Scope
}

func newRig(t *transport.Loopback, segSize uintptr, devSize int) *rig {
	arena := heap.New(segSize, &heap.Footprint{})
	registry := heap.NewRegistry(t.Rank(), t.LocalTeam())
	master := persona.New(t.Rank(), true)
	engine := rpc.New(t, arena, registry, master)
	engine.InstallHandlers()
	endpoint := rma.New(t, registry, engine)
	driver := copyengine.NewFakeDriver()
	driver.AddDevice(devID, devSize)
	cp := copyengine.New(t.Rank(), registry, arena, endpoint, engine, driver)
	return &rig{t: t, arena: arena, registry: registry, engine: engine, rma: endpoint, driver: driver, cp: cp, master: master, scope: master.Activate()}
}

func (r *rig) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.arena.Base())), int(r.arena.Size()))
}

func (r *rig) devicePtr(addr uintptr) gptr.Ptr {
	return gptr.Ptr{Kind: gptr.KindDevice, Rank: r.t.Rank(), Addr: addr, Device: devID}
}

func setupCluster(t *testing.T, n int, segSize uintptr, devSize int) []*rig {
	t.Helper()
	cluster := transport.NewCluster(n)
	transports := cluster.Transports()
	rigs := make([]*rig, n)
	for i, tp := range transports {
		rigs[i] = newRig(tp, segSize, devSize)
	}
	for _, tp := range transports {
		require.NoError(t, tp.Start(context.Background()))
	}
	for _, r := range rigs {
		for _, peer := range rigs {
			r.registry.Register(peer.t.Rank(), peer.arena.Base(), segSize)
		}
	}
	return rigs
}

func pumpUntil(t *testing.T, rigs []*rig, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		for _, r := range rigs {
			r.engine.Poll()
			r.scope.Progress(persona.LevelUser, false)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition")
		}
	}
}

func waitOnce(t *testing.T, rigs []*rig) (*completion.Set[struct{}], *bool) {
	comp := completion.New[struct{}]()
	done := false
	comp.On(completion.EventOperation, func(_ struct{}, err error) {
		require.NoError(t, err)
		done = true
	})
	return comp, &done
}

// TestLocalHostHost is the same-rank, same-kind case: a plain memcpy within
// one rank's shared segment.
func TestLocalHostHost(t *testing.T) {
	rigs := setupCluster(t, 1, 1<<16, 64)
	r := rigs[0]
	base, ok := r.registry.LocalToGlobal(r.arena.Base())
	require.True(t, ok)
	copy(r.bytes(), []byte("hello world, this is host data"))

	comp, done := waitOnce(t, rigs)
	require.NoError(t, r.cp.Copy(base.Add(40), base, 11, comp))
	pumpUntil(t, rigs, func() bool { return *done }, time.Second)
	require.Equal(t, []byte("hello world"), r.bytes()[40:51])
}

// TestLocalHostDevice and TestLocalDeviceHost are the same-rank,
// cross-kind cases: the driver performs the copy directly.
func TestLocalHostDevice(t *testing.T) {
	rigs := setupCluster(t, 1, 1<<16, 64)
	r := rigs[0]
	copy(r.bytes(), []byte("device bound"))
	src, ok := r.registry.LocalToGlobal(r.arena.Base())
	require.True(t, ok)
	dst := r.devicePtr(0)

	comp, done := waitOnce(t, rigs)
	require.NoError(t, r.cp.Copy(dst, src, 12, comp))
	pumpUntil(t, rigs, func() bool { return *done }, time.Second)
	require.Equal(t, []byte("device bound"), r.driver.DeviceBytes(devID)[:12])
}

func TestLocalDeviceHost(t *testing.T) {
	rigs := setupCluster(t, 1, 1<<16, 64)
	r := rigs[0]
	copy(r.driver.DeviceBytes(devID), []byte("from the device"))
	src := r.devicePtr(0)
	dst, ok := r.registry.LocalToGlobal(r.arena.Base())
	require.True(t, ok)

	comp, done := waitOnce(t, rigs)
	require.NoError(t, r.cp.Copy(dst, src, 15, comp))
	pumpUntil(t, rigs, func() bool { return *done }, time.Second)
	require.Equal(t, []byte("from the device"), r.bytes()[:15])
}

// TestRemoteHostHost is a plain cross-rank host-to-host copy: the
// initiator is the source rank, so this reduces to an rma.Put.
func TestRemoteHostHost(t *testing.T) {
	rigs := setupCluster(t, 2, 1<<16, 64)
	copy(rigs[0].bytes(), []byte("remote payload"))
	src, ok := rigs[0].registry.LocalToGlobal(rigs[0].arena.Base())
	require.True(t, ok)
	dst, ok := rigs[1].registry.LocalToGlobal(rigs[1].arena.Base())
	require.True(t, ok)

	comp, done := waitOnce(t, rigs)
	require.NoError(t, rigs[0].cp.Copy(dst, src, 14, comp))
	pumpUntil(t, rigs, func() bool { return *done }, time.Second)
	require.Equal(t, []byte("remote payload"), rigs[1].bytes()[:14])
}

// TestRemoteDeviceToHost is the "source has device memory" staged case:
// the initiator (the source rank) stages into a rank-local bounce buffer
// via its own driver, then puts the bounce to the remote host destination.
func TestRemoteDeviceToHost(t *testing.T) {
	rigs := setupCluster(t, 2, 1<<16, 64)
	copy(rigs[0].driver.DeviceBytes(devID), []byte("staged from device"))
	src := rigs[0].devicePtr(0)
	dst, ok := rigs[1].registry.LocalToGlobal(rigs[1].arena.Base())
	require.True(t, ok)

	comp, done := waitOnce(t, rigs)
	require.NoError(t, rigs[0].cp.Copy(dst, src, 18, comp))
	pumpUntil(t, rigs, func() bool { return *done }, time.Second)
	require.Equal(t, []byte("staged from device"), rigs[1].bytes()[:18])
}

// TestRemoteHostToDevice is the "destination has device memory" staged
// case: the initiator (the destination rank) gets into a rank-local host
// bounce buffer, then lands it into its own device via the driver.
func TestRemoteHostToDevice(t *testing.T) {
	rigs := setupCluster(t, 2, 1<<16, 64)
	copy(rigs[0].bytes(), []byte("bound for a device"))
	src, ok := rigs[0].registry.LocalToGlobal(rigs[0].arena.Base())
	require.True(t, ok)
	dst := rigs[1].devicePtr(0)

	comp, done := waitOnce(t, rigs)
	require.NoError(t, rigs[1].cp.Copy(dst, src, 18, comp))
	pumpUntil(t, rigs, func() bool { return *done }, time.Second)
	require.Equal(t, []byte("bound for a device"), rigs[1].driver.DeviceBytes(devID)[:18])
}

// TestDelegatedThreeParty exercises spec.md §4.13's three-party case: a
// third rank initiates a copy between two other ranks' host memory, which
// neither endpoint is the initiator for, so it must delegate to the
// destination rank's own Endpoint.
func TestDelegatedThreeParty(t *testing.T) {
	rigs := setupCluster(t, 3, 1<<16, 64)
	copy(rigs[0].bytes(), []byte("third party copy"))
	src, ok := rigs[0].registry.LocalToGlobal(rigs[0].arena.Base())
	require.True(t, ok)
	dst, ok := rigs[1].registry.LocalToGlobal(rigs[1].arena.Base())
	require.True(t, ok)

	comp, done := waitOnce(t, rigs)
	require.NoError(t, rigs[2].cp.Copy(dst, src, 16, comp))
	pumpUntil(t, rigs, func() bool { return *done }, time.Second)
	require.Equal(t, []byte("third party copy"), rigs[1].bytes()[:16])
}

// TestFourKinds is spec.md §8 scenario F: content rotates among a host and
// a device buffer on each of two ranks, exercising a same-rank host→device
// copy and a cross-rank device→host copy in sequence.
func TestFourKinds(t *testing.T) {
	rigs := setupCluster(t, 2, 1<<16, 64)
	h0, ok := rigs[0].registry.LocalToGlobal(rigs[0].arena.Base())
	require.True(t, ok)
	h1, ok := rigs[1].registry.LocalToGlobal(rigs[1].arena.Base())
	require.True(t, ok)
	d0 := rigs[0].devicePtr(0)
	d1 := rigs[1].devicePtr(0)

	const n = 8
	copy(rigs[0].bytes(), []byte("rotation"))

	steps := []struct {
		from, to gptr.Ptr
		initiator int
		readBack  func() []byte
	}{
		{h0, d0, 0, func() []byte { return rigs[0].driver.DeviceBytes(devID)[:n] }},
		{d0, h1, 1, func() []byte { return rigs[1].bytes()[:n] }},
		{h1, d1, 1, func() []byte { return rigs[1].driver.DeviceBytes(devID)[:n] }},
		{d1, h0, 0, func() []byte { return rigs[0].bytes()[:n] }},
	}

	for i, s := range steps {
		comp, done := waitOnce(t, rigs)
		require.NoError(t, rigs[s.initiator].cp.Copy(s.to, s.from, n, comp), "step %d", i)
		pumpUntil(t, rigs, func() bool { return *done }, time.Second)
		require.Equal(t, []byte("rotation"), s.readBack(), "step %d", i)
	}
}
