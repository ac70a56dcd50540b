package transport

import (
	"context"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func startCluster(t *testing.T, n int) []*Loopback {
	t.Helper()
	c := NewCluster(n)
	ts := c.Transports()
	for _, tr := range ts {
		for id := HandlerID(0); id < NumReservedHandlers; id++ {
			id := id
			tr.RegisterHandler(id, func(from int, args, payload []byte) {})
		}
		require.NoError(t, tr.Start(context.Background()))
	}
	return ts
}

func TestEagerDelivery(t *testing.T) {
	ts := startCluster(t, 2)
	var got []byte
	ts[1].RegisterHandler(HandlerEagerMaster, func(from int, args, payload []byte) {
		got = append([]byte(nil), args...)
	})
	require.NoError(t, ts[0].SendEager(1, HandlerEagerMaster, []byte("hello")))
	require.Equal(t, 1, ts[1].Poll())
	require.Equal(t, []byte("hello"), got)
}

func TestPutGetRoundTrip(t *testing.T) {
	ts := startCluster(t, 2)
	dst := make([]byte, 8)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	h := ts[0].Put(1, addrOf(dst), src)
	require.True(t, h.Done())
	require.Equal(t, src, dst)

	out := make([]byte, 8)
	h2 := ts[0].Get(1, addrOf(dst), out)
	require.True(t, h2.Done())
	require.Equal(t, src, out)
}

func TestBarrierReleasesAllRanks(t *testing.T) {
	ts := startCluster(t, 4)
	var wg sync.WaitGroup
	for _, tr := range ts {
		tr := tr
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, tr.Barrier(context.Background()))
		}()
	}
	wg.Wait()
}

func TestReduceTrivialSum(t *testing.T) {
	ts := startCluster(t, 4)
	var wg sync.WaitGroup
	results := make([][]byte, len(ts))
	for i, tr := range ts {
		i, tr := i, tr
		buf := []byte{1, 0, 0, 0, 0, 0, 0, 0}
		results[i] = buf
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, tr.ReduceTrivial(context.Background(), int(OpAdd), buf, 8))
		}()
	}
	wg.Wait()
	for _, r := range results {
		require.EqualValues(t, 4, readUint(r))
	}
}

func TestBroadcastTrivial(t *testing.T) {
	ts := startCluster(t, 3)
	var wg sync.WaitGroup
	bufs := make([][]byte, len(ts))
	for i, tr := range ts {
		i, tr := i, tr
		buf := make([]byte, 4)
		if i == 0 {
			copy(buf, []byte{9, 9, 9, 9})
		}
		bufs[i] = buf
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, tr.BroadcastTrivial(context.Background(), 0, buf))
		}()
	}
	wg.Wait()
	for _, b := range bufs {
		require.Equal(t, []byte{9, 9, 9, 9}, b)
	}
}
