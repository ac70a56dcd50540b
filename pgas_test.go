package pgas

import (
	"context"
	"testing"

	"github.com/snake0/upcxx-2020.3.2-sub000/distobject"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/stretchr/testify/require"
)

func TestInitRequiresTransport(t *testing.T) {
	_, err := Init()
	require.Error(t, err)
	var fatal *FatalConfigError
	require.ErrorAs(t, err, &fatal)
}

func TestInitWiresSubsystemsOverLoopback(t *testing.T) {
	cluster := transport.NewCluster(1)
	tp := cluster.Transports()[0]
	rt, err := Init(WithTransport(tp), WithSharedHeapSize(1<<16))
	require.NoError(t, err)
	require.NoError(t, tp.Start(context.Background()))

	require.Equal(t, 0, rt.Rank())
	require.Equal(t, 1, rt.RankN())
	require.NotNil(t, rt.Arena())
	require.NotNil(t, rt.Registry())
	require.NotNil(t, rt.Persona())
	require.NotNil(t, rt.Engine())
	require.NotNil(t, rt.RMA())
	require.NotNil(t, rt.VIS())
	require.NotNil(t, rt.CopyEngine())
	require.NotNil(t, rt.Collectives())
	require.NotNil(t, rt.DistObjects())

	obj := NewDistObject[int64](rt, 42)
	require.EqualValues(t, 42, obj.Local())
	fut := distobject.Fetch[int64](rt.DistObjects(), obj.ID(), rt.Rank())
	require.True(t, fut.Ready())
	v, err := fut.Result()
	require.NoError(t, err)
	require.EqualValues(t, 42, v)

	require.NoError(t, rt.Finalize())
}

func TestFinalizeReportsOutstandingWork(t *testing.T) {
	cluster := transport.NewCluster(1)
	rt, err := Init(WithTransport(cluster.Transports()[0]))
	require.NoError(t, err)

	rt.Scope().LPCUser(rt.Persona(), false, func() {})

	err = rt.Finalize()
	require.Error(t, err)
	var warn *QuiescenceWarning
	require.ErrorAs(t, err, &warn)
	require.Equal(t, 1, warn.Outstanding)
}
