package gptr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullInvariants(t *testing.T) {
	n := Null()
	require.True(t, n.IsNull())
	require.NoError(t, n.Validate(4))
}

func TestArithmeticCoherence(t *testing.T) {
	g := Ptr{Kind: KindHost, Rank: 1, Addr: 0x1000, Device: NoDevice}
	for i := int64(-7); i <= 7; i++ {
		for j := int64(-7); j <= 7; j++ {
			require.Equal(t, g.Add(i).Add(j), g.Add(i+j))
			require.Equal(t, i, g.Add(i).Sub(g))
		}
	}
}

func TestValidateRejectsBadRank(t *testing.T) {
	p := Ptr{Kind: KindHost, Rank: 5, Addr: 8, Device: NoDevice}
	require.Error(t, p.Validate(4))
}

func TestValidateRejectsHostWithDevice(t *testing.T) {
	p := Ptr{Kind: KindHost, Rank: 0, Addr: 8, Device: 0}
	require.Error(t, p.Validate(4))
}

func TestValidateRejectsDeviceWithoutDevice(t *testing.T) {
	p := Ptr{Kind: KindDevice, Rank: 0, Addr: 8, Device: NoDevice}
	require.Error(t, p.Validate(4))
}

func TestAlignment(t *testing.T) {
	p := Ptr{Addr: 16}
	require.True(t, p.CheckAlignment(8))
	require.False(t, p.CheckAlignment(32))
}

func TestSubPanicsAcrossRanks(t *testing.T) {
	a := Ptr{Rank: 0, Addr: 8}
	b := Ptr{Rank: 1, Addr: 8}
	require.Panics(t, func() { a.Sub(b) })
}

func TestLess(t *testing.T) {
	a := Ptr{Rank: 0, Addr: 8}
	b := Ptr{Rank: 0, Addr: 16}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}
