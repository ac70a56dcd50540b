package command

import (
	"testing"

	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndDispatch(t *testing.T) {
	id := RegisterExecutor("test.echo", func(args []byte) []byte {
		out := append([]byte(nil), args...)
		out = append(out, '!')
		return out
	})
	cmd := Command{Executor: id, Args: []byte("hi"), Cleanup: CleanupFree}
	got := Dispatch(cmd)
	require.Equal(t, []byte("hi!"), got)
	require.Equal(t, "test.echo", Name(id))
}

func TestCommandCodecRoundTrip(t *testing.T) {
	id := RegisterExecutor("test.codec", func(args []byte) []byte { return nil })
	cmd := Command{Executor: id, Args: []byte("payload"), Cleanup: CleanupRendezvous}

	w := wire.NewUnboundedWriter()
	Codec().Serialize(w, cmd)

	r := wire.NewReader(w.Bytes())
	got := Codec().Deserialize(r)
	require.Equal(t, cmd.Executor, got.Executor)
	require.Equal(t, cmd.Args, got.Args)
	require.Equal(t, cmd.Cleanup, got.Cleanup)
}
