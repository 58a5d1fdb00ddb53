package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeback/gpucache/internal/cache"
	"github.com/ridgeback/gpucache/internal/dispatch"
	"github.com/ridgeback/gpucache/internal/gpudma"
	"github.com/ridgeback/gpucache/internal/memsys"
	"github.com/ridgeback/gpucache/internal/rdma"
	"github.com/ridgeback/gpucache/internal/wire"
)

func newTestLoop(t *testing.T) (*Loop, net.Addr) {
	t.Helper()

	gp := gpudma.NewSoftwareProvider()
	orch := gpudma.NewOrchestrator(gp, 4)
	dev, err := rdma.OpenDevice(rdma.NewSimulated(), "")
	require.NoError(t, err)
	pool, err := memsys.NewPool(memsys.Config{TotalBytes: 4 * 32 * 1024, BlockBytes: 32 * 1024}, dev)
	require.NoError(t, err)

	d := &dispatch.Dispatcher{Index: cache.New(), Pool: pool, Copies: orch, Device: dev}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := New(ln, d, gp, dev)
	go func() { _ = l.Run() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
	return l, ln.Addr()
}

func sendSync(t *testing.T, addr net.Addr) int32 {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	h := wire.Header{Magic: wire.Magic, Op: wire.OpSync}
	hb := h.Marshal()
	_, err = conn.Write(hb[:])
	require.NoError(t, err)

	var statusBuf [4]byte
	_, err = io.ReadFull(conn, statusBuf[:])
	require.NoError(t, err)
	require.EqualValues(t, wire.StatusFinish, int32(binary.LittleEndian.Uint32(statusBuf[:])))

	var sizeBuf [4]byte
	_, err = io.ReadFull(conn, sizeBuf[:])
	require.NoError(t, err)
	size := binary.LittleEndian.Uint32(sizeBuf[:])

	payload := make([]byte, size)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return int32(binary.LittleEndian.Uint32(payload))
}

func TestSyncOverLoopbackReturnsZeroInFlight(t *testing.T) {
	_, addr := newTestLoop(t)
	assert.EqualValues(t, 0, sendSync(t, addr))
}

func TestCheckExistOverLoopbackForMissingKey(t *testing.T) {
	_, addr := newTestLoop(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	key := []byte("nope")
	h := wire.Header{Magic: wire.Magic, Op: wire.OpCheckExist, BodySize: uint32(len(key))}
	hb := h.Marshal()
	_, err = conn.Write(hb[:])
	require.NoError(t, err)
	_, err = conn.Write(key)
	require.NoError(t, err)

	var statusBuf [4]byte
	_, err = io.ReadFull(conn, statusBuf[:])
	require.NoError(t, err)
	assert.EqualValues(t, wire.StatusFinish, int32(binary.LittleEndian.Uint32(statusBuf[:])))

	var sizeBuf [4]byte
	require.NoError(t, readFull(conn, sizeBuf[:]))
	payload := make([]byte, binary.LittleEndian.Uint32(sizeBuf[:]))
	require.NoError(t, readFull(conn, payload))
	assert.EqualValues(t, 1, int32(binary.LittleEndian.Uint32(payload))) // 1 == absent
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
