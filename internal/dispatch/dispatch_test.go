package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeback/gpucache/internal/cache"
	"github.com/ridgeback/gpucache/internal/gpudma"
	"github.com/ridgeback/gpucache/internal/memsys"
	"github.com/ridgeback/gpucache/internal/rdma"
	"github.com/ridgeback/gpucache/internal/session"
	"github.com/ridgeback/gpucache/internal/wire"
)

type harness struct {
	d     *Dispatcher
	conn  *session.Conn
	gp    *gpudma.SoftwareProvider
	comps chan Completion
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	gp := gpudma.NewSoftwareProvider()
	orch := gpudma.NewOrchestrator(gp, 4)

	dev, err := rdma.OpenDevice(rdma.NewSimulated(), "")
	require.NoError(t, err)

	pool, err := memsys.NewPool(memsys.Config{TotalBytes: 4 * 32 * 1024, BlockBytes: 32 * 1024}, dev)
	require.NoError(t, err)

	comps := make(chan Completion, 16)
	d := &Dispatcher{
		Index:       cache.New(),
		Pool:        pool,
		Copies:      orch,
		Device:      dev,
		Completions: comps,
	}

	stream, err := gp.CreateOrderedCopyStream()
	require.NoError(t, err)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go discardReads(client)

	c := session.New(1, server, stream, rdma.NewSession(dev))
	return &harness{d: d, conn: c, gp: gp, comps: comps}
}

// discardReads drains whatever the session writes back so WriteResponse
// never blocks against an unread net.Pipe peer.
func discardReads(r net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

func (h *harness) awaitCompletion(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-h.comps:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for copy-batch completion")
		return Completion{}
	}
}

func TestHandleWThenCheckExistAndSync(t *testing.T) {
	h := newHarness(t)

	device := make([]byte, 64*1024)
	copy(device, []byte("deadbeefdeadbeefdeadbeefdeadbeef"))
	var handle [64]byte
	copy(handle[:], "handle-1")
	h.gp.RegisterSharedBuffer(handle, device)

	meta := wire.LocalMeta{
		IPCHandle: handle,
		BlockSize: 32 * 1024,
		Blocks:    []wire.BlockRef{{Key: "k1", Offset: 0}},
	}
	resp := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpW, Magic: wire.Magic},
		Body:   wire.EncodeLocalMeta(meta),
	})
	assert.Equal(t, wire.StatusTaskAccepted, resp.Status)
	assert.EqualValues(t, 1, h.conn.InFlight)

	comp := h.awaitCompletion(t)
	h.d.HandleCompletion(h.conn, comp)
	assert.EqualValues(t, 0, h.conn.InFlight)

	check := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpCheckExist, Magic: wire.Magic},
		Body:   []byte("k1"),
	})
	assert.Equal(t, wire.StatusFinish, check.Status)
	assert.Equal(t, int32(0), decodeI32(check.Payload)) // 0 == present

	sync := h.d.Dispatch(h.conn, session.Request{Header: wire.Header{Op: wire.OpSync}})
	assert.Equal(t, wire.StatusFinish, sync.Status)
	assert.Equal(t, int32(0), decodeI32(sync.Payload))
}

func TestHandleRMissingKeyReturnsKeyNotFound(t *testing.T) {
	h := newHarness(t)

	var handle [64]byte
	copy(handle[:], "handle-2")
	h.gp.RegisterSharedBuffer(handle, make([]byte, 64*1024))

	resp := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpR, Magic: wire.Magic},
		Body: wire.EncodeLocalMeta(wire.LocalMeta{
			IPCHandle: handle,
			BlockSize: 32 * 1024,
			Blocks:    []wire.BlockRef{{Key: "missing", Offset: 0}},
		}),
	})
	assert.Equal(t, wire.StatusKeyNotFound, resp.Status)
}

func TestGetMatchLastIdx(t *testing.T) {
	h := newHarness(t)
	h.d.Index.Insert("a", cache.Entry{})
	h.d.Index.Insert("b", cache.Entry{})

	resp := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpGetMatchLastIdx, Magic: wire.Magic},
		Body:   wire.EncodeKeysList(wire.KeysList{Keys: []string{"a", "b", "c"}}),
	})
	assert.Equal(t, wire.StatusFinish, resp.Status)
	assert.Equal(t, int32(1), decodeI32(resp.Payload))
}

func TestRDMAExchangeThenSecondCallFails(t *testing.T) {
	h := newHarness(t)

	remote := rdma.EndpointInfo{QueuePairNumber: 5, PacketSequenceNumber: 9}
	resp := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpRDMAExchange, Magic: wire.Magic},
		Body:   encodeEndpointInfo(remote),
	})
	require.Equal(t, wire.StatusFinish, resp.Status)
	require.Len(t, resp.Payload, endpointInfoWireSize)

	second := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpRDMAExchange, Magic: wire.Magic},
		Body:   encodeEndpointInfo(remote),
	})
	assert.Equal(t, wire.StatusSystemError, second.Status)
}

func TestRDMAWriteAllocatesAndReturnsRemoteKeys(t *testing.T) {
	h := newHarness(t)

	resp := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpRDMAWrite, Magic: wire.Magic},
		Body: wire.EncodeRemoteMetaRequest(wire.RemoteMetaRequest{
			BlockSize: 32 * 1024,
			Keys:      []string{"r1", "r2"},
		}),
	})
	require.Equal(t, wire.StatusTaskAccepted, resp.Status)

	out, err := wire.DecodeRemoteMetaResponse(resp.Payload)
	require.NoError(t, err)
	assert.Len(t, out.Blocks, 2)
	for _, b := range out.Blocks {
		assert.NotZero(t, b.RemoteKey)
	}
	assert.True(t, h.d.Index.Contains("r1"))
	assert.True(t, h.d.Index.Contains("r2"))
}

func TestRDMAReadMissingKeyReturnsKeyNotFound(t *testing.T) {
	h := newHarness(t)

	resp := h.d.Dispatch(h.conn, session.Request{
		Header: wire.Header{Op: wire.OpRDMARead, Magic: wire.Magic},
		Body: wire.EncodeRemoteMetaRequest(wire.RemoteMetaRequest{
			BlockSize: 32 * 1024,
			Keys:      []string{"nope"},
		}),
	})
	assert.Equal(t, wire.StatusKeyNotFound, resp.Status)
	assert.Nil(t, resp.Payload)
}

func decodeI32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
