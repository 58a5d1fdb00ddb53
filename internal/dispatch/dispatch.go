// Package dispatch implements the Request Dispatcher from spec §4.7: it
// routes a parsed request to the handler for its opcode and drives that
// handler's response contract against the Cache Index, the Pinned Slab
// Allocator, the Copy Orchestrator and the RDMA Session Manager.
//
// Every exported Handle* method runs on the command-loop goroutine (see
// internal/server.Loop); none of them may block.
package dispatch

import (
	"unsafe"

	"github.com/ridgeback/gpucache/internal/cache"
	"github.com/ridgeback/gpucache/internal/gpudma"
	"github.com/ridgeback/gpucache/internal/memsys"
	"github.com/ridgeback/gpucache/internal/rdma"
	"github.com/ridgeback/gpucache/internal/session"
	"github.com/ridgeback/gpucache/internal/telemetry/log"
	"github.com/ridgeback/gpucache/internal/wire"
)

// Dispatcher wires the process-wide components a handler needs. One
// Dispatcher is shared by every connection; its fields are wired before the
// server starts running (server.New sets Completions) and are not mutated
// afterwards except through the components' own synchronization.
type Dispatcher struct {
	Index       *cache.Index
	Pool        *memsys.Pool
	Copies      *gpudma.Orchestrator
	Device      *rdma.Device
	Completions chan<- Completion   // re-injection channel the command loop drains
	OnCount     func(opcode string) // metrics hook; may be nil
}

// Completion is what a Copy Orchestrator callback posts back onto the
// command loop when a batch finishes draining — the Go realization of
// spec §5's "completion callbacks ... re-entered onto the event loop
// thread before touching connection or cache state."
type Completion struct {
	ConnID uint64
	Err    error
}

func (d *Dispatcher) count(op wire.Op) {
	if d.OnCount != nil {
		d.OnCount(op.String())
	}
}

// Dispatch routes req to its handler and returns the response to send. The
// caller is the command loop; it owns writing the response to the
// connection's socket via session.Conn's WriteResponse* methods.
func (d *Dispatcher) Dispatch(c *session.Conn, req session.Request) Response {
	d.count(req.Header.Op)

	switch req.Header.Op {
	case wire.OpW:
		return d.handleW(c, req.Body)
	case wire.OpR:
		return d.handleR(c, req.Body)
	case wire.OpSync:
		return d.handleSync(c)
	case wire.OpRDMAExchange:
		return d.handleRDMAExchange(c, req.Body)
	case wire.OpCheckExist:
		return d.handleCheckExist(req.Body)
	case wire.OpGetMatchLastIdx:
		return d.handleGetMatchLastIdx(req.Body)
	case wire.OpRDMAWrite:
		return d.handleRDMAWrite(req.Body)
	case wire.OpRDMARead:
		return d.handleRDMARead(req.Body)
	default:
		// Unreachable: session.Conn.ReadRequest already rejected unknown
		// opcodes via wire.Header.Verify before handing us a Request.
		return Response{Status: wire.StatusInvalidReq}
	}
}

// Response is what the command loop writes back on the connection. Payload
// is nil for status-only responses.
type Response struct {
	Status  wire.Status
	Payload []byte
}

func statusOnly(s wire.Status) Response { return Response{Status: s} }

func (d *Dispatcher) handleW(c *session.Conn, body []byte) Response {
	meta, err := wire.DecodeLocalMeta(body)
	if err != nil {
		log.Conn(c.ID).WithError(err).Warn("W: decode local meta")
		return statusOnly(wire.StatusSystemError)
	}

	ops := make([]gpudma.CopyOp, 0, len(meta.Blocks))
	for _, b := range meta.Blocks {
		h, err := d.Pool.Allocate(int(meta.BlockSize))
		if err != nil {
			log.Conn(c.ID).WithError(err).Warn("W: allocate slab")
			return statusOnly(wire.StatusSystemError)
		}

		d.Index.Insert(b.Key, cache.Entry{
			HostAddress: h.Address,
			ByteLength:  int(meta.BlockSize),
			SlabIndex:   h.SlabIndex,
		})

		ops = append(ops, gpudma.CopyOp{
			Direction:    gpudma.DeviceToHost,
			HostAddr:     h.Address,
			DeviceOffset: int(b.Offset),
			Bytes:        int(meta.BlockSize),
		})
	}

	if err := d.submitBatch(c, meta.IPCHandle, ops); err != nil {
		log.Conn(c.ID).WithError(err).Warn("W: submit copy batch")
		return statusOnly(wire.StatusSystemError)
	}
	return statusOnly(wire.StatusTaskAccepted)
}

func (d *Dispatcher) handleR(c *session.Conn, body []byte) Response {
	meta, err := wire.DecodeLocalMeta(body)
	if err != nil {
		log.Conn(c.ID).WithError(err).Warn("R: decode local meta")
		return statusOnly(wire.StatusSystemError)
	}

	ops := make([]gpudma.CopyOp, 0, len(meta.Blocks))
	for _, b := range meta.Blocks {
		e, ok := d.Index.Lookup(b.Key)
		if !ok {
			// Every key is looked up before the batch is submitted, so a
			// miss returns before any copy of this batch is enqueued.
			return statusOnly(wire.StatusKeyNotFound)
		}
		ops = append(ops, gpudma.CopyOp{
			Direction:    gpudma.HostToDevice,
			HostAddr:     e.HostAddress,
			DeviceOffset: int(b.Offset),
			Bytes:        e.ByteLength,
		})
	}

	if err := d.submitBatch(c, meta.IPCHandle, ops); err != nil {
		log.Conn(c.ID).WithError(err).Warn("R: submit copy batch")
		return statusOnly(wire.StatusSystemError)
	}
	return statusOnly(wire.StatusTaskAccepted)
}

// submitBatch hands ops to the Copy Orchestrator on c's stream, bumping
// in_flight_copies now and arranging for the completion callback — invoked
// from a worker-pool goroutine — to decrement it again once re-injected
// onto the command loop (see internal/server for the re-injection channel).
func (d *Dispatcher) submitBatch(c *session.Conn, handle [64]byte, ops []gpudma.CopyOp) error {
	c.InFlight++
	connID := c.ID
	err := d.Copies.SubmitBatch(c.Stream, handle, ops, func(err error) {
		if d.Completions != nil {
			d.Completions <- Completion{ConnID: connID, Err: err}
		}
	})
	if err != nil {
		// A rejected batch never reaches the completion callback.
		c.InFlight--
	}
	return err
}

// HandleCompletion applies one re-injected batch completion to its
// connection: decrement in_flight_copies and log a failed drain. The
// command loop calls this after looking conn up by ConnID in its
// registry; a nil conn (connection already torn down) is a deliberate
// no-op, matching spec §5's cancellation policy.
func (d *Dispatcher) HandleCompletion(c *session.Conn, comp Completion) {
	if c == nil {
		return
	}
	c.InFlight--
	if comp.Err != nil {
		log.Conn(comp.ConnID).WithError(comp.Err).Warn("copy batch drain failed")
	}
}

func (d *Dispatcher) handleSync(c *session.Conn) Response {
	var payload [4]byte
	putInt32(payload[:], c.InFlight)
	return Response{Status: wire.StatusFinish, Payload: payload[:]}
}

func (d *Dispatcher) handleRDMAExchange(c *session.Conn, body []byte) Response {
	if len(body) != endpointInfoWireSize {
		return statusOnly(wire.StatusSystemError)
	}
	remote := decodeEndpointInfo(body)

	local, err := c.RDMA.Exchange(remote)
	if err != nil {
		log.Conn(c.ID).WithError(err).Warn("RDMA_EXCHANGE failed")
		return statusOnly(wire.StatusSystemError)
	}
	return Response{Status: wire.StatusFinish, Payload: encodeEndpointInfo(local)}
}

func (d *Dispatcher) handleCheckExist(body []byte) Response {
	key := string(body)
	var present int32 = 1
	if d.Index.Contains(key) {
		present = 0
	}
	var payload [4]byte
	putInt32(payload[:], present)
	return Response{Status: wire.StatusFinish, Payload: payload[:]}
}

func (d *Dispatcher) handleGetMatchLastIdx(body []byte) Response {
	keys, err := wire.DecodeKeysList(body)
	if err != nil {
		return statusOnly(wire.StatusSystemError)
	}
	idx := d.Index.LongestMatchingPrefixLength(keys.Keys)
	var payload [4]byte
	putInt32(payload[:], int32(idx))
	return Response{Status: wire.StatusFinish, Payload: payload[:]}
}

func (d *Dispatcher) handleRDMAWrite(body []byte) Response {
	req, err := wire.DecodeRemoteMetaRequest(body)
	if err != nil {
		return statusOnly(wire.StatusSystemError)
	}

	blocks := make([]wire.RemoteBlock, 0, len(req.Keys))
	for _, key := range req.Keys {
		h, err := d.Pool.Allocate(int(req.BlockSize))
		if err != nil {
			return statusOnly(wire.StatusSystemError)
		}
		rkey, err := d.Pool.RemoteKey(h.SlabIndex)
		if err != nil {
			return statusOnly(wire.StatusSystemError)
		}

		d.Index.Insert(key, cache.Entry{
			HostAddress: h.Address,
			ByteLength:  int(req.BlockSize),
			SlabIndex:   h.SlabIndex,
		})

		blocks = append(blocks, wire.RemoteBlock{
			RemoteKey:     rkey,
			RemoteAddress: addressOf(h.Address),
		})
	}

	return Response{Status: wire.StatusTaskAccepted, Payload: wire.EncodeRemoteMetaResponse(wire.RemoteMetaResponse{Blocks: blocks})}
}

func (d *Dispatcher) handleRDMARead(body []byte) Response {
	req, err := wire.DecodeRemoteMetaRequest(body)
	if err != nil {
		return statusOnly(wire.StatusSystemError)
	}

	blocks := make([]wire.RemoteBlock, 0, len(req.Keys))
	for _, key := range req.Keys {
		e, ok := d.Index.Lookup(key)
		if !ok {
			return statusOnly(wire.StatusKeyNotFound)
		}
		rkey, err := d.Pool.RemoteKey(e.SlabIndex)
		if err != nil {
			return statusOnly(wire.StatusSystemError)
		}
		blocks = append(blocks, wire.RemoteBlock{
			RemoteKey:     rkey,
			RemoteAddress: addressOf(e.HostAddress),
		})
	}

	return Response{Status: wire.StatusTaskAccepted, Payload: wire.EncodeRemoteMetaResponse(wire.RemoteMetaResponse{Blocks: blocks})}
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// addressOf derives a stable numeric "remote address" for a slab's backing
// bytes. Real hardware would hand back the registered region's base plus
// offset; this process-local surrogate is consistent for the lifetime of
// the slab (the slice never moves, since memsys.Pool never reallocates its
// backing array) and is documented in DESIGN.md.
func addressOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
