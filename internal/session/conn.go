// Package session implements the per-connection state machine from spec
// §4.3: a HEADER/BODY byte-batch parser that accumulates a socket's bytes
// into a request, hands each complete request to the command loop, and
// never reads ahead of what it has already dispatched.
package session

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ridgeback/gpucache/internal/gpudma"
	"github.com/ridgeback/gpucache/internal/rdma"
	"github.com/ridgeback/gpucache/internal/wire"
)

// Request is one fully-parsed request ready for dispatch: header plus raw
// body bytes (still opaque — the dispatcher decodes the body shape that
// matches the opcode).
type Request struct {
	Header wire.Header
	Body   []byte
}

// Conn owns one accepted connection's parse state, buffers, copy stream and
// RDMA session — nothing about a connection is shared with any other
// connection, per spec §3.
type Conn struct {
	ID uint64

	rw     io.ReadWriter
	reader *bufio.Reader

	Stream   gpudma.Stream
	RDMA     *rdma.Session
	InFlight int32 // in_flight_copies, mutated only on the command loop
}

// New wraps rw (typically a *net.TCPConn) with the buffering the parser
// needs and assigns it stream/RDMA session state acquired on accept per
// spec §5's resource-scoping rule.
func New(id uint64, rw io.ReadWriter, stream gpudma.Stream, rdmaSession *rdma.Session) *Conn {
	return &Conn{
		ID:     id,
		rw:     rw,
		reader: bufio.NewReaderSize(rw, 64*1024),
		Stream: stream,
		RDMA:   rdmaSession,
	}
}

// ReadRequest blocks until one full request (header, and body if the
// opcode carries one) has arrived, or returns an error on a transport
// failure or clean EOF. It performs the magic/opcode verification
// described in spec §4.3's HEADER-completion step; a bad header is a
// transport-level error per spec §7 and the caller must close the
// connection.
func (c *Conn) ReadRequest() (Request, error) {
	var hdrBuf [wire.HeaderSize]byte
	if _, err := io.ReadFull(c.reader, hdrBuf[:]); err != nil {
		return Request{}, err
	}

	h, err := wire.UnmarshalHeader(hdrBuf[:])
	if err != nil {
		return Request{}, fmt.Errorf("session: %w", err)
	}
	if err := h.Verify(); err != nil {
		return Request{}, err
	}

	if !h.Op.HasBody() {
		return Request{Header: h}, nil
	}

	body := make([]byte, h.BodySize)
	if h.BodySize > 0 {
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return Request{}, fmt.Errorf("session: read body: %w", err)
		}
	}
	return Request{Header: h, Body: body}, nil
}

// WriteResponse writes a status-only response frame: just the return code.
func (c *Conn) WriteResponse(status wire.Status) error {
	return c.writeFrame(status, nil)
}

// WriteResponsePayload writes a response frame carrying a payload: return
// code, then a length-prefixed payload, per spec §4.2's framing rule.
func (c *Conn) WriteResponsePayload(status wire.Status, payload []byte) error {
	return c.writeFrame(status, payload)
}

func (c *Conn) writeFrame(status wire.Status, payload []byte) error {
	var statusBuf [4]byte
	putInt32(statusBuf[:], int32(status))
	if _, err := c.rw.Write(statusBuf[:]); err != nil {
		return fmt.Errorf("session: write status: %w", err)
	}
	if payload == nil {
		return nil
	}

	var sizeBuf [4]byte
	putInt32(sizeBuf[:], int32(len(payload)))
	if _, err := c.rw.Write(sizeBuf[:]); err != nil {
		return fmt.Errorf("session: write payload size: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.rw.Write(payload); err != nil {
			return fmt.Errorf("session: write payload: %w", err)
		}
	}
	return nil
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Close tears down this connection's owned resources: the copy stream and
// RDMA session. Safe to call multiple times.
func (c *Conn) Close(gp gpudma.Provider) {
	if c.RDMA != nil {
		c.RDMA.Close()
	}
	if c.Stream != 0 {
		gp.DestroyCopyStream(c.Stream)
		c.Stream = 0
	}
}
