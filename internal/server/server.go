// Package server realizes spec §5's single-mutation-thread model as a
// command loop: one goroutine that owns the connection registry and drives
// every call into the Request Dispatcher, fed by one reader goroutine per
// accepted connection (see SPEC_FULL.md's "Event-loop realization").
package server

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/ridgeback/gpucache/internal/dispatch"
	"github.com/ridgeback/gpucache/internal/gpudma"
	"github.com/ridgeback/gpucache/internal/rdma"
	"github.com/ridgeback/gpucache/internal/session"
	"github.com/ridgeback/gpucache/internal/telemetry/log"
)

// backlog matches spec §6's required TCP listen backlog.
const backlog = 128

// loopRequest carries one parsed request from a connection's reader
// goroutine to the command loop, plus a channel the loop uses to hand the
// response back for writing.
type loopRequest struct {
	conn   *session.Conn
	req    session.Request
	respCh chan dispatch.Response
}

// Loop is the command loop: the one goroutine that ever touches the cache
// index, the allocator's free list, or an RDMA queue pair.
type Loop struct {
	listener   net.Listener
	dispatcher *dispatch.Dispatcher
	gpu        gpudma.Provider
	device     *rdma.Device

	requests    chan loopRequest
	completions chan dispatch.Completion
	registerCh  chan *session.Conn
	unregCh     chan uint64
	stopCh      chan struct{}
	doneCh      chan struct{}

	acceptCtr atomic.Uint64
	connCount atomic.Int64 // mirrors len(conns), safe to read from any goroutine
	conns     map[uint64]*session.Conn // owned exclusively by runCommandLoop
}

// New builds a Loop around listener, wired to the given dispatcher, GPU
// provider and RDMA device. It sets d.Completions to the Loop's own
// completion channel, so the dispatcher's copy-batch completions are
// drained by this Loop's command loop.
func New(listener net.Listener, d *dispatch.Dispatcher, gpu gpudma.Provider, device *rdma.Device) *Loop {
	l := &Loop{
		listener:    listener,
		dispatcher:  d,
		gpu:         gpu,
		device:      device,
		requests:    make(chan loopRequest, 256),
		completions: make(chan dispatch.Completion, 256),
		registerCh:  make(chan *session.Conn, 16),
		unregCh:     make(chan uint64, 16),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		conns:       make(map[uint64]*session.Conn),
	}
	d.Completions = l.completions
	return l
}

// Listen opens a TCP listener on addr and wraps it in a Loop. The listener
// is opened with the kernel's default accept-queue size; backlog is only
// logged.
func Listen(addr string, d *dispatch.Dispatcher, gpu gpudma.Provider, device *rdma.Device) (*Loop, error) {
	// Go's net package has no direct backlog parameter; the kernel's
	// accept queue is sized by net.core.somaxconn, which operators must
	// set to at least backlog since there is no Go-level knob to enforce it.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	log.L.WithField("backlog", backlog).Info("listening")
	return New(ln, d, gpu, device), nil
}

// Run accepts connections until Stop is called or the listener errors. It
// recovers a panic in the command loop itself, logs a stack trace, and
// returns a non-nil error so main can exit 1 — the closest Go analogue to
// spec §6's SIGSEGV-yields-backtrace behavior.
func (l *Loop) Run() (err error) {
	go l.runCommandLoop()

	for {
		conn, acceptErr := l.listener.Accept()
		if acceptErr != nil {
			select {
			case <-l.stopCh:
				close(l.doneCh)
				return nil
			default:
				return fmt.Errorf("server: accept: %w", acceptErr)
			}
		}
		go l.handleConn(conn)
	}
}

// Stop closes the listener and signals the command loop to exit, then
// waits for Run's accept loop to observe the close.
func (l *Loop) Stop(ctx context.Context) error {
	close(l.stopCh)
	_ = l.listener.Close()
	select {
	case <-l.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.dispatcher.Copies.Shutdown(ctx)
}

func (l *Loop) nextConnID(remote net.Addr) uint64 {
	seq := l.acceptCtr.Add(1)
	h := xxhash.New()
	if remote != nil {
		_, _ = h.Write([]byte(remote.String()))
	}
	var seqBuf [8]byte
	for i := range seqBuf {
		seqBuf[i] = byte(seq >> (8 * i))
	}
	_, _ = h.Write(seqBuf[:])
	return h.Sum64()
}

func (l *Loop) handleConn(nc net.Conn) {
	defer nc.Close()

	id := l.nextConnID(nc.RemoteAddr())

	stream, err := l.gpu.CreateOrderedCopyStream()
	if err != nil {
		log.Conn(id).WithError(err).Error("create copy stream")
		return
	}

	c := session.New(id, nc, stream, rdma.NewSession(l.device))

	select {
	case l.registerCh <- c:
	case <-l.stopCh:
		c.Close(l.gpu)
		return
	}
	defer func() {
		select {
		case l.unregCh <- id:
		case <-l.stopCh:
		}
		c.Close(l.gpu)
	}()

	for {
		req, err := c.ReadRequest()
		if err != nil {
			return
		}

		respCh := make(chan dispatch.Response, 1)
		select {
		case l.requests <- loopRequest{conn: c, req: req, respCh: respCh}:
		case <-l.stopCh:
			return
		}

		var resp dispatch.Response
		select {
		case resp = <-respCh:
		case <-l.stopCh:
			return
		}

		if resp.Payload != nil {
			err = c.WriteResponsePayload(resp.Status, resp.Payload)
		} else {
			err = c.WriteResponse(resp.Status)
		}
		if err != nil {
			log.Conn(id).WithError(err).Warn("write response")
			return
		}
	}
}

func (l *Loop) runCommandLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.L.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("command loop panic")
			// Closing the listener makes Run's Accept fail, so Run returns
			// a non-nil error.
			_ = l.listener.Close()
		}
	}()

	for {
		select {
		case lr := <-l.requests:
			resp := l.dispatcher.Dispatch(lr.conn, lr.req)
			lr.respCh <- resp

		case comp := <-l.completions:
			l.dispatcher.HandleCompletion(l.conns[comp.ConnID], comp)

		case c := <-l.registerCh:
			l.conns[c.ID] = c
			l.connCount.Add(1)

		case id := <-l.unregCh:
			delete(l.conns, id)
			l.connCount.Add(-1)

		case <-l.stopCh:
			return
		}
	}
}

// OpenConnections reports the number of currently registered connections;
// exposed for internal/telemetry/metrics.Sources. Safe to call from any
// goroutine.
func (l *Loop) OpenConnections() int { return int(l.connCount.Load()) }
