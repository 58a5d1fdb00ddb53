package rdma

import (
	"fmt"
	"sync"
)

// State is a connection's position in the QP bring-up state machine.
type State int

const (
	StateNone State = iota
	StateCQCreated
	StateQPCreated
	StateInit
	StateRTR
	StateRTS
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateCQCreated:
		return "CQ_CREATED"
	case StateQPCreated:
		return "QP_CREATED"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// bringUpPort is the fixed local port every QP is created against; the
// original hard-codes port 1 and this server has no multi-port config.
const bringUpPort uint8 = 1

// Session is the per-connection RDMA bring-up state machine described in
// spec §4.6. It owns exactly one CQ and one QP, walks them from NONE to
// RTS exactly once, and tears both down on Close.
type Session struct {
	device *Device

	mu    sync.Mutex
	state State
	cq    CQHandle
	qp    QPHandle
	local EndpointInfo
}

// NewSession returns a Session bound to device's Provider, in state NONE.
func NewSession(device *Device) *Session {
	return &Session{device: device}
}

// State returns the session's current bring-up state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Exchange runs the RDMA_EXCHANGE handshake (spec §4.6 steps 1-9) against
// the peer's EndpointInfo and returns this side's EndpointInfo to send
// back. It fails with an error (mapped by the dispatcher to SYSTEM_ERROR)
// if the session has already reached RTS, or if any verbs step fails. A
// failure partway through bring-up tears down whatever CQ/QP it had
// created and resets the session back to NONE, so a client that hit a
// transient verbs error can simply retry RDMA_EXCHANGE — only a session
// that has actually completed bring-up (RTS) is rejected, matching the
// original's `rdma_connected` flag, which is set only once RTS is reached.
func (s *Session) Exchange(remote EndpointInfo) (EndpointInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRTS {
		return EndpointInfo{}, fmt.Errorf("rdma: exchange: session already connected (state %s)", s.state)
	}

	p := s.device.Provider

	cq, err := p.CreateCompletionQueue(2 * MaxWR)
	if err != nil {
		s.resetLocked()
		return EndpointInfo{}, wrap("create completion queue", err)
	}
	s.cq = cq
	s.state = StateCQCreated

	qp, err := p.CreateQueuePair(cq, MaxWR, MaxWR)
	if err != nil {
		s.teardownLocked()
		return EndpointInfo{}, wrap("create queue pair", err)
	}
	s.qp = qp
	s.state = StateQPCreated

	access := AccessRemoteWrite | AccessRemoteRead | AccessLocalWrite
	if err := p.ModifyQPInit(qp, access, bringUpPort, 0); err != nil {
		s.teardownLocked()
		return EndpointInfo{}, wrap("modify qp to init", err)
	}
	s.state = StateInit

	gidIndex, gid, err := p.QueryGID(bringUpPort, GIDTypeRoCEv2)
	if err != nil {
		s.teardownLocked()
		return EndpointInfo{}, wrap("query gid", err)
	}

	psn, err := randomPSN24()
	if err != nil {
		s.teardownLocked()
		return EndpointInfo{}, wrap("generate psn", err)
	}
	s.local = EndpointInfo{
		QueuePairNumber:      p.LocalQPN(qp),
		PacketSequenceNumber: psn,
		GID:                  gid,
	}

	if err := p.ModifyQPRTR(qp, remote, gidIndex, MTU1024, 4, 12, 1); err != nil {
		s.teardownLocked()
		return EndpointInfo{}, wrap("modify qp to rtr", err)
	}
	s.state = StateRTR

	if err := p.ModifyQPRTS(qp, s.local.PacketSequenceNumber, 14, 7, 7, 1); err != nil {
		s.teardownLocked()
		return EndpointInfo{}, wrap("modify qp to rts", err)
	}
	s.state = StateRTS

	return s.local, nil
}

// teardownLocked destroys whatever CQ/QP this session had created during a
// failed bring-up attempt and resets it to NONE so Exchange can be retried.
// Caller must hold s.mu.
func (s *Session) teardownLocked() {
	if s.qp != 0 {
		s.device.Provider.DestroyQueuePair(s.qp)
		s.qp = 0
	}
	s.resetLocked()
}

// resetLocked destroys the CQ (if any) and returns the session to NONE.
// Caller must hold s.mu.
func (s *Session) resetLocked() {
	if s.cq != 0 {
		s.device.Provider.DestroyCompletionQueue(s.cq)
		s.cq = 0
	}
	s.state = StateNone
}

// Close tears down the session's QP and CQ if they were created,
// transitioning the QP to ERROR first per spec §4.6's teardown note.
// Close is idempotent and safe to call on a session that never reached
// RDMA_EXCHANGE.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNone {
		return
	}
	if s.state >= StateInit {
		_ = s.device.Provider.ModifyQPError(s.qp)
	}
	if s.qp != 0 {
		s.device.Provider.DestroyQueuePair(s.qp)
	}
	if s.cq != 0 {
		s.device.Provider.DestroyCompletionQueue(s.cq)
	}
	s.state = StateError
}
