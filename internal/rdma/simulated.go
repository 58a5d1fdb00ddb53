package rdma

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// Simulated is a software stand-in for the libverbs Provider, used whenever
// no RDMA-capable NIC is present. It runs the same state machine and key
// bookkeeping a real provider would — only the underlying device
// programming is mocked — matching the "simplified implementation" pattern
// already present in this codebase's RDMA module (see
// internal/hyperdrive's RDMAConnection in the example pack this server's
// design is drawn from).
type Simulated struct {
	deviceName string

	mu      sync.Mutex
	cqs     map[CQHandle]*simCQ
	qps     map[QPHandle]*simQP
	regions [][]byte

	nextID    atomic.Uint64
	keyCtr    atomic.Uint32
	pdAllocd  atomic.Bool
	devOpened atomic.Bool
}

type simCQ struct {
	entries int
}

type simQP struct {
	cq     CQHandle
	state  atomic.Value // State
	qpn    uint32
	access AccessFlags
}

// NewSimulated returns an unopened Simulated provider.
func NewSimulated() *Simulated {
	return &Simulated{
		cqs: make(map[CQHandle]*simCQ),
		qps: make(map[QPHandle]*simQP),
	}
}

func (s *Simulated) OpenDevice(name string) error {
	// A real provider enumerates /sys/class/infiniband and opens name,
	// falling back to the first entry; the simulated provider has exactly
	// one virtual device and always succeeds, recording name for logging.
	s.deviceName = name
	if s.deviceName == "" {
		s.deviceName = "sim0"
	}
	s.devOpened.Store(true)
	return nil
}

func (s *Simulated) AllocProtectionDomain() error {
	if !s.devOpened.Load() {
		return fmt.Errorf("rdma: alloc protection domain: %w", ErrDeviceUnavailable)
	}
	s.pdAllocd.Store(true)
	return nil
}

func (s *Simulated) RegisterRegion(region []byte, access AccessFlags) (uint32, error) {
	if !s.pdAllocd.Load() {
		return 0, fmt.Errorf("rdma: register region: protection domain not allocated")
	}
	s.mu.Lock()
	s.regions = append(s.regions, region)
	s.mu.Unlock()
	return s.keyCtr.Add(1), nil
}

func (s *Simulated) CreateCompletionQueue(entries int) (CQHandle, error) {
	id := CQHandle(s.nextID.Add(1))
	s.mu.Lock()
	s.cqs[id] = &simCQ{entries: entries}
	s.mu.Unlock()
	return id, nil
}

func (s *Simulated) DestroyCompletionQueue(cq CQHandle) {
	s.mu.Lock()
	delete(s.cqs, cq)
	s.mu.Unlock()
}

func (s *Simulated) CreateQueuePair(cq CQHandle, sendDepth, recvDepth int) (QPHandle, error) {
	s.mu.Lock()
	_, ok := s.cqs[cq]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("rdma: create queue pair: unknown completion queue %d", cq)
	}

	id := QPHandle(s.nextID.Add(1))
	qp := &simQP{cq: cq, qpn: uint32(id)}
	qp.state.Store(StateQPCreated)

	s.mu.Lock()
	s.qps[id] = qp
	s.mu.Unlock()
	return id, nil
}

func (s *Simulated) DestroyQueuePair(qp QPHandle) {
	s.mu.Lock()
	delete(s.qps, qp)
	s.mu.Unlock()
}

func (s *Simulated) lookupQP(qp QPHandle) (*simQP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.qps[qp]
	if !ok {
		return nil, fmt.Errorf("rdma: unknown queue pair %d", qp)
	}
	return q, nil
}

func (s *Simulated) ModifyQPInit(qp QPHandle, access AccessFlags, port uint8, pkeyIndex uint8) error {
	q, err := s.lookupQP(qp)
	if err != nil {
		return err
	}
	q.access = access
	q.state.Store(StateInit)
	return nil
}

func (s *Simulated) QueryGID(port uint8, typ GIDType) (int, [16]byte, error) {
	var gid [16]byte
	if _, err := rand.Read(gid[:]); err != nil {
		return 0, gid, fmt.Errorf("rdma: query gid: %w", err)
	}
	// A simulated RoCEv2/IPv4 GID always exists at table index 1, matching
	// the common real-hardware convention of index 0 being RoCE v1 and
	// index 1 being RoCE v2 for a given IPv4 address.
	return 1, gid, nil
}

func (s *Simulated) LocalQPN(qp QPHandle) uint32 {
	q, err := s.lookupQP(qp)
	if err != nil {
		return 0
	}
	return q.qpn
}

func (s *Simulated) ModifyQPRTR(qp QPHandle, remote EndpointInfo, gidIndex int, mtu MTU, maxDestRDAtomic uint8, minRNRTimer uint8, hopLimit uint8) error {
	q, err := s.lookupQP(qp)
	if err != nil {
		return err
	}
	if q.state.Load().(State) != StateInit {
		return fmt.Errorf("rdma: modify qp to rtr: not in INIT state")
	}
	q.state.Store(StateRTR)
	return nil
}

func (s *Simulated) ModifyQPRTS(qp QPHandle, localPSN uint32, timeout, retryCount, rnrRetry, maxRDAtomic uint8) error {
	q, err := s.lookupQP(qp)
	if err != nil {
		return err
	}
	if q.state.Load().(State) != StateRTR {
		return fmt.Errorf("rdma: modify qp to rts: not in RTR state")
	}
	q.state.Store(StateRTS)
	return nil
}

func (s *Simulated) ModifyQPError(qp QPHandle) error {
	q, err := s.lookupQP(qp)
	if err != nil {
		return err
	}
	q.state.Store(StateError)
	return nil
}

// randomPSN24 returns a random 24-bit packet sequence number, mirroring the
// original's lrand48() & 0xffffff.
func randomPSN24() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]) & 0xffffff, nil
}
