// Package rdma implements the RDMA Session Manager from spec §4.6: the
// per-connection queue-pair bring-up state machine (NONE → CQ_CREATED →
// QP_CREATED → INIT → RTR → RTS) and the RDMA capability interface it is
// built against. Two Provider implementations exist: a cgo/libverbs one
// (see provider_cgo_linux.go, built only with the cgo and linux build
// tags) and a software Simulated one used everywhere else, including in
// every test in this package (see DESIGN.md).
package rdma

import (
	"errors"
	"fmt"
)

// MaxWR is the per-side work-request depth used to size every queue pair
// and completion queue this server creates, matching the original's MAX_WR.
const MaxWR = 128

// AccessFlags mirrors the ibv_access_flags bitmask the original passes to
// ibv_modify_qp(INIT) and ibv_reg_mr.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// MTU mirrors ibv_mtu; only the 1024-byte path attribute the RTR transition
// uses is named here.
type MTU uint32

const MTU1024 MTU = 1024

// GIDType selects the GID table entries ibv_query_gid_table filters by.
type GIDType int

const (
	GIDTypeRoCEv2 GIDType = iota
)

// EndpointInfo is the wire-exchanged half of a QP bring-up: the peer's QP
// number, packet sequence number, and GID, per spec §3.
type EndpointInfo struct {
	QueuePairNumber      uint32
	PacketSequenceNumber uint32 // low 24 bits significant
	GID                  [16]byte
}

// CQHandle and QPHandle are opaque provider-assigned identifiers; the real
// cgo provider's versions wrap *C.struct_ibv_cq / *C.struct_ibv_qp instead.
type CQHandle uint64
type QPHandle uint64

// ErrDeviceUnavailable is returned when no RDMA device could be opened by
// name or by falling back to the first enumerated device.
var ErrDeviceUnavailable = errors.New("rdma: no usable device")

// ErrNoMatchingGID is returned when port GID enumeration finds no entry of
// the requested type and address family.
var ErrNoMatchingGID = errors.New("rdma: no RoCEv2/IPv4 GID on this port")

// Provider is the RDMA capability interface consumed by Session and by
// internal/memsys.Pool (through the narrower Registrar view). It follows
// the exact verbs sequence spec §4.6 specifies: enumerate/open device,
// allocate one protection domain, register one pinned region, then per
// connection create a CQ and RC QP and walk it through
// INIT → RTR → RTS.
type Provider interface {
	// OpenDevice opens the named device, falling back to the first
	// enumerated device if name is empty or not found.
	OpenDevice(name string) error

	// AllocProtectionDomain allocates the process-global protection
	// domain used by every subsequent memory registration and QP.
	AllocProtectionDomain() error

	// RegisterRegion registers a single contiguous host buffer for the
	// given access flags and returns its remote key.
	RegisterRegion(region []byte, access AccessFlags) (remoteKey uint32, err error)

	// CreateCompletionQueue creates a CQ with room for entries completions.
	CreateCompletionQueue(entries int) (CQHandle, error)
	DestroyCompletionQueue(cq CQHandle)

	// CreateQueuePair creates a Reliable-Connection QP using cq for both
	// send and receive completions.
	CreateQueuePair(cq CQHandle, sendDepth, recvDepth int) (QPHandle, error)
	DestroyQueuePair(qp QPHandle)

	// ModifyQPInit transitions qp to INIT with the given access flags on
	// the named port and partition-key index.
	ModifyQPInit(qp QPHandle, access AccessFlags, port uint8, pkeyIndex uint8) error

	// QueryGID returns the port's GID index and value for the first GID
	// matching typ over IPv4, or ErrNoMatchingGID.
	QueryGID(port uint8, typ GIDType) (gidIndex int, gid [16]byte, err error)

	// LocalQPN returns the QP number the peer must be told about.
	LocalQPN(qp QPHandle) uint32

	// ModifyQPRTR transitions qp to Ready-to-Receive against remote,
	// using the given MTU, max destination RD atomic count, minimum RNR
	// timer, local gidIndex and hop limit for the global route header.
	ModifyQPRTR(qp QPHandle, remote EndpointInfo, gidIndex int, mtu MTU, maxDestRDAtomic uint8, minRNRTimer uint8, hopLimit uint8) error

	// ModifyQPRTS transitions qp to Ready-to-Send with the given timeout,
	// retry count, RNR retry count, max RD atomic count and local PSN.
	ModifyQPRTS(qp QPHandle, localPSN uint32, timeout, retryCount, rnrRetry, maxRDAtomic uint8) error

	// ModifyQPError moves qp to the terminal ERROR state during teardown.
	ModifyQPError(qp QPHandle) error
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("rdma: %s: %w", op, err)
}
