package dispatch

import (
	"encoding/binary"

	"github.com/ridgeback/gpucache/internal/rdma"
)

// endpointInfoWireSize is rdma.EndpointInfo's on-wire width: a u32 QP
// number, a u32 packet sequence number (only the low 24 bits significant),
// a 16-byte GID, and 4 bytes of reserved padding matching the original's
// rdma_conn_info_t layout.
const endpointInfoWireSize = 4 + 4 + 16 + 4

func encodeEndpointInfo(e rdma.EndpointInfo) []byte {
	buf := make([]byte, endpointInfoWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], e.QueuePairNumber)
	binary.LittleEndian.PutUint32(buf[4:8], e.PacketSequenceNumber)
	copy(buf[8:24], e.GID[:])
	// buf[24:28] reserved/pad
	return buf
}

func decodeEndpointInfo(buf []byte) rdma.EndpointInfo {
	var e rdma.EndpointInfo
	e.QueuePairNumber = binary.LittleEndian.Uint32(buf[0:4])
	e.PacketSequenceNumber = binary.LittleEndian.Uint32(buf[4:8])
	copy(e.GID[:], buf[8:24])
	return e
}
