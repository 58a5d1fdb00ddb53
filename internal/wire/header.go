// Package wire implements the length-prefixed binary request protocol:
// a fixed-width header, a variable-size body whose length the header
// declares, and the four structured body shapes handlers decode it into.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic is the compile-time constant every request header must carry.
const Magic uint32 = 0x474B5543 // "GKUC"

// HeaderSize is the fixed on-wire width of Header.
const HeaderSize = 12

// Op identifies a request's opcode.
type Op uint8

const (
	OpW                 Op = iota + 1 // cache-ingress via GPU
	OpR                               // cache-egress via GPU
	OpSync                            // in-flight copy count
	OpRDMAExchange                    // QP bring-up handshake
	OpCheckExist                      // key presence check
	OpGetMatchLastIdx                 // longest matching prefix
	OpRDMAWrite                       // allocate-for-remote
	OpRDMARead                        // lookup-for-remote
)

// magicExempt reports whether an opcode skips the header magic check. Per
// the original source, SYNC is read and dispatched the moment the header is
// complete, before the (nonexistent) verify-header call that every other
// opcode goes through on its way to a body read.
func (op Op) magicExempt() bool { return op == OpSync }

// HasBody reports whether this opcode carries a body the connection state
// machine must read before dispatch.
func (op Op) HasBody() bool { return op != OpSync }

func (op Op) String() string {
	switch op {
	case OpW:
		return "W"
	case OpR:
		return "R"
	case OpSync:
		return "SYNC"
	case OpRDMAExchange:
		return "RDMA_EXCHANGE"
	case OpCheckExist:
		return "CHECK_EXIST"
	case OpGetMatchLastIdx:
		return "GET_MATCH_LAST_IDX"
	case OpRDMAWrite:
		return "RDMA_WRITE"
	case OpRDMARead:
		return "RDMA_READ"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Header is the fixed-size frame prefix: magic, opcode, three reserved pad
// bytes, and the body length the state machine must read next.
type Header struct {
	Magic    uint32
	Op       Op
	BodySize uint32
}

// Marshal encodes the header into its fixed 12-byte wire form.
func (h Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = byte(h.Op)
	// buf[5:8] reserved/pad
	binary.LittleEndian.PutUint32(buf[8:12], h.BodySize)
	return buf
}

// UnmarshalHeader decodes a fixed 12-byte header frame.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("wire: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	h := Header{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		Op:       Op(buf[4]),
		BodySize: binary.LittleEndian.Uint32(buf[8:12]),
	}
	return h, nil
}

// Verify checks the header's magic, except for opcodes exempt from the
// check (see magicExempt). An unknown opcode is always a protocol error
// regardless of magic.
func (h Header) Verify() error {
	if !h.Op.magicExempt() && h.Magic != Magic {
		return fmt.Errorf("wire: %w: bad magic 0x%x", ErrInvalidRequest, h.Magic)
	}
	switch h.Op {
	case OpW, OpR, OpSync, OpRDMAExchange, OpCheckExist, OpGetMatchLastIdx, OpRDMAWrite, OpRDMARead:
		return nil
	default:
		return fmt.Errorf("wire: %w: unknown opcode %d", ErrInvalidRequest, h.Op)
	}
}
