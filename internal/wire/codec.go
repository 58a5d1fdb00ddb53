package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// IPCHandleSize is the width of the opaque GPU inter-process memory handle.
const IPCHandleSize = 64

// BlockRef names one block within a LocalMeta or RemoteMetaRequest batch.
type BlockRef struct {
	Key    string
	Offset uint64
}

// LocalMeta is the body of a W or R request: a GPU IPC handle, the uniform
// block size for this batch, and the ordered (key, offset) pairs within the
// buffer that handle names.
type LocalMeta struct {
	IPCHandle [IPCHandleSize]byte
	BlockSize uint64
	Blocks    []BlockRef
}

// RemoteMetaRequest is the body of RDMA_WRITE/RDMA_READ: a uniform block
// size and the keys to allocate-for or look-up-for a remote peer.
type RemoteMetaRequest struct {
	BlockSize uint64
	Keys      []string
}

// RemoteBlock is one entry of a RemoteMetaResponse.
type RemoteBlock struct {
	RemoteKey     uint32
	RemoteAddress uint64
}

// RemoteMetaResponse is the payload handed back for RDMA_WRITE/RDMA_READ.
type RemoteMetaResponse struct {
	Blocks []RemoteBlock
}

// KeysList is the body of GET_MATCH_LAST_IDX.
type KeysList struct {
	Keys []string
}

// encoder accumulates a body in the order it must appear on the wire.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) putUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) putBytes(b []byte) {
	e.buf.Write(b)
}

// decoder reads a body left to right, failing closed on any short read.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, fmt.Errorf("wire: %w: need %d bytes, have %d", ErrTruncated, n, d.remaining())
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// maxStringLen bounds a single decoded string so a corrupt length prefix
// cannot force an enormous allocation; spec requires keys have no length
// cap smaller than 64 KiB, so this is generous headroom above that floor.
const maxStringLen = 1 << 20

func (d *decoder) string() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("wire: %w: string length %d exceeds %d", ErrTruncated, n, maxStringLen)
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// maxBlocks bounds decoded block and key counts the same way maxStringLen
// bounds decoded strings.
const maxBlocks = 1 << 20

func (d *decoder) finished() bool { return d.remaining() == 0 }

// EncodeLocalMeta serializes a LocalMeta body.
func EncodeLocalMeta(m LocalMeta) []byte {
	var e encoder
	e.putBytes(m.IPCHandle[:])
	e.putUint64(m.BlockSize)
	e.putUint32(uint32(len(m.Blocks)))
	for _, b := range m.Blocks {
		e.putString(b.Key)
		e.putUint64(b.Offset)
	}
	return e.buf.Bytes()
}

// DecodeLocalMeta parses a LocalMeta body, rejecting truncated input.
func DecodeLocalMeta(buf []byte) (LocalMeta, error) {
	d := newDecoder(buf)
	var m LocalMeta

	handle, err := d.take(IPCHandleSize)
	if err != nil {
		return LocalMeta{}, err
	}
	copy(m.IPCHandle[:], handle)

	if m.BlockSize, err = d.uint64(); err != nil {
		return LocalMeta{}, err
	}

	count, err := d.uint32()
	if err != nil {
		return LocalMeta{}, err
	}
	if count > maxBlocks {
		return LocalMeta{}, fmt.Errorf("wire: %w: block count %d exceeds %d", ErrTruncated, count, maxBlocks)
	}
	m.Blocks = make([]BlockRef, count)
	for i := range m.Blocks {
		key, err := d.string()
		if err != nil {
			return LocalMeta{}, err
		}
		offset, err := d.uint64()
		if err != nil {
			return LocalMeta{}, err
		}
		m.Blocks[i] = BlockRef{Key: key, Offset: offset}
	}
	if !d.finished() {
		return LocalMeta{}, fmt.Errorf("wire: %w: %d trailing bytes", ErrTruncated, d.remaining())
	}
	return m, nil
}

// EncodeRemoteMetaRequest serializes a RemoteMetaRequest body.
func EncodeRemoteMetaRequest(m RemoteMetaRequest) []byte {
	var e encoder
	e.putUint64(m.BlockSize)
	e.putUint32(uint32(len(m.Keys)))
	for _, k := range m.Keys {
		e.putString(k)
	}
	return e.buf.Bytes()
}

// DecodeRemoteMetaRequest parses a RemoteMetaRequest body.
func DecodeRemoteMetaRequest(buf []byte) (RemoteMetaRequest, error) {
	d := newDecoder(buf)
	var m RemoteMetaRequest

	var err error
	if m.BlockSize, err = d.uint64(); err != nil {
		return RemoteMetaRequest{}, err
	}
	count, err := d.uint32()
	if err != nil {
		return RemoteMetaRequest{}, err
	}
	if count > maxBlocks {
		return RemoteMetaRequest{}, fmt.Errorf("wire: %w: key count %d exceeds %d", ErrTruncated, count, maxBlocks)
	}
	m.Keys = make([]string, count)
	for i := range m.Keys {
		if m.Keys[i], err = d.string(); err != nil {
			return RemoteMetaRequest{}, err
		}
	}
	if !d.finished() {
		return RemoteMetaRequest{}, fmt.Errorf("wire: %w: %d trailing bytes", ErrTruncated, d.remaining())
	}
	return m, nil
}

// EncodeRemoteMetaResponse serializes a RemoteMetaResponse payload.
func EncodeRemoteMetaResponse(m RemoteMetaResponse) []byte {
	var e encoder
	e.putUint32(uint32(len(m.Blocks)))
	for _, b := range m.Blocks {
		e.putUint32(b.RemoteKey)
		e.putUint64(b.RemoteAddress)
	}
	return e.buf.Bytes()
}

// DecodeRemoteMetaResponse parses a RemoteMetaResponse payload.
func DecodeRemoteMetaResponse(buf []byte) (RemoteMetaResponse, error) {
	d := newDecoder(buf)
	var m RemoteMetaResponse

	count, err := d.uint32()
	if err != nil {
		return RemoteMetaResponse{}, err
	}
	if count > maxBlocks {
		return RemoteMetaResponse{}, fmt.Errorf("wire: %w: block count %d exceeds %d", ErrTruncated, count, maxBlocks)
	}
	m.Blocks = make([]RemoteBlock, count)
	for i := range m.Blocks {
		rkey, err := d.uint32()
		if err != nil {
			return RemoteMetaResponse{}, err
		}
		addr, err := d.uint64()
		if err != nil {
			return RemoteMetaResponse{}, err
		}
		m.Blocks[i] = RemoteBlock{RemoteKey: rkey, RemoteAddress: addr}
	}
	if !d.finished() {
		return RemoteMetaResponse{}, fmt.Errorf("wire: %w: %d trailing bytes", ErrTruncated, d.remaining())
	}
	return m, nil
}

// EncodeKeysList serializes a KeysList body.
func EncodeKeysList(m KeysList) []byte {
	var e encoder
	e.putUint32(uint32(len(m.Keys)))
	for _, k := range m.Keys {
		e.putString(k)
	}
	return e.buf.Bytes()
}

// DecodeKeysList parses a KeysList body.
func DecodeKeysList(buf []byte) (KeysList, error) {
	d := newDecoder(buf)
	var m KeysList

	count, err := d.uint32()
	if err != nil {
		return KeysList{}, err
	}
	if count > maxBlocks {
		return KeysList{}, fmt.Errorf("wire: %w: key count %d exceeds %d", ErrTruncated, count, maxBlocks)
	}
	m.Keys = make([]string, count)
	for i := range m.Keys {
		if m.Keys[i], err = d.string(); err != nil {
			return KeysList{}, err
		}
	}
	if !d.finished() {
		return KeysList{}, fmt.Errorf("wire: %w: %d trailing bytes", ErrTruncated, d.remaining())
	}
	return m, nil
}
