// Package memsys implements the pinned slab allocator (PSA): a fixed number
// of uniformly sized slabs carved out of a single pre-registered, pinned host
// memory region. One slot yields one block; there is no deallocation path in
// this version (see DESIGN.md) so the allocator is append-only until
// exhaustion.
package memsys

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfMemory is returned when the pool has no free slots left, or when
// a caller asks for more than the pool's fixed block size.
var ErrOutOfMemory = errors.New("memsys: pool exhausted")

// Registrar registers a contiguous host memory region with the RDMA
// subsystem and returns the remote key peers use to address it. Pool depends
// on this narrow interface rather than the concrete RDMA package so it can be
// unit-tested without any RDMA device.
type Registrar interface {
	RegisterRegion(region []byte) (remoteKey uint32, err error)
}

// Handle identifies one allocated slab.
type Handle struct {
	SlabIndex uint32
	Address   []byte // the block's backing bytes, length == BlockBytes
}

// Pool is the pinned slab allocator described in spec §4.1. It owns one
// prealloc-sized byte slice, divided into BlockBytes-sized slots, plus a
// free-list stack of slot indices.
type Pool struct {
	mu         sync.Mutex
	region     []byte
	blockBytes int
	slotCount  int
	remoteKey  uint32
	free       []uint32 // stack of free slot indices
	allocated  int
}

// Config mirrors the configuration shape in spec §6: a total region size and
// a uniform block size. TotalBytes must be an exact multiple of BlockBytes.
type Config struct {
	TotalBytes int
	BlockBytes int
}

// NewPool allocates TotalBytes of host memory, registers it once with the
// RDMA subsystem via reg, and divides it into TotalBytes/BlockBytes slots.
func NewPool(cfg Config, reg Registrar) (*Pool, error) {
	if cfg.BlockBytes <= 0 || cfg.TotalBytes <= 0 || cfg.TotalBytes%cfg.BlockBytes != 0 {
		return nil, fmt.Errorf("memsys: total_bytes %d must be a positive multiple of block_bytes %d", cfg.TotalBytes, cfg.BlockBytes)
	}

	region := make([]byte, cfg.TotalBytes)
	rkey, err := reg.RegisterRegion(region)
	if err != nil {
		return nil, fmt.Errorf("memsys: register pinned region: %w", err)
	}

	slotCount := cfg.TotalBytes / cfg.BlockBytes
	free := make([]uint32, slotCount)
	for i := range free {
		// push in descending order so slot 0 is handed out first
		free[i] = uint32(slotCount - 1 - i)
	}

	return &Pool{
		region:     region,
		blockBytes: cfg.BlockBytes,
		slotCount:  slotCount,
		remoteKey:  rkey,
		free:       free,
	}, nil
}

// BlockBytes returns the pool's fixed block size.
func (p *Pool) BlockBytes() int { return p.blockBytes }

// SlotCount returns the total number of slabs in the pool.
func (p *Pool) SlotCount() int { return p.slotCount }

// Allocate hands out one free slab. requestedBytes must be <= BlockBytes;
// larger requests fail with ErrOutOfMemory, as do requests made once the
// free list is empty.
func (p *Pool) Allocate(requestedBytes int) (Handle, error) {
	if requestedBytes > p.blockBytes {
		return Handle{}, ErrOutOfMemory
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return Handle{}, ErrOutOfMemory
	}

	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.allocated++

	start := int(idx) * p.blockBytes
	return Handle{
		SlabIndex: idx,
		Address:   p.region[start : start+p.blockBytes : start+p.blockBytes],
	}, nil
}

// RemoteKey returns the remote-access key for any slab in the pool — every
// slab shares the one key obtained when the whole region was registered.
func (p *Pool) RemoteKey(slabIndex uint32) (uint32, error) {
	if slabIndex >= uint32(p.slotCount) {
		return 0, fmt.Errorf("memsys: slab index %d out of range (%d slots)", slabIndex, p.slotCount)
	}
	return p.remoteKey, nil
}

// SlabAddress returns the backing bytes for an already-allocated slab index.
// The dispatcher does not call it; it keeps each slab's bytes in the cache
// entry instead.
func (p *Pool) SlabAddress(slabIndex uint32) []byte {
	start := int(slabIndex) * p.blockBytes
	return p.region[start : start+p.blockBytes : start+p.blockBytes]
}

// InUse reports how many slabs have been handed out — read by the
// slabs-in-use metric.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
