package memsys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	calls int
	key   uint32
}

func (f *fakeRegistrar) RegisterRegion(region []byte) (uint32, error) {
	f.calls++
	return f.key, nil
}

func TestNewPoolDividesRegionIntoSlots(t *testing.T) {
	reg := &fakeRegistrar{key: 42}
	p, err := NewPool(Config{TotalBytes: 64 * 1024, BlockBytes: 32 * 1024}, reg)
	require.NoError(t, err)
	assert.Equal(t, 2, p.SlotCount())
	assert.Equal(t, 1, reg.calls, "region must be registered exactly once")
}

func TestNewPoolRejectsNonMultiple(t *testing.T) {
	_, err := NewPool(Config{TotalBytes: 100, BlockBytes: 32}, &fakeRegistrar{})
	assert.Error(t, err)
}

func TestAllocateIsMonotoneUntilExhaustion(t *testing.T) {
	p, err := NewPool(Config{TotalBytes: 64 * 1024, BlockBytes: 32 * 1024}, &fakeRegistrar{key: 7})
	require.NoError(t, err)

	seen := map[uint32]bool{}
	for i := 0; i < p.SlotCount(); i++ {
		h, err := p.Allocate(32 * 1024)
		require.NoError(t, err)
		assert.False(t, seen[h.SlabIndex], "slab indices must be distinct")
		seen[h.SlabIndex] = true
		assert.Len(t, h.Address, 32*1024)
	}

	_, err = p.Allocate(1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAllocateRejectsOversizedRequest(t *testing.T) {
	p, err := NewPool(Config{TotalBytes: 32 * 1024, BlockBytes: 32 * 1024}, &fakeRegistrar{})
	require.NoError(t, err)

	_, err = p.Allocate(32*1024 + 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestRemoteKeyIsSharedAcrossSlabs(t *testing.T) {
	p, err := NewPool(Config{TotalBytes: 64 * 1024, BlockBytes: 32 * 1024}, &fakeRegistrar{key: 99})
	require.NoError(t, err)

	k0, err := p.RemoteKey(0)
	require.NoError(t, err)
	k1, err := p.RemoteKey(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), k0)
	assert.Equal(t, k0, k1)

	_, err = p.RemoteKey(2)
	assert.Error(t, err)
}

func TestSlabAddressLiesWithinRegion(t *testing.T) {
	p, err := NewPool(Config{TotalBytes: 64 * 1024, BlockBytes: 32 * 1024}, &fakeRegistrar{})
	require.NoError(t, err)

	h, err := p.Allocate(100)
	require.NoError(t, err)
	addr := p.SlabAddress(h.SlabIndex)
	assert.Len(t, addr, 32*1024)
	start := int(h.SlabIndex) * p.BlockBytes()
	assert.Same(t, &p.region[start], &addr[0])
}
