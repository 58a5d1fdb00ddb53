package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertLookupContains(t *testing.T) {
	idx := New()
	idx.Insert("k1", Entry{SlabIndex: 3, ByteLength: 32 * 1024})

	e, ok := idx.Lookup("k1")
	assert.True(t, ok)
	assert.Equal(t, uint32(3), e.SlabIndex)
	assert.True(t, idx.Contains("k1"))
	assert.False(t, idx.Contains("missing"))

	_, ok = idx.Lookup("missing")
	assert.False(t, ok)
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	idx := New()
	idx.Insert("k1", Entry{SlabIndex: 1})
	idx.Insert("k1", Entry{SlabIndex: 2})

	e, ok := idx.Lookup("k1")
	assert.True(t, ok)
	assert.Equal(t, uint32(2), e.SlabIndex)
	assert.Equal(t, 1, idx.Len())
}

func TestLongestMatchingPrefixLength(t *testing.T) {
	idx := New()
	for _, k := range []string{"a", "b", "c"} {
		idx.Insert(k, Entry{})
	}

	// a, b, c present; d, e absent -> monotone prefix of length 3
	got := idx.LongestMatchingPrefixLength([]string{"a", "b", "c", "d", "e"})
	assert.Equal(t, 2, got)
}

func TestLongestMatchingPrefixLengthAllPresent(t *testing.T) {
	idx := New()
	idx.Insert("a", Entry{})
	idx.Insert("b", Entry{})

	got := idx.LongestMatchingPrefixLength([]string{"a", "b"})
	assert.Equal(t, 1, got)
}

func TestLongestMatchingPrefixLengthNonePresent(t *testing.T) {
	idx := New()
	got := idx.LongestMatchingPrefixLength([]string{"a", "b", "c"})
	assert.Equal(t, -1, got)
}

func TestLongestMatchingPrefixLengthEmptyKeys(t *testing.T) {
	idx := New()
	assert.Equal(t, -1, idx.LongestMatchingPrefixLength(nil))
}
