package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesGauges(t *testing.T) {
	src := Sources{
		SlabsInUse:     func() int { return 3 },
		SlabsTotal:     func() int { return 10 },
		CacheKeys:      func() int { return 7 },
		OpenConns:      func() int { return 2 },
		RDMASessions:   func() int { return 1 },
		InFlightCopies: func() int64 { return 5 },
	}
	c := NewCollector(src, []string{"W", "R"})

	want := `
# HELP gpucache_slabs_in_use Number of pinned slab slots currently allocated.
# TYPE gpucache_slabs_in_use gauge
gpucache_slabs_in_use 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(want), "gpucache_slabs_in_use"))
}

func TestCollectorTracksRequestCountsByOpcode(t *testing.T) {
	src := Sources{
		SlabsInUse:     func() int { return 0 },
		SlabsTotal:     func() int { return 0 },
		CacheKeys:      func() int { return 0 },
		OpenConns:      func() int { return 0 },
		RDMASessions:   func() int { return 0 },
		InFlightCopies: func() int64 { return 0 },
	}
	c := NewCollector(src, []string{"W", "R"})
	c.IncRequest("W")
	c.IncRequest("W")
	c.IncRequest("R")
	c.IncRequest("unknown-opcode") // must not panic or create a new label

	want := `
# HELP gpucache_requests_total Requests dispatched, by opcode.
# TYPE gpucache_requests_total counter
gpucache_requests_total{opcode="R"} 1
gpucache_requests_total{opcode="W"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(want), "gpucache_requests_total"))
}
