//go:build !(linux && cgo)

package rdma

// NewDefaultProvider returns the software-simulated Provider on any build
// without both the linux and cgo tags — no real NIC/libverbs available.
func NewDefaultProvider() Provider {
	return NewSimulated()
}
