//go:build linux && cgo

package rdma

// NewDefaultProvider returns the real libverbs-backed Provider on a
// linux+cgo build, where a working libibverbs-dev install is assumed to be
// present. Builds without both tags fall back to Simulated instead (see
// provider_select_other.go).
func NewDefaultProvider() Provider {
	return NewVerbs()
}
