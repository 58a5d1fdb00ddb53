package gpudma

import (
	"sync"
	"sync/atomic"
)

// copyJob is one enqueued copy, run in submission order when its stream
// drains.
type copyJob struct {
	src, dst Pointer
	bytes    int
}

type softwareStream struct {
	mu   sync.Mutex
	jobs []copyJob
}

// SoftwareProvider simulates the GPU capability interface entirely in
// process memory: "device" buffers are plain byte slices registered ahead
// of time, and copy ordering is honored by replaying each stream's queued
// jobs sequentially on Drain. This is the provider used whenever no real
// GPU runtime is present (see DESIGN.md and SPEC_FULL.md §4.6 for the RDMA
// analogue of this split).
type SoftwareProvider struct {
	mu       sync.Mutex
	buffers  map[[64]byte][]byte
	streams  map[Stream]*softwareStream
	streamID atomic.Uint64
}

// NewSoftwareProvider returns an empty simulated provider.
func NewSoftwareProvider() *SoftwareProvider {
	return &SoftwareProvider{
		buffers: make(map[[64]byte][]byte),
		streams: make(map[Stream]*softwareStream),
	}
}

// RegisterSharedBuffer makes buf importable under handle. Test and
// integration-harness hook: a real client would have allocated this buffer
// on a GPU and obtained handle from a vendor IPC API.
func (p *SoftwareProvider) RegisterSharedBuffer(handle [64]byte, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers[handle] = buf
}

func (p *SoftwareProvider) ImportSharedBuffer(handle [64]byte) (Pointer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.buffers[handle]
	if !ok {
		return Pointer{}, ErrUnknownHandle
	}
	return Pointer{Buf: buf}, nil
}

func (p *SoftwareProvider) ReleaseSharedBuffer(ptr Pointer) {
	// Simulated buffers are reference-free; nothing to release beyond the
	// caller forgetting ptr. Kept as a no-op method to satisfy Provider.
}

func (p *SoftwareProvider) CreateOrderedCopyStream() (Stream, error) {
	id := Stream(p.streamID.Add(1))
	p.mu.Lock()
	p.streams[id] = &softwareStream{}
	p.mu.Unlock()
	return id, nil
}

func (p *SoftwareProvider) DestroyCopyStream(s Stream) {
	p.mu.Lock()
	delete(p.streams, s)
	p.mu.Unlock()
}

func (p *SoftwareProvider) lookupStream(s Stream) (*softwareStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[s]
	if !ok {
		return nil, ErrUnknownStream
	}
	return st, nil
}

func (p *SoftwareProvider) EnqueueCopy(s Stream, src, dst Pointer, bytes int, dir Direction) error {
	st, err := p.lookupStream(s)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.jobs = append(st.jobs, copyJob{src: src, dst: dst, bytes: bytes})
	st.mu.Unlock()
	return nil
}

// Drain replays every queued job on s in submission order, then clears the
// queue. Direction is immaterial to the simulated copy itself (it is plain
// memory-to-memory), but callers pass it through EnqueueCopy so the real
// cgo provider can select the matching cudaMemcpyAsync kind.
func (p *SoftwareProvider) Drain(s Stream) error {
	st, err := p.lookupStream(s)
	if err != nil {
		return err
	}

	st.mu.Lock()
	jobs := st.jobs
	st.jobs = nil
	st.mu.Unlock()

	for _, j := range jobs {
		copy(j.dst.slice(j.bytes), j.src.slice(j.bytes))
	}
	return nil
}
