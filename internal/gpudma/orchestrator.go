package gpudma

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// CopyOp is one block's worth of work within a submitted batch: a direction,
// the host-side slab bytes, and the block's byte offset within the batch's
// shared device buffer.
type CopyOp struct {
	Direction    Direction
	HostAddr     []byte
	DeviceOffset int
	Bytes        int
}

// Orchestrator schedules batches of device↔host copies against a caller's
// stream and runs the deferred drain-then-release step on a bounded worker
// pool, per spec §4.5.
type Orchestrator struct {
	provider Provider
	g        *errgroup.Group
	sem      chan struct{}
}

// NewOrchestrator returns an Orchestrator backed by provider, limiting the
// number of concurrently draining batches to maxInFlight.
func NewOrchestrator(provider Provider, maxInFlight int) *Orchestrator {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Orchestrator{
		provider: provider,
		g:        &errgroup.Group{},
		sem:      make(chan struct{}, maxInFlight),
	}
}

// SubmitBatch imports handle, enqueues every op against stream in order, and
// schedules a worker-pool task that drains the stream, releases the shared
// buffer, and invokes onComplete exactly once. When SubmitBatch returns an
// error, no task is scheduled and onComplete is never invoked. SubmitBatch itself never
// blocks on the drain; it returns as soon as every copy is enqueued, which
// is what lets the caller answer with TASK_ACCEPTED immediately.
func (o *Orchestrator) SubmitBatch(stream Stream, handle [64]byte, ops []CopyOp, onComplete func(error)) error {
	devPtr, err := o.provider.ImportSharedBuffer(handle)
	if err != nil {
		return fmt.Errorf("gpudma: import shared buffer: %w", err)
	}

	for _, op := range ops {
		devSlice := Pointer{Buf: devPtr.Buf, Offset: devPtr.Offset + op.DeviceOffset}
		host := Pointer{Buf: op.HostAddr}

		var src, dst Pointer
		switch op.Direction {
		case DeviceToHost:
			src, dst = devSlice, host
		case HostToDevice:
			src, dst = host, devSlice
		}

		if err := o.provider.EnqueueCopy(stream, src, dst, op.Bytes, op.Direction); err != nil {
			return fmt.Errorf("gpudma: enqueue copy: %w", err)
		}
	}

	o.g.Go(func() error {
		o.sem <- struct{}{}
		defer func() { <-o.sem }()

		drainErr := o.provider.Drain(stream)
		o.provider.ReleaseSharedBuffer(devPtr)
		onComplete(drainErr)
		return drainErr
	})

	return nil
}

// Shutdown waits for every in-flight batch scheduled via SubmitBatch to
// finish draining. Used on graceful server stop so worker-pool goroutines
// never outlive the process.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- o.g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
