package gpudma

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handleFor(name string) [64]byte {
	var h [64]byte
	copy(h[:], name)
	return h
}

func TestSubmitBatchCopiesDeviceToHostInOrder(t *testing.T) {
	p := NewSoftwareProvider()
	device := []byte("0123456789abcdef")
	h := handleFor("dev-1")
	p.RegisterSharedBuffer(h, device)

	stream, err := p.CreateOrderedCopyStream()
	require.NoError(t, err)

	host0 := make([]byte, 4)
	host1 := make([]byte, 4)

	orch := NewOrchestrator(p, 2)

	var mu sync.Mutex
	var completeErr error
	done := make(chan struct{})

	err = orch.SubmitBatch(stream, h, []CopyOp{
		{Direction: DeviceToHost, HostAddr: host0, DeviceOffset: 0, Bytes: 4},
		{Direction: DeviceToHost, HostAddr: host1, DeviceOffset: 4, Bytes: 4},
	}, func(e error) {
		mu.Lock()
		completeErr = e
		mu.Unlock()
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, completeErr)
	assert.Equal(t, []byte("0123"), host0)
	assert.Equal(t, []byte("4567"), host1)
}

func TestSubmitBatchHostToDevice(t *testing.T) {
	p := NewSoftwareProvider()
	device := make([]byte, 8)
	h := handleFor("dev-2")
	p.RegisterSharedBuffer(h, device)

	stream, err := p.CreateOrderedCopyStream()
	require.NoError(t, err)

	host := []byte("payload!")
	orch := NewOrchestrator(p, 1)

	done := make(chan struct{})
	err = orch.SubmitBatch(stream, h, []CopyOp{
		{Direction: HostToDevice, HostAddr: host, DeviceOffset: 0, Bytes: 8},
	}, func(error) { close(done) })
	require.NoError(t, err)

	<-done
	assert.Equal(t, host, device)
}

func TestSubmitBatchUnknownHandleFailsImmediately(t *testing.T) {
	p := NewSoftwareProvider()
	stream, err := p.CreateOrderedCopyStream()
	require.NoError(t, err)

	orch := NewOrchestrator(p, 1)
	err = orch.SubmitBatch(stream, handleFor("missing"), nil, func(error) {})
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestShutdownWaitsForInFlightBatches(t *testing.T) {
	p := NewSoftwareProvider()
	device := make([]byte, 4)
	h := handleFor("dev-3")
	p.RegisterSharedBuffer(h, device)
	stream, err := p.CreateOrderedCopyStream()
	require.NoError(t, err)

	orch := NewOrchestrator(p, 1)
	var ran bool
	err = orch.SubmitBatch(stream, h, []CopyOp{
		{Direction: HostToDevice, HostAddr: []byte("abcd"), Bytes: 4},
	}, func(error) { ran = true })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(ctx))
	assert.True(t, ran)
}
