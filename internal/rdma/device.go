package rdma

import "fmt"

// Device is the process-global RDMA context: an opened device handle and
// allocated protection domain, initialised once at server start per spec
// §4.6. Every Session and the pinned memory pool share this one Device.
type Device struct {
	Provider Provider
	name     string
}

// OpenDevice opens name (falling back to the provider's first device when
// name is empty) and allocates the protection domain every later
// registration and QP will use.
func OpenDevice(p Provider, name string) (*Device, error) {
	if err := p.OpenDevice(name); err != nil {
		return nil, fmt.Errorf("rdma: open device %q: %w", name, err)
	}
	if err := p.AllocProtectionDomain(); err != nil {
		return nil, fmt.Errorf("rdma: alloc protection domain: %w", err)
	}
	return &Device{Provider: p, name: name}, nil
}

// RegisterRegion implements internal/memsys.Registrar by registering region
// for remote read, remote write and local write access — the flag set
// spec §4.1 requires for the pinned slab pool.
func (d *Device) RegisterRegion(region []byte) (remoteKey uint32, err error) {
	key, err := d.Provider.RegisterRegion(region, AccessRemoteRead|AccessRemoteWrite|AccessLocalWrite)
	if err != nil {
		return 0, fmt.Errorf("rdma: register pinned region: %w", err)
	}
	return key, nil
}
