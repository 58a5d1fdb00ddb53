// Package config defines the server's runtime configuration and binds it
// to command-line flags the same way this codebase's existing commands do
// (spf13/pflag flags on a spf13/cobra command), per spec §6.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Config is the external configuration shape from spec §6.
type Config struct {
	ServicePort uint16
	DeviceName  string
	PreallocGiB uint32
	BlockBytes  uint32
}

// DefaultBlockBytes matches the reference configuration's 32 KiB block
// size noted in spec §6.
const DefaultBlockBytes = 32 * 1024

// Default returns the configuration a bare `gpucached` invocation runs
// with.
func Default() Config {
	return Config{
		ServicePort: 18515,
		DeviceName:  "",
		PreallocGiB: 4,
		BlockBytes:  DefaultBlockBytes,
	}
}

// BindFlags registers cfg's fields onto fs, so cmd/gpucached can call this
// once on its root command's flag set before Execute.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.Uint16Var(&cfg.ServicePort, "service-port", cfg.ServicePort, "TCP port to listen on")
	fs.StringVar(&cfg.DeviceName, "device-name", cfg.DeviceName, "RDMA device name (empty falls back to the first enumerated device)")
	fs.Uint32Var(&cfg.PreallocGiB, "prealloc-gib", cfg.PreallocGiB, "size of the pinned host region to preallocate, in GiB")
	fs.Uint32Var(&cfg.BlockBytes, "block-bytes", cfg.BlockBytes, "uniform slab block size, in bytes")
}

// TotalBytes returns the pinned region size implied by PreallocGiB, per
// spec §6's "prealloc_gib * 2^30" rule.
func (c Config) TotalBytes() int {
	return int(c.PreallocGiB) * (1 << 30)
}

// Validate rejects configurations the allocator could never satisfy.
func (c Config) Validate() error {
	if c.BlockBytes == 0 {
		return fmt.Errorf("config: block-bytes must be positive")
	}
	if c.PreallocGiB == 0 {
		return fmt.Errorf("config: prealloc-gib must be positive")
	}
	if c.TotalBytes()%int(c.BlockBytes) != 0 {
		return fmt.Errorf("config: prealloc_gib*2^30 (%d) must be a multiple of block-bytes (%d)", c.TotalBytes(), c.BlockBytes)
	}
	if c.ServicePort == 0 {
		return fmt.Errorf("config: service-port must be positive")
	}
	return nil
}
