package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsNonMultiple(t *testing.T) {
	c := Default()
	c.PreallocGiB = 1
	c.BlockBytes = 1000 // 2^30 is not a multiple of 1000
	assert.Error(t, c.Validate())
}

func TestValidateRejectsZeroPort(t *testing.T) {
	c := Default()
	c.ServicePort = 0
	assert.Error(t, c.Validate())
}

func TestBindFlagsOverridesDefaults(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)

	require.NoError(t, fs.Parse([]string{"--service-port=9999", "--device-name=mlx5_0"}))
	assert.EqualValues(t, 9999, cfg.ServicePort)
	assert.Equal(t, "mlx5_0", cfg.DeviceName)
}
