package ptp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ardnew/ptpusb/host"
	"github.com/ardnew/ptpusb/pkg"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(1), cfg.SessionID)
	assert.True(t, cfg.ForceClaim)
	assert.Equal(t, host.DefaultRetryPolicy(), cfg.Retry)
	assert.Equal(t, host.DefaultTimeouts(), cfg.Transfer)
	assert.Equal(t, 5*time.Second, cfg.Operations.OpenSession)
	assert.Equal(t, 5*time.Second, cfg.Operations.GetObjectHandles)
	assert.Equal(t, 30*time.Second, cfg.Operations.GetObject)
	assert.Len(t, cfg.channelOptions(), 3)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero session", func(c *Config) { c.SessionID = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"negative step", func(c *Config) { c.Retry.Step = -time.Second }},
		{"negative read", func(c *Config) { c.Transfer.Read = -1 }},
		{"negative control", func(c *Config) { c.Transfer.Control = -1 }},
		{"zero open session", func(c *Config) { c.Operations.OpenSession = 0 }},
		{"zero get object", func(c *Config) { c.Operations.GetObject = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidParameter)
		})
	}
}

func TestConfigZeroTransferTimeoutsUseDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transfer = host.Timeouts{}
	assert.NoError(t, cfg.Validate())
}
