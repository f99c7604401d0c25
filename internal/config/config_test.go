package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7338", cfg.Addr)
	assert.Equal(t, 24*time.Hour, cfg.TransferTTL)
	assert.Equal(t, 72*time.Hour, cfg.PendingTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 1024, cfg.FanoutBuffer)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "querydesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: 0.0.0.0:9000\ntransfer_ttl: 2h\nlog_format: json\nfanout_buffer: 16\n"), 0600))
	t.Setenv("QUERYDESK_TRANSFER_TTL", "3h")
	t.Setenv("QUERYDESK_NATS_URL", "nats://127.0.0.1:4222")

	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, RegisterFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--fanout-buffer", "32"}))

	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr, "file overrides default")
	assert.Equal(t, 3*time.Hour, cfg.TransferTTL, "env overrides file")
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	assert.Equal(t, 32, cfg.FanoutBuffer, "flag overrides file")
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	bad := cfg
	bad.Addr = ""
	bad.SweepInterval = 0
	bad.LogFormat = "xml"
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "addr is required")
	assert.Contains(t, err.Error(), "sweep_interval must be positive")
	assert.Contains(t, err.Error(), "log_format")

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
