package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VOXNEXUS_DATABASE_URL", "postgres://localhost/voxnexus")
	t.Setenv("VOXNEXUS_LIVEKIT_URL", "wss://livekit.local")
	t.Setenv("VOXNEXUS_LIVEKIT_API_KEY", "lk-key")
	t.Setenv("VOXNEXUS_LIVEKIT_API_SECRET", "lk-secret")
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VOXNEXUS_GUARDIAN_HANDOFF_THRESHOLD", "0.9")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/voxnexus", cfg.Database.URL)
	assert.Equal(t, "wss://livekit.local", cfg.LiveKit.URL)
	assert.Equal(t, 0.9, cfg.Guardian.HandoffThreshold)
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Broker.URL)
	assert.Equal(t, 5060, cfg.SIP.PortBase)
	assert.Equal(t, 0.75, cfg.Guardian.HandoffThreshold)
	assert.Equal(t, ":8080", cfg.Admin.Addr)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
}

func TestLoadFromFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	yaml := []byte("sip:\n  port_base: 6000\n  user_agent: test-agent\nadmin:\n  addr: \":9999\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.SIP.PortBase)
	assert.Equal(t, "test-agent", cfg.SIP.UserAgent)
	assert.Equal(t, ":9999", cfg.Admin.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VOXNEXUS_SIP_PORT_BASE", "7000")

	dir := t.TempDir()
	yaml := []byte("sip:\n  port_base: 6000\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.SIP.PortBase)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("VOXNEXUS_LIVEKIT_URL", "wss://livekit.local")
	t.Setenv("VOXNEXUS_LIVEKIT_API_KEY", "lk-key")
	t.Setenv("VOXNEXUS_LIVEKIT_API_SECRET", "lk-secret")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Database.URL")
}

func TestLoadInvalidThreshold(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VOXNEXUS_GUARDIAN_HANDOFF_THRESHOLD", "1.5")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HandoffThreshold")
}
