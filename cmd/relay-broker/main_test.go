package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("liveness_timeout: 2s\ntoken_file: from-file.yaml\n"), 0o600))

	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("config", path))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))
	require.NoError(t, cmd.Flags().Set("token-file", "/tmp/tokens.yaml"))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.LivenessTimeout)
	assert.Equal(t, "/tmp/tokens.yaml", cfg.TokenFile)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("log-level", "chatty"))

	_, err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
