package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	require.True(t, cfg.Server.Enabled)
	require.Equal(t, 8900, cfg.Server.Port)
	require.Equal(t, 8901, cfg.Control.Port)
	require.True(t, cfg.Client.Enabled)
}

func TestLoadMergesFileThenOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prouter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n  accept_tokens: [\"abc\"]\n"), 0o600))

	cfg, err := config.Load(path, []string{"server.port=9200", "client.polling_delay=2.5"})
	require.NoError(t, err)
	require.Equal(t, 9200, cfg.Server.Port)
	require.Equal(t, []string{"abc"}, cfg.Server.AcceptTokens)
	require.Equal(t, 2.5, cfg.Client.PollingDelay)
}

func TestLoadRejectsUnknownKeyViaSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prouter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  bogus: true\n"), 0o600))
	_, err := config.Load(path, nil)
	require.Error(t, err)
}

func TestValidateRequiresServerOrClientEnabled(t *testing.T) {
	cfg, err := config.Load("", []string{"server.enabled=false", "client.enabled=false"})
	require.NoError(t, err)
	err = config.Validate(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestValidateWarnsOnEmptyAcceptTokens(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	require.Empty(t, cfg.Server.AcceptTokens)
	// Warning path, not an error: server.enabled with no tokens is still
	// a valid (if useless) configuration.
	require.NoError(t, config.Validate(cfg, zap.NewNop()))
}
