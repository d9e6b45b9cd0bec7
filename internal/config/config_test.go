package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, "remote:\n  base_url: https://runner.example.com\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8090, cfg.Server.Port)
	require.Equal(t, 3, cfg.Token.PollIntervalSeconds)
	require.Equal(t, 600, cfg.Token.MaxPollAttempts)
	require.Equal(t, 2, cfg.Poller.IntervalSeconds)
	require.Equal(t, 150, cfg.Poller.MaxAttempts)
	require.Equal(t, 30, cfg.Reconciler.PeriodSeconds)
	require.Equal(t, 200, cfg.Events.MaxEntries)
	require.Equal(t, "local", cfg.Blobs.Provider)
}

func TestLoad_MissingBaseURLFails(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "remote.base_url")
}

func TestLoad_OverridesRespected(t *testing.T) {
	path := writeConfig(t, `
remote:
  base_url: https://runner.example.com
poller:
  interval_seconds: 1
  max_attempts: 10
events:
  max_entries: 25
blobs:
  provider: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Poller.IntervalSeconds)
	require.Equal(t, 10, cfg.Poller.MaxAttempts)
	require.Equal(t, 25, cfg.Events.MaxEntries)
	require.Equal(t, "memory", cfg.Blobs.Provider)
}

func TestValidate_ModelNameRequired(t *testing.T) {
	path := writeConfig(t, `
remote:
  base_url: https://runner.example.com
model:
  name: ""
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model.name")
}

func TestValidate_GCSRequiresBucket(t *testing.T) {
	path := writeConfig(t, `
remote:
  base_url: https://runner.example.com
blobs:
  provider: gcs
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "gcs_bucket")
}
