package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func snapshotConfig(t *testing.T) {
	t.Helper()
	saved := *Config
	t.Cleanup(func() { *Config = saved })
}

func TestLoadFromTOML(t *testing.T) {
	snapshotConfig(t)
	dir := t.TempDir()

	content := `
node_id = 7
data_dir = "` + dir + `"

[queue]
max_attempts = 9
retry_initial_ms = 250

[publisher]
kind = "nats"
nats_url = "nats://localhost:4222"
scope_patterns = ["org-*"]

[admin]
enabled = false
`
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, Load(path))

	require.Equal(t, uint64(7), Config.NodeID)
	require.Equal(t, dir, Config.DataDir)
	require.Equal(t, 9, Config.Queue.MaxAttempts)
	require.Equal(t, 250, Config.Queue.RetryInitialMS)
	require.Equal(t, "nats", Config.Publisher.Kind)
	require.Equal(t, []string{"org-*"}, Config.Publisher.ScopePatterns)
	require.False(t, Config.Admin.Enabled)

	// Unset storage path defaults under the data directory.
	require.Equal(t, filepath.Join(dir, "quill.db"), Config.Storage.Path)

	require.NoError(t, Validate())
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	snapshotConfig(t)
	dir := t.TempDir()
	Config.NodeID = 3
	Config.DataDir = dir

	require.NoError(t, Load(filepath.Join(dir, "does-not-exist.toml")))

	require.Equal(t, uint64(3), Config.NodeID)
	require.Equal(t, "simulated", Config.Publisher.Kind)
	require.Equal(t, 5, Config.Queue.MaxAttempts)
	require.NoError(t, Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func()
	}{
		{"zero max attempts", func() { Config.Queue.MaxAttempts = 0 }},
		{"zero batch size", func() { Config.Queue.BatchSize = 0 }},
		{"shrinking backoff", func() { Config.Queue.RetryMultiplier = 0.5 }},
		{"inverted retry window", func() { Config.Queue.RetryInitialMS = 1000; Config.Queue.RetryMaxMS = 100 }},
		{"zero concurrency", func() { Config.Reconciler.Concurrency = 0 }},
		{"unknown publisher", func() { Config.Publisher.Kind = "carrier-pigeon" }},
		{"nats without url", func() { Config.Publisher.Kind = "nats"; Config.Publisher.NatsURL = "" }},
		{"kafka without brokers", func() { Config.Publisher.Kind = "kafka"; Config.Publisher.KafkaBrokers = nil }},
		{"fail rate out of range", func() { Config.Publisher.SimulatedFailRate = 1.5 }},
		{"bad admin port", func() { Config.Admin.Enabled = true; Config.Admin.Port = 0 }},
		{"negative cache size", func() { Config.Cache.Size = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snapshotConfig(t)
			tc.mutate()
			require.Error(t, Validate())
		})
	}
}
