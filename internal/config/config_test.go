package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  replica_id: 7
  base_dn: "o=1"
`))
	require.NoError(t, err)

	assert.Equal(t, uint32(7), cfg.Server.ReplicaID)
	assert.Equal(t, 4, cfg.Replay.Workers)
	assert.Equal(t, 1000, cfg.Replay.QueueSize)
	assert.Equal(t, 10, cfg.Replay.MaxAttempts)
	assert.Equal(t, 100, cfg.Replay.MaxTransientRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Replay.UnavailableBackoff)
	assert.Equal(t, 500*time.Millisecond, cfg.Replay.PollInterval)
	assert.Equal(t, time.Second, cfg.State.FlushInterval)
	assert.Zero(t, cfg.Historical.PurgeDelay)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "o=1", cfg.BaseDN().String())
}

func TestParse_FullDocument(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  replica_id: 2
  base_dn: "dc=example,dc=com"
replay:
  workers: 8
  unavailable_backoff: 250ms
historical:
  purge_delay: 72h
transport:
  listen_addr: "127.0.0.1:9000"
  peers: ["10.0.0.1:8989", "10.0.0.2:8989"]
schema:
  single_valued: [description]
  mandatory:
    person: [cn, sn]
fractional:
  exclude: [jpegPhoto]
`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Replay.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Replay.UnavailableBackoff)
	assert.Equal(t, 72*time.Hour, cfg.Historical.PurgeDelay)
	assert.Len(t, cfg.Transport.Peers, 2)
	assert.Equal(t, []string{"jpegPhoto"}, cfg.Fractional.Exclude)

	schema := cfg.BuildSchema()
	assert.True(t, schema.IsSingleValued("Description"))
	assert.True(t, schema.IsMandatory([]string{"person"}, "sn"))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing replica id", "server:\n  base_dn: o=1\n", "server.replica_id"},
		{"missing base dn", "server:\n  replica_id: 1\n", "server.base_dn is required"},
		{"bad base dn", "server:\n  replica_id: 1\n  base_dn: \"novalue\"\n", "server.base_dn"},
		{"negative purge", "server:\n  replica_id: 1\n  base_dn: o=1\nhistorical:\n  purge_delay: -1s\n", "purge_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_FromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  replica_id: 3\n  base_dn: o=1\n"), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := LoadConfig(PathFromEnv())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cfg.Server.ReplicaID)
}

func TestPathFromEnv_Default(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, DefaultPath, PathFromEnv())
}
