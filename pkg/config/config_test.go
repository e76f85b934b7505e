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

type testRaftConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"required"`
	ElectionTimeout  time.Duration `mapstructure:"election_timeout" validate:"gtefield=HeartbeatTimeout"`
}

type testConfig struct {
	DataDir  string            `mapstructure:"data_dir" validate:"required"`
	Nodes    int               `mapstructure:"nodes" validate:"min=1"`
	Replicas int               `mapstructure:"replicas" validate:"min=1"`
	Raft     testRaftConfig    `mapstructure:"raft"`
	Labels   map[string]string `mapstructure:"labels"`
	Verbose  bool              `mapstructure:"verbose"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raftsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestManagerLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/raftsim
nodes: 5
replicas: 3
raft:
  heartbeat_timeout: 50ms
  election_timeout: 100ms
`)

	m := NewManager()
	require.NoError(t, m.LoadFile(path))

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))
	assert.Equal(t, "/tmp/raftsim", cfg.DataDir)
	assert.Equal(t, 5, cfg.Nodes)
	assert.Equal(t, 50*time.Millisecond, cfg.Raft.HeartbeatTimeout)

	var raftCfg testRaftConfig
	require.NoError(t, m.UnmarshalKey("raft", &raftCfg))
	assert.Equal(t, 100*time.Millisecond, raftCfg.ElectionTimeout)

	assert.ErrorIs(t, m.UnmarshalKey("missing", &raftCfg), ErrKeyNotFound)
}

func TestManagerLoadMissingFile(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, m.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")), ErrConfigFileNotFound)
}

func TestManagerEnvAndFlags(t *testing.T) {
	t.Setenv("RAFTSIM_NODES", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("replicas", 3, "")
	require.NoError(t, flags.Parse([]string{"--replicas=5"}))

	m := NewManager(WithDefaults(map[string]any{"nodes": 3, "data_dir": "d"}))
	m.BindEnv("RAFTSIM")
	require.NoError(t, m.BindFlags(flags))

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))
	assert.Equal(t, 7, cfg.Nodes)
	assert.Equal(t, 5, cfg.Replicas)
	assert.Equal(t, "d", cfg.DataDir)
}

func TestMergeConfig(t *testing.T) {
	defaults := &testConfig{
		DataDir:  "default",
		Nodes:    3,
		Replicas: 3,
		Raft:     testRaftConfig{HeartbeatTimeout: time.Second, ElectionTimeout: time.Second},
		Labels:   map[string]string{"env": "test"},
	}
	user := &testConfig{
		Nodes:  5,
		Raft:   testRaftConfig{HeartbeatTimeout: 50 * time.Millisecond},
		Labels: map[string]string{"zone": "a"},
	}

	merged, err := MergeConfig(defaults, user)
	require.NoError(t, err)
	assert.Equal(t, "default", merged.DataDir)
	assert.Equal(t, 5, merged.Nodes)
	assert.Equal(t, 3, merged.Replicas)
	assert.Equal(t, 50*time.Millisecond, merged.Raft.HeartbeatTimeout)
	assert.Equal(t, time.Second, merged.Raft.ElectionTimeout)
	assert.Equal(t, map[string]string{"env": "test", "zone": "a"}, merged.Labels)

	got, err := MergeConfig(nil, user)
	require.NoError(t, err)
	assert.Same(t, user, got)

	_, err = MergeConfig[testConfig](nil, nil)
	assert.Error(t, err)
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	ok := &testConfig{DataDir: "d", Nodes: 3, Replicas: 3,
		Raft: testRaftConfig{HeartbeatTimeout: time.Second, ElectionTimeout: time.Second}}
	assert.NoError(t, v.Validate(ok))

	bad := &testConfig{Nodes: 0, Replicas: 1,
		Raft: testRaftConfig{HeartbeatTimeout: time.Second, ElectionTimeout: time.Millisecond}}
	err := v.Validate(bad)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "DataDir")
	assert.Contains(t, err.Error(), "ElectionTimeout")

	assert.ErrorIs(t, v.Validate(nil), ErrNilConfig)
}
