package scenario

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/raftsim/pkg/cluster"
	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
)

func fastClusterConfig(t *testing.T) *cluster.Config {
	cfg := cluster.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Raft.HeartbeatTimeout = 50 * time.Millisecond
	cfg.Raft.ElectionTimeout = 50 * time.Millisecond
	cfg.Raft.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.Raft.CommitTimeout = 5 * time.Millisecond
	cfg.Raft.RPCTimeout = 200 * time.Millisecond
	return cfg
}

func smallConfig() *Config {
	cfg := DefaultConfig()
	cfg.Keys = 8
	cfg.Timeout = 15 * time.Second
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"known names", func(c *Config) { c.Names = []string{"failover", "chaos"} }, false},
		{"unknown name", func(c *Config) { c.Names = []string{"meteor"} }, true},
		{"replicas exceed nodes", func(c *Config) { c.Replicas = 4 }, true},
		{"too few keys", func(c *Config) { c.Keys = 1 }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNamesSorted(t *testing.T) {
	assert.Equal(t, []string{"chaos", "failover", "membership", "split-merge"}, Names())
}

func TestRunUnknown(t *testing.T) {
	_, err := Run(context.Background(), "meteor", smallConfig(), fastClusterConfig(t), logger.NewNoop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownScenario))
}

func TestScenariosPass(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			report, err := Run(context.Background(), name, smallConfig(), fastClusterConfig(t), logger.NewNoop())
			require.NoError(t, err)
			require.NoError(t, report.Err, report.String())
			assert.True(t, report.Passed())
			assert.Equal(t, "bootstrap", report.Steps[0].Name)
			for _, st := range report.Steps {
				assert.NoError(t, st.Err, st.Name)
			}
		})
	}
}

func TestFailoverNeedsThreeReplicas(t *testing.T) {
	cfg := smallConfig()
	cfg.Nodes, cfg.Replicas = 1, 1

	report, err := Run(context.Background(), "failover", cfg, fastClusterConfig(t), logger.NewNoop())
	require.NoError(t, err)
	require.Error(t, report.Err)
	assert.True(t, errors.Is(report.Err, meta.ErrTopology))
	assert.Contains(t, report.String(), "FAIL failover")
}

func TestRunnerReportsFailure(t *testing.T) {
	cfg := smallConfig()
	cfg.Nodes, cfg.Replicas = 1, 1
	cfg.Names = []string{"failover", "split-merge"}

	var out bytes.Buffer
	done := make(chan error, 1)
	r := NewRunner(cfg, fastClusterConfig(t), logger.NewNoop(), &out, func(err error) { done <- err })
	require.NoError(t, r.Start())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrScenarioFailed))
	case <-time.After(time.Minute):
		t.Fatal("runner did not finish")
	}
	require.NoError(t, r.Stop())

	reports := r.Reports()
	require.Len(t, reports, 2)
	assert.False(t, reports[0].Passed())
	assert.True(t, reports[1].Passed(), reports[1].String())
	assert.Contains(t, out.String(), "PASS split-merge")
}

func TestRunnerGathersClusterMetrics(t *testing.T) {
	cfg := smallConfig()
	cfg.Nodes, cfg.Replicas = 1, 1
	cfg.Names = []string{"split-merge"}

	done := make(chan error, 1)
	r := NewRunner(cfg, fastClusterConfig(t), logger.NewNoop(), io.Discard, func(err error) { done <- err })
	families, err := r.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	require.NoError(t, r.Start())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Minute):
		t.Fatal("runner did not finish")
	}
	require.NoError(t, r.Stop())

	families, err = r.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "raftsim_cluster_operations_total")
}
