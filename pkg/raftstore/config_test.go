package raftstore

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/raftsim/pkg/wire"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200*time.Millisecond, cfg.HeartbeatTimeout)
	assert.Equal(t, wire.CompressionSnappy, cfg.Compression)
	assert.Equal(t, wire.ChecksumCRC32C, cfg.Checksum)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name: "heartbeat too small",
			modify: func(c *Config) {
				c.HeartbeatTimeout = time.Millisecond
			},
			wantErr: true,
			errMsg:  "heartbeat_timeout",
		},
		{
			name: "election_timeout less than heartbeat_timeout",
			modify: func(c *Config) {
				c.ElectionTimeout = 100 * time.Millisecond
			},
			wantErr: true,
			errMsg:  "election_timeout",
		},
		{
			name: "lease longer than heartbeat",
			modify: func(c *Config) {
				c.LeaderLeaseTimeout = time.Second
			},
			wantErr: true,
			errMsg:  "leader_lease_timeout",
		},
		{
			name: "zero snapshot threshold",
			modify: func(c *Config) {
				c.SnapshotThreshold = 0
			},
			wantErr: true,
			errMsg:  "snapshot_threshold",
		},
		{
			name: "too many append entries",
			modify: func(c *Config) {
				c.MaxAppendEntries = 2048
			},
			wantErr: true,
			errMsg:  "max_append_entries",
		},
		{
			name: "zero chunk size",
			modify: func(c *Config) {
				c.ChunkSize = 0
			},
			wantErr: true,
			errMsg:  "chunk_size",
		},
		{
			name: "unknown compression",
			modify: func(c *Config) {
				c.Compression = "brotli"
			},
			wantErr: true,
			errMsg:  "compression",
		},
		{
			name: "unknown checksum",
			modify: func(c *Config) {
				c.Checksum = "md5"
			},
			wantErr: true,
			errMsg:  "checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ToRaftConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"

	rc := cfg.ToRaftConfig(raft.ServerID("peer-1"))
	assert.Equal(t, raft.ServerID("peer-1"), rc.LocalID)
	assert.Equal(t, cfg.HeartbeatTimeout, rc.HeartbeatTimeout)
	assert.Equal(t, cfg.TrailingLogs, rc.TrailingLogs)
	assert.True(t, rc.NoSnapshotRestoreOnStart)
	assert.True(t, rc.ShutdownOnRemove)
	assert.Equal(t, "DEBUG", rc.LogLevel)
	require.NoError(t, raft.ValidateConfig(rc))
}
