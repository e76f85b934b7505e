package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/node"
	"github.com/lk2023060901/raftsim/pkg/pd"
	"github.com/lk2023060901/raftsim/pkg/simnet"
)

const waitTimeout = 10 * time.Second

func fastConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Raft.HeartbeatTimeout = 50 * time.Millisecond
	cfg.Raft.ElectionTimeout = 50 * time.Millisecond
	cfg.Raft.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.Raft.CommitTimeout = 5 * time.Millisecond
	cfg.Raft.RPCTimeout = 200 * time.Millisecond
	return cfg
}

func newCluster(t *testing.T, n, replicas int) *Cluster {
	t.Helper()
	c, err := New(fastConfig(t), WithLogger(logger.NewNoop()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx, n, replicas))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		LeaderElected(BootstrapGroup),
		GroupInState(BootstrapGroup, meta.GroupBootstrapped),
	)))
	return c
}

func leaderOf(t *testing.T, c *Cluster, group meta.GroupID) meta.Peer {
	t.Helper()
	leader, ok := c.PD().LeaderOf(group)
	require.True(t, ok, "no leader for %s", group)
	return leader
}

func followerOf(t *testing.T, c *Cluster, group meta.GroupID) meta.Peer {
	t.Helper()
	leader := leaderOf(t, c, group)
	peers, ok := c.PD().PeersOf(group)
	require.True(t, ok)
	for _, p := range peers {
		if p.ID != leader.ID {
			return p
		}
	}
	t.Fatalf("%s has no follower", group)
	return meta.Peer{}
}

func waitValueEverywhere(t *testing.T, c *Cluster, group meta.GroupID, key, value []byte) {
	t.Helper()
	peers, ok := c.PD().PeersOf(group)
	require.True(t, ok)
	conds := make([]Condition, 0, len(peers))
	for _, p := range peers {
		conds = append(conds, ValueEquals(p.Node, key, value))
	}
	require.NoError(t, c.WaitUntil(context.Background(), waitTimeout, All(conds...)))
}

func TestBootstrapTopologyErrors(t *testing.T) {
	tests := []struct {
		name     string
		nodes    int
		replicas int
	}{
		{"no nodes", 0, 1},
		{"no replicas", 3, 0},
		{"more replicas than nodes", 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(fastConfig(t), WithLogger(logger.NewNoop()))
			require.NoError(t, err)
			defer c.Close()

			err = c.Bootstrap(context.Background(), tt.nodes, tt.replicas)
			assert.ErrorIs(t, err, meta.ErrTopology)
			assert.Empty(t, c.Nodes())
		})
	}
}

func TestBootstrapElectsSingleLeader(t *testing.T) {
	c := newCluster(t, 3, 3)

	g, ok := c.PD().Group(BootstrapGroup)
	require.True(t, ok)
	assert.Equal(t, uint64(1), g.Epoch)
	assert.Len(t, g.Peers, 3)
	assert.True(t, g.Range.Equal(meta.FullRange()))
	assert.Equal(t, []meta.NodeID{1, 2, 3}, c.PD().Nodes())

	leaders := 0
	for _, id := range c.Nodes() {
		nd, _ := c.Node(id)
		if nd.IsLeader(BootstrapGroup) {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)

	err := c.Bootstrap(context.Background(), 3, 3)
	assert.ErrorIs(t, err, meta.ErrInvalidState)
}

func TestRoundRobinPlacement(t *testing.T) {
	c := newCluster(t, 5, 3)

	peers, ok := c.PD().PeersOf(BootstrapGroup)
	require.True(t, ok)
	nodes := make([]meta.NodeID, 0, len(peers))
	for _, p := range peers {
		nodes = append(nodes, p.Node)
	}
	assert.Equal(t, []meta.NodeID{1, 2, 3}, nodes)

	nd, _ := c.Node(5)
	assert.Empty(t, nd.Groups())
}

func TestPutGetReplicates(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))
	v, err := c.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	waitValueEverywhere(t, c, BootstrapGroup, []byte("k"), []byte("v"))

	require.NoError(t, c.Delete(ctx, []byte("k")))
	v, err = c.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
	waitValueEverywhere(t, c, BootstrapGroup, []byte("k"), nil)
}

// 旧 Leader 被隔离期间写入的新值在恢复连通后同步到它
func TestFailoverAfterIsolation(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()
	key := []byte("k")

	require.NoError(t, c.Put(ctx, key, []byte("v")))
	old := leaderOf(t, c, BootstrapGroup)

	c.Isolate(old.Node)
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, LeaderNotOn(BootstrapGroup, old.Node)))

	require.NoError(t, c.Put(ctx, key, []byte("v2")))
	v, err := c.ValueOn(old.Node, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	assert.Equal(t, 1, c.Heal(old.Node))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, ValueEquals(old.Node, key, []byte("v2"))))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, LeaderElected(BootstrapGroup)))
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	rule, err := c.Duplicate(2, simnet.InGroup(BootstrapGroup))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, c.Put(ctx, key, []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, c.Put(ctx, []byte("key-00"), []byte("last")))
	assert.True(t, c.RemoveFilter(rule))

	waitValueEverywhere(t, c, BootstrapGroup, []byte("key-19"), []byte("value-19"))
	waitValueEverywhere(t, c, BootstrapGroup, []byte("key-00"), []byte("last"))

	// 所有副本的已应用索引最终一致
	leader := leaderOf(t, c, BootstrapGroup)
	nd, _ := c.Node(leader.Node)
	applied := nd.AppliedIndex(BootstrapGroup)
	for _, id := range c.Nodes() {
		require.NoError(t, c.WaitUntil(ctx, waitTimeout, AppliedAtLeast(id, BootstrapGroup, applied)))
	}
}

func TestSplit(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	for _, k := range []string{"a", "m", "z"} {
		require.NoError(t, c.Put(ctx, []byte(k), []byte(k+"v")))
	}

	_, err := c.Split(ctx, BootstrapGroup, 7, []byte("m"))
	assert.ErrorIs(t, err, meta.ErrStaleEpoch)
	_, err = c.Split(ctx, BootstrapGroup, 1, nil)
	assert.ErrorIs(t, err, meta.ErrTopology)
	_, err = c.Split(ctx, 42, 1, []byte("m"))
	assert.ErrorIs(t, err, meta.ErrGroupNotFound)

	child, err := c.Split(ctx, BootstrapGroup, 1, []byte("m"))
	require.NoError(t, err)
	assert.Equal(t, meta.GroupID(2), child)

	// 分裂进行中不接受新的管理操作
	_, err = c.Split(ctx, BootstrapGroup, 1, []byte("f"))
	require.Error(t, err)
	assert.True(t, errorsIsAny(err, meta.ErrInvalidState, meta.ErrStaleEpoch))

	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		GroupInState(BootstrapGroup, meta.GroupBootstrapped),
		GroupInState(child, meta.GroupBootstrapped),
		LeaderElected(child),
	)))

	parent, _ := c.PD().Group(BootstrapGroup)
	right, _ := c.PD().Group(child)
	assert.Equal(t, uint64(2), parent.Epoch)
	assert.Equal(t, uint64(2), right.Epoch)
	assert.True(t, parent.Range.Equal(meta.KeyRange{End: []byte("m")}))
	assert.True(t, right.Range.Equal(meta.KeyRange{Start: []byte("m")}))
	assert.False(t, parent.Range.Overlaps(right.Range))
	union, ok := parent.Range.Merge(right.Range)
	require.True(t, ok)
	assert.True(t, union.Equal(meta.FullRange()))

	g, ok := c.PD().GroupForKey([]byte("z"))
	require.True(t, ok)
	assert.Equal(t, child, g.ID)

	v, err := c.Get(ctx, []byte("z"))
	require.NoError(t, err)
	assert.Equal(t, []byte("zv"), v)
	v, err = c.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("av"), v)

	require.NoError(t, c.Put(ctx, []byte("q"), []byte("qv")))
	waitValueEverywhere(t, c, child, []byte("q"), []byte("qv"))
	waitValueEverywhere(t, c, child, []byte("m"), []byte("mv"))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.Metrics().Operations.WithLabelValues("split", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.Metrics().Groups))
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestMerge(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, []byte("a"), []byte("av")))
	require.NoError(t, c.Put(ctx, []byte("z"), []byte("zv")))

	child, err := c.Split(ctx, BootstrapGroup, 1, []byte("m"))
	require.NoError(t, err)
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		GroupInState(BootstrapGroup, meta.GroupBootstrapped),
		GroupInState(child, meta.GroupBootstrapped),
		LeaderElected(child),
	)))
	require.NoError(t, c.Put(ctx, []byte("x"), []byte("xv")))

	assert.ErrorIs(t, c.Merge(ctx, BootstrapGroup, BootstrapGroup), meta.ErrTopology)

	require.NoError(t, c.Merge(ctx, BootstrapGroup, child))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		GroupInState(child, meta.GroupRetired),
		GroupInState(BootstrapGroup, meta.GroupBootstrapped),
	)))

	g, _ := c.PD().Group(BootstrapGroup)
	assert.True(t, g.Range.Equal(meta.FullRange()))
	assert.Equal(t, uint64(3), g.Epoch)
	assert.Len(t, c.PD().ActiveGroups(), 1)

	routed, ok := c.PD().GroupForKey([]byte("x"))
	require.True(t, ok)
	assert.Equal(t, BootstrapGroup, routed.ID)

	for _, k := range []string{"a", "x", "z"} {
		v, err := c.Get(ctx, []byte(k))
		require.NoError(t, err)
		assert.Equal(t, []byte(k+"v"), v)
	}
	waitValueEverywhere(t, c, BootstrapGroup, []byte("x"), []byte("xv"))

	// 源组的副本最终被销毁
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, Condition{
		Name: "retired replicas destroyed",
		Check: func(c *Cluster) bool {
			for _, id := range c.Nodes() {
				nd, _ := c.Node(id)
				if _, ok := nd.Peer(child); ok {
					return false
				}
			}
			return true
		},
	}))
}

func TestMergeNotAdjacent(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	right, err := c.Split(ctx, BootstrapGroup, 1, []byte("p"))
	require.NoError(t, err)
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		GroupInState(BootstrapGroup, meta.GroupBootstrapped),
		GroupInState(right, meta.GroupBootstrapped),
	)))

	middle, err := c.Split(ctx, BootstrapGroup, 2, []byte("g"))
	require.NoError(t, err)
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		GroupInState(BootstrapGroup, meta.GroupBootstrapped),
		GroupInState(middle, meta.GroupBootstrapped),
	)))

	assert.ErrorIs(t, c.Merge(ctx, BootstrapGroup, right), meta.ErrNotAdjacent)

	g, _ := c.PD().Group(BootstrapGroup)
	assert.Equal(t, meta.GroupBootstrapped, g.State)
}

func TestTransferLeader(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	target := followerOf(t, c, BootstrapGroup)
	require.NoError(t, c.TransferLeader(BootstrapGroup, target.ID))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, Condition{
		Name: "leader transferred",
		Check: func(c *Cluster) bool {
			leader, ok := c.PD().LeaderOf(BootstrapGroup)
			return ok && leader.ID == target.ID && LeaderElected(BootstrapGroup).Check(c)
		},
	}))

	assert.ErrorIs(t, c.TransferLeader(BootstrapGroup, 999), meta.ErrPeerNotFound)
}

func TestChangeMembership(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))

	added, err := c.AddNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.NodeID(4), added)

	removed := followerOf(t, c, BootstrapGroup)

	_, err = c.ChangeMembership(ctx, BootstrapGroup, []meta.NodeID{removed.Node}, nil)
	assert.ErrorIs(t, err, meta.ErrTopology)
	_, err = c.ChangeMembership(ctx, BootstrapGroup, nil, []meta.PeerID{999})
	assert.ErrorIs(t, err, meta.ErrPeerNotFound)

	peers, err := c.ChangeMembership(ctx, BootstrapGroup, []meta.NodeID{added}, []meta.PeerID{removed.ID})
	require.NoError(t, err)
	require.Len(t, peers, 1)

	g, _ := c.PD().Group(BootstrapGroup)
	assert.Equal(t, meta.GroupReconfiguring, g.State)
	assert.Len(t, g.TentativePeers, 3)

	require.NoError(t, c.WaitUntil(ctx, waitTimeout, GroupInState(BootstrapGroup, meta.GroupBootstrapped)))
	g, _ = c.PD().Group(BootstrapGroup)
	assert.Equal(t, uint64(2), g.Epoch)
	assert.Nil(t, g.TentativePeers)
	assert.True(t, meta.ContainsPeer(g.Peers, peers[0].ID))
	assert.False(t, meta.ContainsPeer(g.Peers, removed.ID))

	require.NoError(t, c.WaitUntil(ctx, waitTimeout, ValueEquals(added, []byte("k"), []byte("v"))))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, Condition{
		Name: "removed replica destroyed",
		Check: func(c *Cluster) bool {
			nd, _ := c.Node(removed.Node)
			_, ok := nd.Peer(BootstrapGroup)
			return !ok
		},
	}))

	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v2")))
	waitValueEverywhere(t, c, BootstrapGroup, []byte("k"), []byte("v2"))
}

func TestStopStartNode(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	follower := followerOf(t, c, BootstrapGroup)
	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))

	require.NoError(t, c.StopNode(follower.Node))
	_, ok := c.PD().Node(follower.Node)
	assert.False(t, ok)
	_, err := c.ValueOn(follower.Node, []byte("k"))
	assert.ErrorIs(t, err, meta.ErrNodeStopped)

	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v2")))

	require.NoError(t, c.StartNode(follower.Node))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		NodeUp(follower.Node, true),
		ValueEquals(follower.Node, []byte("k"), []byte("v2")),
	)))

	assert.ErrorIs(t, c.StopNode(99), meta.ErrNodeNotFound)
}

func TestRemoveNode(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	err := c.RemoveNode(ctx, 3, false)
	assert.ErrorIs(t, err, meta.ErrInvalidState)

	require.NoError(t, c.RemoveNode(ctx, 3, true))
	_, ok := c.Node(3)
	assert.False(t, ok)
	assert.NotContains(t, c.PD().KnownNodes(), meta.NodeID(3))

	g, _ := c.PD().Group(BootstrapGroup)
	assert.Len(t, g.Peers, 2)
	assert.True(t, g.UnderReplicated())

	require.NoError(t, c.WaitUntil(ctx, waitTimeout, LeaderElected(BootstrapGroup)))
	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))

	id, err := c.AddNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.NodeID(4), id)
	require.NoError(t, c.RemoveNode(ctx, id, false))
}

func TestRetryPendingAfterLostAdmin(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	assert.ErrorIs(t, c.RetryPending(BootstrapGroup), meta.ErrInvalidState)

	rule, err := c.InstallFilter(simnet.FaultRule{
		Name:   "drop-admin",
		Match:  simnet.OfKind(simnet.KindAdmin),
		Action: simnet.DropAction(),
	})
	require.NoError(t, err)
	child, err := c.Split(ctx, BootstrapGroup, 1, []byte("m"))
	require.NoError(t, err)

	op, ok := c.PendingOp(BootstrapGroup)
	require.True(t, ok)
	assert.Equal(t, "split", op)
	time.Sleep(100 * time.Millisecond)
	g, _ := c.PD().Group(BootstrapGroup)
	assert.Equal(t, meta.GroupSplitting, g.State)

	require.True(t, c.RemoveFilter(rule))
	require.NoError(t, c.RetryPending(BootstrapGroup))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, All(
		GroupInState(BootstrapGroup, meta.GroupBootstrapped),
		GroupInState(child, meta.GroupBootstrapped),
	)))
	_, ok = c.PendingOp(BootstrapGroup)
	assert.False(t, ok)
}

func TestStorageFailpointCrashesNode(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	assert.Error(t, c.EnableFailpoint(1, "no/such", 1))

	follower := followerOf(t, c, BootstrapGroup)
	require.NoError(t, c.EnableFailpoint(follower.Node, node.FailpointStorageAbort, 1))
	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))

	require.NoError(t, c.WaitUntil(ctx, waitTimeout, NodeUp(follower.Node, false)))
	nd, _ := c.Node(follower.Node)
	assert.True(t, nd.Crashed())

	require.NoError(t, c.StartNode(follower.Node))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, ValueEquals(follower.Node, []byte("k"), []byte("v"))))
}

func TestBootstrapFailureReleasesNodes(t *testing.T) {
	c, err := New(fastConfig(t), WithLogger(logger.NewNoop()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	// 节点 2 的数据目录被普通文件占用，启动失败
	blocker := filepath.Join(c.DataDir(), meta.NodeID(2).String())
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	ctx := context.Background()
	require.Error(t, c.Bootstrap(ctx, 3, 3))
	assert.Empty(t, c.Nodes())
	assert.Empty(t, c.Router().Nodes())
	assert.Empty(t, c.PD().Nodes())

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, c.Bootstrap(ctx, 3, 3))
	assert.Equal(t, []meta.NodeID{1, 2, 3}, c.Nodes())
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, LeaderElected(BootstrapGroup)))
}

func TestWaitUntilTimeout(t *testing.T) {
	c := newCluster(t, 1, 1)

	start := time.Now()
	err := c.WaitUntil(context.Background(), 100*time.Millisecond, Condition{
		Name:  "never",
		Check: func(*Cluster) bool { return false },
	})
	assert.ErrorIs(t, err, meta.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitUntilCallerCancel(t *testing.T) {
	c := newCluster(t, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := c.WaitUntil(ctx, time.Minute, Condition{
		Name:  "never",
		Check: func(*Cluster) bool { return false },
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, meta.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	err = c.WaitUntil(ctx, time.Minute, Condition{
		Name:  "already cancelled",
		Check: func(*Cluster) bool { return false },
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMetadataWritesRequireToken(t *testing.T) {
	c := newCluster(t, 1, 1)

	err := c.PD().PutNode(pd.Token{}, pd.NodeInfo{ID: 9, Up: true})
	assert.ErrorIs(t, err, meta.ErrForbidden)
	_, err = c.PD().ClaimWriter()
	assert.ErrorIs(t, err, meta.ErrForbidden)
}

func TestCorruptEnvelopesAreDropped(t *testing.T) {
	c := newCluster(t, 3, 3)
	ctx := context.Background()

	follower := followerOf(t, c, BootstrapGroup)
	rule := c.Corrupt(simnet.To(follower.Node))
	require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))

	time.Sleep(100 * time.Millisecond)
	v, err := c.ValueOn(follower.Node, []byte("k"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(v, []byte("v")))

	assert.True(t, c.RemoveFilter(rule))
	require.NoError(t, c.WaitUntil(ctx, waitTimeout, ValueEquals(follower.Node, []byte("k"), []byte("v"))))
}
