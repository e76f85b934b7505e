package pd

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/raftsim/pkg/meta"
)

func kr(start, end string) meta.KeyRange {
	r := meta.KeyRange{}
	if start != "" {
		r.Start = []byte(start)
	}
	if end != "" {
		r.End = []byte(end)
	}
	return r
}

func newWriter(t *testing.T) (*PD, Token) {
	t.Helper()
	p := New()
	tok, err := p.ClaimWriter()
	require.NoError(t, err)
	return p, tok
}

func TestClaimWriterOnce(t *testing.T) {
	p, _ := newWriter(t)
	_, err := p.ClaimWriter()
	assert.True(t, errors.Is(err, meta.ErrForbidden))
}

func TestWriteWithoutTokenForbidden(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 1, State: meta.GroupBootstrapped}))

	tests := []struct {
		name string
		fn   func(Token) error
	}{
		{"put group", func(tk Token) error { return p.PutGroup(tk, &GroupInfo{ID: 2}) }},
		{"set leader", func(tk Token) error { return p.SetLeader(tk, 1, 1, 1) }},
		{"set state", func(tk Token) error { return p.SetState(tk, 1, meta.GroupSplitting) }},
		{"put node", func(tk Token) error { return p.PutNode(tk, NodeInfo{ID: 1, Up: true}) }},
		{"set node up", func(tk Token) error { return p.SetNodeUp(tk, 1, false) }},
		{"remove node", func(tk Token) error { return p.RemoveNode(tk, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.fn(Token{}), meta.ErrForbidden))
		})
	}

	g, ok := p.Group(1)
	require.True(t, ok)
	assert.Equal(t, meta.PeerID(0), g.Leader)
}

func TestGroupForKey(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 1, Range: kr("", "g"), State: meta.GroupBootstrapped}))
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 2, Range: kr("g", "p"), State: meta.GroupBootstrapped}))
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 3, Range: kr("p", ""), State: meta.GroupBootstrapped}))

	tests := []struct {
		key  string
		want meta.GroupID
	}{
		{"", 1},
		{"a", 1},
		{"g", 2},
		{"oz", 2},
		{"p", 3},
		{"zzz", 3},
	}
	for _, tt := range tests {
		g, ok := p.GroupForKey([]byte(tt.key))
		require.True(t, ok, tt.key)
		assert.Equal(t, tt.want, g.ID, tt.key)
	}

	assert.Len(t, p.ActiveGroups(), 3)
	assert.Equal(t, meta.GroupID(3), p.MaxGroupID())
}

func TestMergeKeepsIndexConsistent(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 1, Range: kr("", "g"), State: meta.GroupBootstrapped}))
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 2, Range: kr("g", ""), State: meta.GroupBootstrapped}))

	// 组 2 吸收左侧的组 1，起点变为组 1 的起点
	require.NoError(t, p.UpdateGroup(tok, 2, func(g *GroupInfo) error {
		g.Range = kr("", "")
		g.Epoch++
		return nil
	}))
	require.NoError(t, p.SetState(tok, 1, meta.GroupRetired))

	g, ok := p.GroupForKey([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, meta.GroupID(2), g.ID)
	g, ok = p.GroupForKey([]byte("x"))
	require.True(t, ok)
	assert.Equal(t, meta.GroupID(2), g.ID)

	require.Len(t, p.ActiveGroups(), 1)
	retired, ok := p.Group(1)
	require.True(t, ok)
	assert.Equal(t, meta.GroupRetired, retired.State)
}

func TestSetStateTransitions(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 1, State: meta.GroupBootstrapped}))

	require.NoError(t, p.SetState(tok, 1, meta.GroupSplitting))
	err := p.SetState(tok, 1, meta.GroupMerging)
	assert.True(t, errors.Is(err, meta.ErrInvalidState))
	require.NoError(t, p.SetState(tok, 1, meta.GroupBootstrapped))

	err = p.SetState(tok, 9, meta.GroupBootstrapped)
	assert.True(t, errors.Is(err, meta.ErrGroupNotFound))
}

func TestLeaderOf(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutNode(tok, NodeInfo{ID: 1, Up: true}))
	require.NoError(t, p.PutNode(tok, NodeInfo{ID: 2, Up: true}))
	require.NoError(t, p.PutGroup(tok, &GroupInfo{
		ID:    1,
		Peers: []meta.Peer{{ID: 10, Node: 1}, {ID: 11, Node: 2}},
		State: meta.GroupBootstrapped,
	}))

	_, ok := p.LeaderOf(1)
	assert.False(t, ok)

	require.NoError(t, p.SetLeader(tok, 1, 11, 3))
	leader, ok := p.LeaderOf(1)
	require.True(t, ok)
	assert.Equal(t, meta.Peer{ID: 11, Node: 2}, leader)

	// 旧任期的上报不覆盖
	require.NoError(t, p.SetLeader(tok, 1, 10, 2))
	leader, _ = p.LeaderOf(1)
	assert.Equal(t, meta.PeerID(11), leader.ID)

	require.NoError(t, p.ClearLeader(tok, 1, 10, 3))
	_, ok = p.LeaderOf(1)
	assert.True(t, ok)
	require.NoError(t, p.ClearLeader(tok, 1, 11, 3))
	_, ok = p.LeaderOf(1)
	assert.False(t, ok)
	require.NoError(t, p.SetLeader(tok, 1, 11, 4))

	// Leader 所在节点停止后不可见
	require.NoError(t, p.SetNodeUp(tok, 2, false))
	_, ok = p.LeaderOf(1)
	assert.False(t, ok)
	_, ok = p.Node(2)
	assert.False(t, ok)
	assert.Equal(t, []meta.NodeID{1}, p.Nodes())
	assert.Equal(t, []meta.NodeID{1, 2}, p.KnownNodes())
}

func TestReadsReturnCopies(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 1, Peers: []meta.Peer{{ID: 1, Node: 1}}}))

	g, _ := p.Group(1)
	g.Peers[0].Node = 99
	peers, _ := p.PeersOf(1)
	assert.Equal(t, meta.NodeID(1), peers[0].Node)
}

func TestConcurrentReaders(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 1, Range: kr("", ""), State: meta.GroupBootstrapped}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, ok := p.GroupForKey([]byte("k"))
				assert.True(t, ok)
			}
		}()
	}
	for j := 0; j < 200; j++ {
		require.NoError(t, p.SetLeader(tok, 1, meta.PeerID(j%3+1), uint64(j)))
	}
	wg.Wait()
}

func TestGroupsOnNode(t *testing.T) {
	p, tok := newWriter(t)
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 1, Range: kr("", "m"), Peers: []meta.Peer{{ID: 1, Node: 1}}, State: meta.GroupBootstrapped}))
	require.NoError(t, p.PutGroup(tok, &GroupInfo{ID: 2, Range: kr("m", ""), Peers: []meta.Peer{{ID: 2, Node: 2}}, State: meta.GroupBootstrapped}))

	assert.Equal(t, []meta.GroupID{1}, p.GroupsOnNode(1))
	assert.Empty(t, p.GroupsOnNode(3))
}
