package raftstore

import (
	"bytes"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"go.uber.org/atomic"

	"github.com/lk2023060901/raftsim/pkg/logger"
	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/simnet"
	"github.com/lk2023060901/raftsim/pkg/wire"
)

// nextCallID 进程内全局唯一的 RPC 调用 ID
var nextCallID atomic.Uint64

// Transport 基于模拟网络的 raft.Transport，每个副本一个
//
// 请求与响应都封装为信封经 Router 发送，响应按 CallID 匹配；
// 重复的响应与超时后到达的响应被丢弃。InstallSnapshot 的数据整体压缩后分片发送，
// 接收方按分片序号重组，不要求分片按序到达。
type Transport struct {
	node   meta.NodeID
	group  meta.GroupID
	sender simnet.Sender
	cfg    *Config
	logger logger.Logger

	compressor wire.Compressor
	consumer   chan raft.RPC

	hbMu        sync.RWMutex
	heartbeatFn func(raft.RPC)

	mu         sync.Mutex
	pending    map[uint64]chan *simnet.ConsensusMessage
	assemblies map[uint64]*assembly
	completed  map[uint64]time.Time

	shutdownCh chan struct{}
	closed     atomic.Bool
}

// assembly 正在重组的快照
type assembly struct {
	total       int
	size        int64
	compression wire.CompressionType
	header      []byte
	parts       map[int][]byte
	started     time.Time
}

var (
	_ raft.Transport   = (*Transport)(nil)
	_ raft.WithClose   = (*Transport)(nil)
	_ raft.WithPreVote = (*Transport)(nil)
)

// NewTransport 创建副本的模拟传输
func NewTransport(node meta.NodeID, group meta.GroupID, sender simnet.Sender, cfg *Config, l logger.Logger) (*Transport, error) {
	compressor, err := wire.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.NewNoop()
	}
	return &Transport{
		node:       node,
		group:      group,
		sender:     sender,
		cfg:        cfg,
		logger:     l,
		compressor: compressor,
		consumer:   make(chan raft.RPC),
		pending:    make(map[uint64]chan *simnet.ConsensusMessage),
		assemblies: make(map[uint64]*assembly),
		completed:  make(map[uint64]time.Time),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Consumer 实现 raft.Transport 接口
func (t *Transport) Consumer() <-chan raft.RPC {
	return t.consumer
}

// LocalAddr 实现 raft.Transport 接口
func (t *Transport) LocalAddr() raft.ServerAddress {
	return ServerAddress(t.node)
}

// AppendEntriesPipeline 实现 raft.Transport 接口，模拟网络不支持流水线复制
func (t *Transport) AppendEntriesPipeline(id raft.ServerID, target raft.ServerAddress) (raft.AppendPipeline, error) {
	return nil, raft.ErrPipelineReplicationNotSupported
}

// AppendEntries 实现 raft.Transport 接口
func (t *Transport) AppendEntries(id raft.ServerID, target raft.ServerAddress, args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) error {
	return t.call(target, simnet.RPCAppendEntries, args, resp, t.cfg.RPCTimeout)
}

// RequestVote 实现 raft.Transport 接口
func (t *Transport) RequestVote(id raft.ServerID, target raft.ServerAddress, args *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
	return t.call(target, simnet.RPCRequestVote, args, resp, t.cfg.RPCTimeout)
}

// RequestPreVote 实现 raft.WithPreVote 接口
func (t *Transport) RequestPreVote(id raft.ServerID, target raft.ServerAddress, args *raft.RequestPreVoteRequest, resp *raft.RequestPreVoteResponse) error {
	return t.call(target, simnet.RPCRequestPreVote, args, resp, t.cfg.RPCTimeout)
}

// TimeoutNow 实现 raft.Transport 接口
func (t *Transport) TimeoutNow(id raft.ServerID, target raft.ServerAddress, args *raft.TimeoutNowRequest, resp *raft.TimeoutNowResponse) error {
	return t.call(target, simnet.RPCTimeoutNow, args, resp, t.cfg.RPCTimeout)
}

// InstallSnapshot 实现 raft.Transport 接口
func (t *Transport) InstallSnapshot(id raft.ServerID, target raft.ServerAddress, args *raft.InstallSnapshotRequest, resp *raft.InstallSnapshotResponse, data io.Reader) error {
	to, err := meta.ParseNodeAddr(string(target))
	if err != nil {
		return err
	}

	raw, err := io.ReadAll(data)
	if err != nil {
		return errors.Wrap(err, "read snapshot")
	}
	compressed, err := t.compressor.Compress(raw)
	if err != nil {
		return errors.Wrap(err, "compress snapshot")
	}
	header, err := wire.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "encode snapshot request")
	}

	callID := nextCallID.Inc()
	ch := t.register(callID)
	defer t.unregister(callID)

	size := t.cfg.ChunkSize
	total := (len(compressed) + size - 1) / size
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		lo := i * size
		hi := lo + size
		if hi > len(compressed) {
			hi = len(compressed)
		}
		chunk := &simnet.SnapshotChunk{
			CallID:      callID,
			Index:       i,
			Total:       total,
			Size:        int64(len(raw)),
			Compression: t.compressor.Name(),
			Data:        compressed[lo:hi],
		}
		if i == 0 {
			chunk.Header = header
		}
		env, err := simnet.NewEnvelope(t.node, to, t.group, simnet.KindSnapshotChunk, chunk)
		if err != nil {
			return err
		}
		t.sender.Send(env)
	}
	t.logger.Debug("snapshot sent", "to", to, "bytes", len(raw), "chunks", total)

	return t.await(ch, resp, t.cfg.SnapshotTimeout)
}

// EncodePeer 实现 raft.Transport 接口
func (t *Transport) EncodePeer(id raft.ServerID, addr raft.ServerAddress) []byte {
	return []byte(addr)
}

// DecodePeer 实现 raft.Transport 接口
func (t *Transport) DecodePeer(buf []byte) raft.ServerAddress {
	return raft.ServerAddress(buf)
}

// SetHeartbeatHandler 实现 raft.Transport 接口
func (t *Transport) SetHeartbeatHandler(cb func(rpc raft.RPC)) {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	t.heartbeatFn = cb
}

// Close 实现 raft.WithClose 接口
func (t *Transport) Close() error {
	if t.closed.CAS(false, true) {
		close(t.shutdownCh)
	}
	return nil
}

// IsShutdown 传输层是否已关闭
func (t *Transport) IsShutdown() bool {
	return t.closed.Load()
}

func (t *Transport) register(callID uint64) chan *simnet.ConsensusMessage {
	ch := make(chan *simnet.ConsensusMessage, 1)
	t.mu.Lock()
	t.pending[callID] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) unregister(callID uint64) {
	t.mu.Lock()
	delete(t.pending, callID)
	t.mu.Unlock()
}

// call 发送请求并等待响应
func (t *Transport) call(target raft.ServerAddress, typ simnet.RPCType, args, resp interface{}, timeout time.Duration) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	to, err := meta.ParseNodeAddr(string(target))
	if err != nil {
		return err
	}
	data, err := wire.Marshal(args)
	if err != nil {
		return errors.Wrapf(err, "encode %s", typ)
	}

	callID := nextCallID.Inc()
	ch := t.register(callID)
	defer t.unregister(callID)

	env, err := simnet.NewEnvelope(t.node, to, t.group, simnet.KindConsensus, &simnet.ConsensusMessage{
		CallID: callID,
		Type:   typ,
		Data:   data,
	})
	if err != nil {
		return err
	}
	t.sender.Send(env)

	return t.await(ch, resp, timeout)
}

func (t *Transport) await(ch chan *simnet.ConsensusMessage, resp interface{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if len(msg.Data) > 0 {
			if err := wire.Unmarshal(msg.Data, resp); err != nil {
				return errors.Wrapf(err, "decode %s response", msg.Type)
			}
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		return nil
	case <-timer.C:
		return ErrRPCTimeout
	case <-t.shutdownCh:
		return ErrTransportClosed
	}
}

// HandleEnvelope 处理发往本副本的信封，由节点的组邮箱串行调用
func (t *Transport) HandleEnvelope(env *simnet.Envelope) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	switch env.Kind {
	case simnet.KindConsensus:
		var msg simnet.ConsensusMessage
		if err := env.Decode(&msg); err != nil {
			return errors.Wrap(err, "decode consensus message")
		}
		if msg.Response {
			t.complete(&msg)
			return nil
		}
		return t.handleRequest(env.From, &msg)

	case simnet.KindSnapshotChunk:
		var chunk simnet.SnapshotChunk
		if err := env.Decode(&chunk); err != nil {
			return errors.Wrap(err, "decode snapshot chunk")
		}
		return t.handleChunk(env.From, &chunk)

	default:
		return errors.Newf("raftstore: unexpected envelope kind %s", env.Kind)
	}
}

func (t *Transport) complete(msg *simnet.ConsensusMessage) {
	t.mu.Lock()
	ch, ok := t.pending[msg.CallID]
	delete(t.pending, msg.CallID)
	t.mu.Unlock()

	if !ok {
		return
	}
	ch <- msg
}

func (t *Transport) handleRequest(from meta.NodeID, msg *simnet.ConsensusMessage) error {
	var cmd interface{}
	switch msg.Type {
	case simnet.RPCAppendEntries:
		cmd = &raft.AppendEntriesRequest{}
	case simnet.RPCRequestVote:
		cmd = &raft.RequestVoteRequest{}
	case simnet.RPCRequestPreVote:
		cmd = &raft.RequestPreVoteRequest{}
	case simnet.RPCTimeoutNow:
		cmd = &raft.TimeoutNowRequest{}
	default:
		return errors.Newf("raftstore: unexpected rpc type %s", msg.Type)
	}
	if err := wire.Unmarshal(msg.Data, cmd); err != nil {
		return errors.Wrapf(err, "decode %s", msg.Type)
	}
	t.dispatch(from, msg.CallID, msg.Type, cmd, nil)
	return nil
}

func (t *Transport) handleChunk(from meta.NodeID, chunk *simnet.SnapshotChunk) error {
	now := time.Now()

	t.mu.Lock()
	t.pruneLocked(now)
	if _, done := t.completed[chunk.CallID]; done {
		t.mu.Unlock()
		return nil
	}
	a, ok := t.assemblies[chunk.CallID]
	if !ok {
		a = &assembly{
			total:       chunk.Total,
			size:        chunk.Size,
			compression: chunk.Compression,
			parts:       make(map[int][]byte, chunk.Total),
			started:     now,
		}
		t.assemblies[chunk.CallID] = a
	}
	if chunk.Index == 0 {
		a.header = chunk.Header
	}
	a.parts[chunk.Index] = chunk.Data
	if len(a.parts) < a.total || a.header == nil {
		t.mu.Unlock()
		return nil
	}
	delete(t.assemblies, chunk.CallID)
	t.completed[chunk.CallID] = now
	t.mu.Unlock()

	indexes := make([]int, 0, len(a.parts))
	for i := range a.parts {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	var buf bytes.Buffer
	for _, i := range indexes {
		buf.Write(a.parts[i])
	}

	compressor, err := wire.NewCompressor(a.compression)
	if err != nil {
		return err
	}
	data, err := compressor.Decompress(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "decompress snapshot")
	}
	if int64(len(data)) != a.size {
		return errors.Wrapf(ErrSnapshotCorrupted, "snapshot size mismatch: expected %d, got %d", a.size, len(data))
	}

	var req raft.InstallSnapshotRequest
	if err := wire.Unmarshal(a.header, &req); err != nil {
		return errors.Wrap(err, "decode snapshot request")
	}
	t.logger.Debug("snapshot received", "from", from, "bytes", len(data), "chunks", a.total)
	t.dispatch(from, chunk.CallID, simnet.RPCInstallSnapshot, &req, bytes.NewReader(data))
	return nil
}

// pruneLocked 清理超时未完成的重组与过期的完成记录
func (t *Transport) pruneLocked(now time.Time) {
	for id, a := range t.assemblies {
		if now.Sub(a.started) > t.cfg.SnapshotTimeout {
			delete(t.assemblies, id)
		}
	}
	for id, at := range t.completed {
		if now.Sub(at) > t.cfg.SnapshotTimeout {
			delete(t.completed, id)
		}
	}
}

// dispatch 将请求交给 raft，并异步回送响应
func (t *Transport) dispatch(from meta.NodeID, callID uint64, typ simnet.RPCType, cmd interface{}, reader io.Reader) {
	respCh := make(chan raft.RPCResponse, 1)
	rpc := raft.RPC{
		Command:  cmd,
		Reader:   reader,
		RespChan: respCh,
	}

	if hb := t.heartbeatHandler(cmd); hb != nil {
		hb(rpc)
	} else {
		select {
		case t.consumer <- rpc:
		case <-t.shutdownCh:
			return
		}
	}

	go t.reply(from, callID, typ, respCh)
}

// heartbeatHandler 心跳走快速路径，不经过 raft 主循环
func (t *Transport) heartbeatHandler(cmd interface{}) func(raft.RPC) {
	req, ok := cmd.(*raft.AppendEntriesRequest)
	if !ok {
		return nil
	}
	if req.Term == 0 || len(req.RPCHeader.Addr) == 0 ||
		req.PrevLogEntry != 0 || req.PrevLogTerm != 0 ||
		len(req.Entries) != 0 || req.LeaderCommitIndex != 0 {
		return nil
	}

	t.hbMu.RLock()
	defer t.hbMu.RUnlock()
	return t.heartbeatFn
}

func (t *Transport) reply(to meta.NodeID, callID uint64, typ simnet.RPCType, respCh <-chan raft.RPCResponse) {
	var r raft.RPCResponse
	select {
	case r = <-respCh:
	case <-t.shutdownCh:
		return
	}

	msg := &simnet.ConsensusMessage{CallID: callID, Type: typ, Response: true}
	if r.Error != nil {
		msg.Error = r.Error.Error()
	}
	if r.Response != nil {
		data, err := wire.Marshal(r.Response)
		if err != nil {
			t.logger.Error("failed to encode rpc response", "type", typ.String(), "error", err)
			return
		}
		msg.Data = data
	}

	env, err := simnet.NewEnvelope(t.node, to, t.group, simnet.KindConsensus, msg)
	if err != nil {
		t.logger.Error("failed to build response envelope", "error", err)
		return
	}
	if !t.closed.Load() {
		t.sender.Send(env)
	}
}
