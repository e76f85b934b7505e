package simnet

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type scheduledEnvelope struct {
	at  time.Time
	seq uint64
	env *Envelope
}

// deliveryHeap 按 (到期时间, 入队顺序) 排序的小顶堆
type deliveryHeap []*scheduledEnvelope

func (h deliveryHeap) Len() int { return len(h) }

func (h deliveryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deliveryHeap) Push(x any) { *h = append(*h, x.(*scheduledEnvelope)) }

func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// scheduler 所有节点共享的投递调度器
// 单个 goroutine 按到期顺序投递；延迟相同的信封保持发送顺序。
type scheduler struct {
	clock   clockwork.Clock
	deliver func(*Envelope)

	mu      sync.Mutex
	pending deliveryHeap
	seq     uint64

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func newScheduler(clock clockwork.Clock, deliver func(*Envelope)) *scheduler {
	return &scheduler{
		clock:   clock,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (s *scheduler) start() {
	go s.run()
}

// schedule 在 delay 之后投递
func (s *scheduler) schedule(env *Envelope, delay time.Duration) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.pending, &scheduledEnvelope{
		at:  s.clock.Now().Add(delay),
		seq: s.seq,
		env: env,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// popDue 取出所有到期信封，并返回下一个到期时间
func (s *scheduler) popDue() ([]*Envelope, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []*Envelope
	for s.pending.Len() > 0 {
		head := s.pending[0]
		if head.at.After(now) {
			return due, head.at.Sub(now), true
		}
		heap.Pop(&s.pending)
		due = append(due, head.env)
	}
	return due, 0, false
}

func (s *scheduler) run() {
	defer close(s.doneCh)

	for {
		due, wait, hasNext := s.popDue()
		for _, env := range due {
			s.deliver(env)
		}

		var (
			timer   clockwork.Timer
			timerCh <-chan time.Time
		)
		if hasNext {
			timer = s.clock.NewTimer(wait)
			timerCh = timer.Chan()
		}

		select {
		case <-s.wake:
		case <-timerCh:
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// pendingCount 尚未投递的信封数
func (s *scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// stop 停止调度器，未投递的信封被丢弃
func (s *scheduler) stop() int {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending.Len()
	s.pending = nil
	return n
}
