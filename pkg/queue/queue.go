// Package queue 提供无界多生产者队列，生产者永不阻塞
package queue

import "sync"

// Queue 并发安全的无界 FIFO 队列
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

// New 创建队列
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0),
		notify: make(chan struct{}, 1),
	}
}

// Push 入队，队列已关闭时返回 false
func (q *Queue[T]) Push(elem T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, elem)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop 出队一个元素
func (q *Queue[T]) Pop() (elem T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return elem, false
	}
	elem = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return elem, true
}

// Drain 取出全部元素
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = make([]T, 0)
	return out
}

// Len 当前长度
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify 每次入队后收到一次信号（合并多次入队）
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

// Close 关闭队列并返回未消费的元素
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	out := q.items
	q.items = nil
	return out
}

// Closed 队列是否已关闭
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
