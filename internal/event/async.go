package event

import (
	"strconv"
	"sync"

	"github.com/serialx/hashring"
	"github.com/sourcegraph/conc"
)

// DefaultQueueSize is the channel capacity used when a size <= 0 is given.
const DefaultQueueSize = 256

// Queue moves handler execution onto its own goroutine. Work runs in
// submission order; a full queue blocks the submitter rather than dropping.
type Queue struct {
	mu     sync.RWMutex
	ch     chan func()
	wg     conc.WaitGroup
	closed bool
}

// NewQueue starts a queue with capacity size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{ch: make(chan func(), size)}
	q.wg.Go(func() {
		for fn := range q.ch {
			fn()
		}
	})
	return q
}

// Submit enqueues fn, blocking while the queue is full. It reports false once
// the queue is closed.
func (q *Queue) Submit(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.ch <- fn
	return true
}

// Len returns the number of queued, not yet started, items.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting work, runs everything already queued and waits for
// the worker. A handler panic is re-raised here.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

// Handoff wraps fn so each call runs on q instead of the caller's goroutine.
func Handoff[T any](q *Queue, fn func(T)) func(T) {
	return func(v T) {
		q.Submit(func() { fn(v) })
	}
}

// Partitioned spreads work over several queues by key with a consistent hash.
// Order is kept per key only.
type Partitioned struct {
	ring   *hashring.HashRing
	queues map[string]*Queue
	order  []string
}

// NewPartitioned starts n queues of capacity size each.
func NewPartitioned(n, size int) *Partitioned {
	if n <= 0 {
		n = 1
	}
	p := &Partitioned{queues: make(map[string]*Queue, n)}
	for i := 0; i < n; i++ {
		node := "partition-" + strconv.Itoa(i)
		p.order = append(p.order, node)
		p.queues[node] = NewQueue(size)
	}
	p.ring = hashring.New(p.order)
	return p
}

// Submit enqueues fn on the partition owning key.
func (p *Partitioned) Submit(key string, fn func()) bool {
	node, ok := p.ring.GetNode(key)
	if !ok {
		node = p.order[0]
	}
	return p.queues[node].Submit(fn)
}

// Close drains and stops every partition.
func (p *Partitioned) Close() {
	for _, node := range p.order {
		p.queues[node].Close()
	}
}

// HandoffKeyed wraps fn so each call runs on the partition chosen by key(v).
func HandoffKeyed[T any](p *Partitioned, key func(T) string, fn func(T)) func(T) {
	return func(v T) {
		p.Submit(key(v), func() { fn(v) })
	}
}
