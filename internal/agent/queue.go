package agent

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/switchboard/switchboard/internal/protocol"
)

// queuedCommand is one command waiting for dispatch, paired with the spec
// resolved at submission time.
type queuedCommand struct {
	cmd        *protocol.CommandPayload
	spec       protocol.CommandSpec
	handler    HandlerFunc
	blocking   bool
	enqueuedAt time.Time

	seq   uint64
	index int
}

// commandHeap orders by ascending priority, FIFO among equal priorities.
type commandHeap []*queuedCommand

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].cmd.Priority != h[j].cmd.Priority {
		return h[i].cmd.Priority < h[j].cmd.Priority
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *commandHeap) Push(x interface{}) {
	item := x.(*queuedCommand)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *commandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// commandQueue is the agent's priority queue. Pushes may come from any
// goroutine; Pop is intended for the single dispatch loop.
type commandQueue struct {
	mu    sync.Mutex
	items commandHeap
	seq   uint64
	wake  chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues a command and wakes the dispatch loop.
func (q *commandQueue) Push(item *queuedCommand) {
	q.mu.Lock()
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes the highest-priority command, blocking until one is available
// or the context is done.
func (q *commandQueue) Pop(ctx context.Context) (*queuedCommand, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(*queuedCommand)
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

// Len reports the number of queued commands.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns everything still queued. Used when the
// connection the commands arrived on is gone.
func (q *commandQueue) Drain() []*queuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := make([]*queuedCommand, len(q.items))
	copy(dropped, q.items)
	q.items = q.items[:0]
	return dropped
}
