package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard/switchboard/internal/protocol"
)

func queued(id string, priority int) *queuedCommand {
	return &queuedCommand{
		cmd: &protocol.CommandPayload{
			CommandID: id,
			Command:   "echo",
			Priority:  priority,
		},
		enqueuedAt: time.Now(),
	}
}

func TestCommandQueue_PriorityOrder(t *testing.T) {
	q := newCommandQueue()

	q.Push(queued("low", 9))
	q.Push(queued("high", 1))
	q.Push(queued("mid", 5))

	ctx := context.Background()
	var order []string
	for i := 0; i < 3; i++ {
		item, ok := q.Pop(ctx)
		require.True(t, ok)
		order = append(order, item.cmd.CommandID)
	}

	assert.Equal(t, []string{"high", "mid", "low"}, order)
	assert.Equal(t, 0, q.Len())
}

func TestCommandQueue_FIFOWithinPriority(t *testing.T) {
	q := newCommandQueue()

	for i := 0; i < 5; i++ {
		q.Push(queued(fmt.Sprintf("cmd-%d", i), protocol.DefaultPriority))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		item, ok := q.Pop(ctx)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("cmd-%d", i), item.cmd.CommandID)
	}
}

func TestCommandQueue_PopBlocksUntilPush(t *testing.T) {
	q := newCommandQueue()

	got := make(chan *queuedCommand, 1)
	go func() {
		item, ok := q.Pop(context.Background())
		if ok {
			got <- item
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(queued("late", 5))

	select {
	case item := <-got:
		assert.Equal(t, "late", item.cmd.CommandID)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestCommandQueue_PopAbortsOnContextCancel(t *testing.T) {
	q := newCommandQueue()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after context cancellation")
	}
}

func TestCommandQueue_Drain(t *testing.T) {
	q := newCommandQueue()

	q.Push(queued("a", 3))
	q.Push(queued("b", 1))
	q.Push(queued("c", 7))

	dropped := q.Drain()
	assert.Len(t, dropped, 3)
	assert.Equal(t, 0, q.Len())

	// A drained queue accepts new work.
	q.Push(queued("d", 5))
	item, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "d", item.cmd.CommandID)
}

func TestCommandQueue_MixedPrioritiesInterleaved(t *testing.T) {
	q := newCommandQueue()
	ctx := context.Background()

	q.Push(queued("first-5", 5))
	q.Push(queued("second-5", 5))
	q.Push(queued("urgent", 1))

	item, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "urgent", item.cmd.CommandID)

	// New urgent work pushed mid-stream still jumps the remaining 5s.
	q.Push(queued("urgent-2", 2))

	item, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "urgent-2", item.cmd.CommandID)

	item, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "first-5", item.cmd.CommandID)

	item, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "second-5", item.cmd.CommandID)
}
