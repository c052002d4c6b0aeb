package rcpilot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksFromTable(t *testing.T) {
	table := ReshardTable{"m1": {1, 2}, "m2": {3}}
	tasks := tasksFromTable(table, "new")
	assert.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, "new", task.DstID)
	}
}

func TestRunSlotTasksParallelismCap(t *testing.T) {
	var inFlight, maxSeen int32
	var mu sync.Mutex
	release := make(chan struct{})

	tasks := make([]SlotTask, 20)
	for i := range tasks {
		tasks[i] = SlotTask{Slot: i, SrcID: "s", DstID: "d"}
	}

	f := func(ctx context.Context, slot int, srcID, dstID string) error {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > int32(maxSeen) {
			maxSeen = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- RunSlotTasks(context.Background(), tasks, f, "test.timeout")
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	seen := maxSeen
	mu.Unlock()
	assert.LessOrEqual(t, seen, int32(migrationParallelism))
	assert.Equal(t, int32(migrationParallelism), seen)

	close(release)
	require.NoError(t, <-done)
}

func TestRunSlotTasksAggregatesFirstError(t *testing.T) {
	tasks := []SlotTask{{Slot: 1, SrcID: "s", DstID: "d"}, {Slot: 2, SrcID: "s", DstID: "d"}}
	f := func(ctx context.Context, slot int, srcID, dstID string) error {
		if slot == 1 {
			return assert.AnError
		}
		return nil
	}
	err := RunSlotTasks(context.Background(), tasks, f, "test.timeout")
	assert.Error(t, err)
}

func TestRunSlotTasksTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	f := func(ctx context.Context, slot int, srcID, dstID string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err := RunSlotTasks(ctx, []SlotTask{{Slot: 1, SrcID: "s", DstID: "d"}}, f, "reshard.timeout")
	var timeoutErr *ReshardTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "reshard.timeout", timeoutErr.Timeout)
}
