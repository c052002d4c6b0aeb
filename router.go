package rcpilot

import (
	"context"
	"fmt"
	"sync"
)

// migrationParallelism is the fixed concurrency cap for slot
// migrations within a single reshard.
const migrationParallelism = 5

// MigrateFunc migrates a single slot from src to dst.
type MigrateFunc func(ctx context.Context, slot int, srcID, dstID string) error

// SlotTask is one slot's worth of work for the router: which slot,
// which source, and which destination. ReshardTable only ever needs a
// single destination (the newly added master); draining a
// to-be-removed master spreads its slots across several remaining
// masters, hence the per-task (not per-table) destination.
type SlotTask struct {
	Slot  int
	SrcID string
	DstID string
}

// tasksFromTable flattens a ReshardTable into SlotTasks bound for a
// single destination, the reshard-toward-a-new-master case.
func tasksFromTable(table ReshardTable, dstID string) []SlotTask {
	var out []SlotTask
	for src, slots := range table {
		for _, s := range slots {
			out = append(out, SlotTask{Slot: s, SrcID: src, DstID: dstID})
		}
	}
	return out
}

// RunMigrations drives table through f with a fixed parallelism of 5.
// It answers with a single error only after every per-slot call has
// settled; aggregate failure is reported only for errors f raises
// outside MigrateSlot's classified set (an unclassified error from
// MigrateSlot, or a connection-cache miss). ctx should carry the
// whole-reshard deadline; if it expires before every slot settles,
// RunMigrations aborts with a ReshardTimeoutError naming timeoutDesc.
func RunMigrations(ctx context.Context, table ReshardTable, dstID string, f MigrateFunc, timeoutDesc string) error {
	return RunSlotTasks(ctx, tasksFromTable(table, dstID), f, timeoutDesc)
}

// RunSlotTasks is the general form behind RunMigrations: each task may
// carry its own destination, which is what a remove-master drain
// needs (its slots spread across several remaining masters instead of
// one new one).
func RunSlotTasks(ctx context.Context, tasks []SlotTask, f MigrateFunc, timeoutDesc string) error {
	done := make(chan error, 1)
	go func() {
		done <- runBounded(ctx, tasks, f)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &ReshardTimeoutError{Timeout: timeoutDesc}
	}
}

func runBounded(ctx context.Context, tasks []SlotTask, f MigrateFunc) error {
	sem := make(chan struct{}, migrationParallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, t := range tasks {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := f(ctx, t.Slot, t.SrcID, t.DstID); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("slot %d: %w", t.Slot, err)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}
