package rcpilot

import "sort"

const hashSlots = 16384

// ReshardTable maps a source master's node id to the ordered list of
// slots it must relinquish toward the target master. Slot lists are
// pairwise disjoint and their union is a subset of [0, hashSlots).
type ReshardTable map[string][]int

// sourceMaster is the planner's input shape: a master's id and its
// currently-owned slots, considered for relinquishing in numeric
// order.
type sourceMaster struct {
	ID    string
	Slots []int
}

// PlanReshard computes, for the given source masters (excluding the
// target), the slots each must give up so that the target ends up
// owning its fair 1/(len(sources)+1) share. It is pure: identical
// input produces byte-identical output.
func PlanReshard(sources []NodeInfo) (ReshardTable, error) {
	if len(sources) == 0 {
		return nil, &ReshardTableError{Reason: "no source masters given"}
	}

	srcs := make([]sourceMaster, 0, len(sources))
	for _, n := range sources {
		if len(n.Slots) == 0 {
			return nil, &ReshardTableError{Reason: "source master " + n.ID + " owns no slots"}
		}
		slots := append([]int{}, n.Slots...)
		sort.Ints(slots)
		srcs = append(srcs, sourceMaster{ID: n.ID, Slots: slots})
	}
	// deterministic regardless of input ordering
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].ID < srcs[j].ID })

	target := ceilDiv(hashSlots, len(srcs)+1)

	table := make(ReshardTable, len(srcs))
	for _, s := range srcs {
		have := len(s.Slots)
		if have <= target {
			continue
		}
		toMove := have - target
		moved := append([]int{}, s.Slots[:toMove]...)
		table[s.ID] = moved
	}
	return table, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// PlanDrain computes the SlotTasks needed to empty leaving's owned
// slots onto remaining, round-robin by slot order, for the
// remove-master path ("remove-master re-enters as
// reshard-then-forget"). It fails with ReshardTableError under the
// same conditions as PlanReshard.
func PlanDrain(leaving NodeInfo, remaining []NodeInfo) ([]SlotTask, error) {
	if len(remaining) == 0 {
		return nil, &ReshardTableError{Reason: "no remaining masters to receive drained slots"}
	}
	if len(leaving.Slots) == 0 {
		return nil, &ReshardTableError{Reason: "leaving master " + leaving.ID + " owns no slots"}
	}

	dsts := make([]string, len(remaining))
	for i, m := range remaining {
		dsts[i] = m.ID
	}
	sort.Strings(dsts)

	slots := append([]int{}, leaving.Slots...)
	sort.Ints(slots)

	tasks := make([]SlotTask, len(slots))
	for i, slot := range slots {
		tasks[i] = SlotTask{Slot: slot, SrcID: leaving.ID, DstID: dsts[i%len(dsts)]}
	}
	return tasks, nil
}
