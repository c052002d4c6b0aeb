package rcpilot

import (
	"context"
	"log"
	"strings"
	"time"
)

// classRule is one row of the Migrate error-classification table.
// Rows are matched in order, case-insensitive substring, first match
// wins — this order is itself part of the contract.
type classRule struct {
	substr string
	class  errClass
}

type errClass int

const (
	classBusyKey errClass = iota
	classClusterDown
	classMoved
	classOther
)

var classificationTable = []classRule{
	{"BUSYKEY", classBusyKey},
	{"CLUSTERDOWN", classClusterDown},
	{"MOVED", classMoved},
}

// classifyError returns the first matching class for err's string
// form, or classOther if nothing in the table matches.
func classifyError(err error) errClass {
	msg := strings.ToUpper(err.Error())
	for _, rule := range classificationTable {
		if strings.Contains(msg, rule.substr) {
			return rule.class
		}
	}
	return classOther
}

// MigrateSlot executes one slot migration end-to-end: set slot
// assignment, move keys, notify every master of the new owner.
// connCache must contain a Connection for every id in masters plus
// src and dst. timeout, if non-zero, bounds the move-keys step alone;
// setSlotAssignment and notifyOwners are not subject to it, since a
// half-assigned slot must not be abandoned mid-flight.
func MigrateSlot(ctx context.Context, slot int, srcID, dstID string, dstURI RedisURI, masters []NodeInfo, connCache map[string]Connection, timeout time.Duration) error {
	if srcID == dstID {
		log.Printf("rcpilot: slot %d already owned by %s, no-op", slot, dstID)
		return nil
	}

	if err := setSlotAssignment(ctx, slot, srcID, dstID, connCache); err != nil {
		return err
	}

	moveCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		moveCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := moveKeys(moveCtx, slot, srcID, dstID, dstURI, connCache); err != nil {
		return err
	}

	return notifyOwners(ctx, slot, dstID, masters, connCache)
}

// setSlotAssignment has no hard upper bound: subsequent steps cannot
// proceed without it, so it retries the IMPORTING/MIGRATING pair
// until both succeed.
func setSlotAssignment(ctx context.Context, slot int, srcID, dstID string, connCache map[string]Connection) error {
	for {
		dst, ok := connCache[dstID]
		if !ok {
			return &SlotMigrationError{Slot: slot, Err: &ClusterClientError{Op: "connection", Err: errUnknownNode(dstID)}}
		}
		src, ok := connCache[srcID]
		if !ok {
			return &SlotMigrationError{Slot: slot, Err: &ClusterClientError{Op: "connection", Err: errUnknownNode(srcID)}}
		}

		errDst := dst.ClusterSetSlotImporting(ctx, slot, srcID)
		errSrc := src.ClusterSetSlotMigrating(ctx, slot, dstID)
		if errDst == nil && errSrc == nil {
			return nil
		}
		log.Printf("rcpilot: slot %d assignment retry: importing=%v migrating=%v", slot, errDst, errSrc)
	}
}

func moveKeys(ctx context.Context, slot int, srcID, dstID string, dstURI RedisURI, connCache map[string]Connection) error {
	src, ok := connCache[srcID]
	if !ok {
		return &SlotMigrationError{Slot: slot, Err: &ClusterClientError{Op: "connection", Err: errUnknownNode(srcID)}}
	}

	replace := false
	for {
		count, err := src.ClusterCountKeysInSlot(ctx, slot)
		if err != nil {
			return &SlotMigrationError{Slot: slot, Err: err}
		}
		if count == 0 {
			return nil
		}
		keys, err := src.ClusterGetKeysInSlot(ctx, slot, count)
		if err != nil {
			return &SlotMigrationError{Slot: slot, Err: err}
		}

		err = src.Migrate(ctx, dstURI, keys, replace)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &SlotMigrationError{Slot: slot, Err: ctx.Err()}
		}

		switch classifyError(err) {
		case classBusyKey:
			log.Printf("rcpilot: slot %d BUSYKEY, retrying MIGRATE with REPLACE", slot)
			replace = true
			continue
		case classClusterDown:
			log.Printf("rcpilot: slot %d CLUSTERDOWN, reacquiring src/dst connections from cache", slot)
			reacquired, ok := connCache[srcID]
			if !ok {
				return &SlotMigrationError{Slot: slot, Err: errUnknownNode(srcID)}
			}
			src = reacquired
			continue
		case classMoved:
			log.Printf("rcpilot: slot %d already moved, treating MIGRATE as success", slot)
			return nil
		default:
			log.Printf("rcpilot: slot %d MIGRATE failed (%v), treating as non-fatal", slot, err)
			return nil
		}
	}
}

func notifyOwners(ctx context.Context, slot int, dstID string, masters []NodeInfo, connCache map[string]Connection) error {
	for _, m := range masters {
		conn, ok := connCache[m.ID]
		if !ok {
			continue
		}
		if err := conn.ClusterSetSlotNode(ctx, slot, dstID); err != nil {
			return &SlotMigrationError{Slot: slot, Err: err}
		}
	}
	return nil
}

type unknownNodeError struct{ id string }

func (e *unknownNodeError) Error() string { return "rcpilot: no connection cached for node " + e.id }

func errUnknownNode(id string) error { return &unknownNodeError{id: id} }
