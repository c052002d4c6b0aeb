package rcpilot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClusterClientErrorUnwrap(t *testing.T) {
	inner := errors.New("dial refused")
	err := &ClusterClientError{Op: "dial", Addr: "10.0.0.1:7000", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "dial")
	assert.Contains(t, err.Error(), "10.0.0.1:7000")
}

func TestClusterClientErrorNoAddr(t *testing.T) {
	err := &ClusterClientError{Op: "topology", Err: errors.New("no seeds")}
	assert.NotContains(t, err.Error(), "  ")
}

func TestNodeNotInClusterMessage(t *testing.T) {
	err := &NodeNotInCluster{URI: "10.0.0.9:7000"}
	assert.Contains(t, err.Error(), "10.0.0.9:7000")
}

func TestIllegalOperationErrorMessage(t *testing.T) {
	err := &IllegalOperationError{Op: "drop_table", Target: "10.0.0.1:7000"}
	assert.Equal(t, "Unsupported operation drop_table for 10.0.0.1:7000", err.Error())
}

func TestSlotMigrationErrorUnwrap(t *testing.T) {
	inner := errors.New("WRONGTYPE")
	err := &SlotMigrationError{Slot: 42, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "42")
}

func TestReshardTimeoutErrorMessage(t *testing.T) {
	err := &ReshardTimeoutError{Timeout: "reshard.timeout"}
	assert.Contains(t, err.Error(), "reshard.timeout")
}
