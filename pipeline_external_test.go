package rcpilot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/rcpilot"
	"github.com/mna/rcpilot/rcpilottest"
)

func externalTestConfig() rcpilot.Config {
	return rcpilot.Config{
		RefreshTimeout:          5 * time.Millisecond,
		BatchPeriod:             5 * time.Millisecond,
		ReshardInterval:         time.Millisecond,
		ReshardTimeout:          2 * time.Second,
		MigrateSlotTimeout:      500 * time.Millisecond,
		DefaultPort:             6379,
		TopologyRefreshInterval: time.Minute,
	}
}

func waitExternalReply(t *testing.T, ch <-chan rcpilot.Reply) rcpilot.Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return rcpilot.Reply{}
	}
}

func externalRangeSlots(start, end int) []int {
	out := make([]int, 0, end-start+1)
	for s := start; s <= end; s++ {
		out = append(out, s)
	}
	return out
}

func TestSupervisorUnsupportedOp(t *testing.T) {
	fake := rcpilottest.New()
	fake.AddMaster("10.0.0.1:7000", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := rcpilot.NewSupervisor(ctx, fake, externalTestConfig())

	ack := sup.Submit("drop_table", "10.0.0.1:7000")
	reply := waitExternalReply(t, ack.Reply)
	require.Error(t, reply.Err)
	var illegal *rcpilot.IllegalOperationError
	require.ErrorAs(t, reply.Err, &illegal)
	assert.Equal(t, "drop_table", illegal.Op)
}

func TestSupervisorAddMasterTriggersReshard(t *testing.T) {
	fake := rcpilottest.New()
	fake.AddMaster("10.0.0.1:7000", externalRangeSlots(0, 16383))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := rcpilot.NewSupervisor(ctx, fake, externalTestConfig())

	ack := sup.Submit("add_master", "10.0.0.2:7000")
	reply := waitExternalReply(t, ack.Reply)
	require.NoError(t, reply.Err)
	assert.Equal(t, "master", reply.Role)
	assert.Equal(t, "10.0.0.2:7000", reply.Host)

	topo, err := fake.Topology(ctx)
	require.NoError(t, err)
	var newMaster rcpilot.NodeInfo
	for _, n := range topo {
		if n.URI.String() == "10.0.0.2:7000" {
			newMaster = n
		}
	}
	require.NotEmpty(t, newMaster.ID)
	assert.NotEmpty(t, newMaster.Slots, "new master should have received a share of the slots")
}

func TestSupervisorAddReplicaPicksPoorestMaster(t *testing.T) {
	fake := rcpilottest.New()
	m1 := fake.AddMaster("10.0.0.1:7000", externalRangeSlots(0, 8191))
	fake.AddMaster("10.0.0.2:7000", externalRangeSlots(8192, 16383))
	// give m1 an existing replica so it is no longer the poorest
	fake.AddReplica("10.0.0.3:7000", m1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := rcpilot.NewSupervisor(ctx, fake, externalTestConfig())

	ack := sup.Submit("add_replica", "10.0.0.4:7000")
	reply := waitExternalReply(t, ack.Reply)
	require.NoError(t, reply.Err)
	assert.Equal(t, "replica", reply.Role)

	topo, err := fake.Topology(ctx)
	require.NoError(t, err)
	var newReplica rcpilot.NodeInfo
	for _, n := range topo {
		if n.URI.String() == "10.0.0.4:7000" {
			newReplica = n
		}
	}
	require.NotEmpty(t, newReplica.ID)

	var m2ID string
	for _, n := range topo {
		if n.URI.String() == "10.0.0.2:7000" {
			m2ID = n.ID
		}
	}
	assert.Equal(t, m2ID, newReplica.SlaveOf, "the master with fewer replicas should be picked")
}

func TestSupervisorRemoveReplica(t *testing.T) {
	fake := rcpilottest.New()
	m1 := fake.AddMaster("10.0.0.1:7000", externalRangeSlots(0, 16383))
	fake.AddReplica("10.0.0.2:7000", m1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := rcpilot.NewSupervisor(ctx, fake, externalTestConfig())

	ack := sup.Submit("remove_node", "10.0.0.2:7000")
	reply := waitExternalReply(t, ack.Reply)
	require.NoError(t, reply.Err)
	assert.Equal(t, "replica", reply.Role)
	assert.Equal(t, "10.0.0.2:7000", reply.Host)

	topo, err := fake.Topology(ctx)
	require.NoError(t, err)
	require.Len(t, topo, 1, "the forgotten replica should no longer appear in topology")
}

func TestSupervisorRemoveMasterDrains(t *testing.T) {
	fake := rcpilottest.New()
	fake.AddMaster("10.0.0.1:7000", externalRangeSlots(0, 8191))
	fake.AddMaster("10.0.0.2:7000", externalRangeSlots(8192, 16383))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := rcpilot.NewSupervisor(ctx, fake, externalTestConfig())

	ack := sup.Submit("remove_node", "10.0.0.1:7000")
	reply := waitExternalReply(t, ack.Reply)
	require.NoError(t, reply.Err)
	assert.Equal(t, "master", reply.Role)

	topo, err := fake.Topology(ctx)
	require.NoError(t, err)
	require.Len(t, topo, 1)
	assert.Len(t, topo[0].Slots, 16384, "the sole remaining master should own every slot")
}
