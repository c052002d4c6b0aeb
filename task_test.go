package rcpilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKnownOps(t *testing.T) {
	cases := map[string]Op{
		"add_master":   OpAddMaster,
		"ADD_MASTER":   OpAddMaster,
		"  add_master": OpAddMaster,
		"add_replica":  OpAddReplica,
		"remove_node":  OpRemoveNode,
		"reshard":      OpReshard,
	}
	for in, want := range cases {
		assert.Equal(t, want, Classify(in), "Classify(%q)", in)
	}
}

func TestClassifyTotality(t *testing.T) {
	inputs := []string{"", "bogus", "add_masterx", "RESHARD ", "drop_table"}
	for _, in := range inputs {
		got := Classify(in)
		switch got {
		case OpAddMaster, OpAddReplica, OpRemoveNode, OpReshard, OpUnsupported:
			// every input classifies to one of the five recognized values
		default:
			t.Fatalf("Classify(%q) returned unrecognized Op %q", in, got)
		}
	}
	assert.Equal(t, OpUnsupported, Classify("bogus"))
}

func TestTaskReplyNeverBlocks(t *testing.T) {
	task := Task{ReplyTo: make(chan Reply, 1)}
	task.replyOK("master", "10.0.0.1:7000")
	// a second reply on an already-full buffered channel must not block
	task.replyErr(&NodeNotInCluster{URI: "x"})

	got := <-task.ReplyTo
	assert.Equal(t, "master", got.Role)
	assert.Equal(t, "10.0.0.1:7000", got.Host)
}

func TestTaskReplyNilReplyTo(t *testing.T) {
	task := Task{}
	assert.NotPanics(t, func() { task.replyOK("master", "x") })
}
