// Package rcpilottest provides an in-memory fake rcpilot.ClusterClient,
// used to drive every pipeline stage and the migration router in tests
// without a real Redis Cluster: a fake ClusterClient instead of a fake
// RESP-speaking server, because this module's boundary is the
// ClusterClient capability.
package rcpilottest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mna/rcpilot"
)

// NodeState is one node's mutable state inside the fake cluster.
type NodeState struct {
	ID      string
	URI     rcpilot.RedisURI
	Role    string // "master" or "replica"
	SlaveOf string
	Slots   map[int]bool
	Keys    map[int][]string // slot -> keys currently stored there
}

// CommandRecord is one command issued against a fake connection,
// logged for test assertions (e.g. "every remaining node issued
// FORGET for every removed id").
type CommandRecord struct {
	NodeID string
	Cmd    string
	Args   []interface{}
}

// Cluster is a fake rcpilot.ClusterClient backed by in-memory
// NodeState. Create one with New (the zero value has no node map and
// is not ready for use), then seed it with AddMaster/AddReplica.
type Cluster struct {
	mu          sync.Mutex
	nodes       map[string]*NodeState
	nextID      int
	DefaultPort int

	Commands []CommandRecord

	// MigrateErrors, keyed by source node id, is a queue of errors to
	// return from successive Migrate calls on that node; once
	// exhausted, Migrate succeeds (and actually moves the keys).
	MigrateErrors map[string][]error

	// ClusterInfo, keyed by node id, overrides the CLUSTER INFO
	// response for that node. If absent, "cluster_state: ok" is
	// returned once the node has been added.
	ClusterInfo map[string]map[string]string
}

// New returns an empty fake cluster.
func New() *Cluster {
	return &Cluster{
		nodes:       make(map[string]*NodeState),
		DefaultPort: 6379,
	}
}

// AddMaster registers a master at addr owning slots, returning its
// generated node id.
func (f *Cluster) AddMaster(addr string, slots []int) string {
	return f.addNode(addr, "master", "", slots)
}

// AddReplica registers a replica at addr following masterID.
func (f *Cluster) AddReplica(addr, masterID string) string {
	return f.addNode(addr, "replica", masterID, nil)
}

// SeedKeys populates slot on nodeID with the given keys, so
// ClusterCountKeysInSlot/ClusterGetKeysInSlot/Migrate have something
// to move.
func (f *Cluster) SeedKeys(nodeID string, slot int, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[nodeID]
	if n == nil {
		return
	}
	if n.Keys == nil {
		n.Keys = make(map[int][]string)
	}
	n.Keys[slot] = append(n.Keys[slot], keys...)
}

func (f *Cluster) addNode(addr, role, slaveOf string, slots []int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-node-%d", f.nextID)
	uri, err := rcpilot.ParseURI(addr, f.DefaultPort)
	if err != nil {
		uri = rcpilot.RedisURI{Host: addr, Port: f.DefaultPort}
	}
	n := &NodeState{ID: id, URI: uri, Role: role, SlaveOf: slaveOf, Slots: make(map[int]bool)}
	for _, s := range slots {
		n.Slots[s] = true
	}
	f.nodes[id] = n
	return id
}

// Node returns a snapshot of nodeID's current state.
func (f *Cluster) Node(id string) NodeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.nodes[id]
}

func (f *Cluster) record(nodeID, cmd string, args ...interface{}) {
	f.mu.Lock()
	f.Commands = append(f.Commands, CommandRecord{NodeID: nodeID, Cmd: cmd, Args: args})
	f.mu.Unlock()
}

// Topology implements rcpilot.ClusterClient.
func (f *Cluster) Topology(ctx context.Context) ([]rcpilot.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]rcpilot.NodeInfo, 0, len(ids))
	for _, id := range ids {
		n := f.nodes[id]
		slots := make([]int, 0, len(n.Slots))
		for s := range n.Slots {
			slots = append(slots, s)
		}
		sort.Ints(slots)
		out = append(out, rcpilot.NodeInfo{
			ID:        n.ID,
			URI:       n.URI,
			Role:      n.Role,
			Connected: true,
			SlaveOf:   n.SlaveOf,
			Slots:     slots,
		})
	}
	return out, nil
}

// Masters implements rcpilot.ClusterClient.
func (f *Cluster) Masters(topology []rcpilot.NodeInfo) []rcpilot.NodeInfo {
	var out []rcpilot.NodeInfo
	for _, n := range topology {
		if n.Role == "master" {
			out = append(out, n)
		}
	}
	return out
}

// Canonicalize implements rcpilot.ClusterClient.
func (f *Cluster) Canonicalize(ctx context.Context, uri rcpilot.RedisURI) (rcpilot.RedisURI, error) {
	topo, _ := f.Topology(ctx)
	return rcpilot.Canonicalize(uri, topo)
}

// Connection implements rcpilot.ClusterClient.
func (f *Cluster) Connection(ctx context.Context, nodeID string) (rcpilot.Connection, error) {
	f.mu.Lock()
	_, ok := f.nodes[nodeID]
	f.mu.Unlock()
	if !ok {
		return nil, &rcpilot.ClusterClientError{Op: "connection", Err: fmt.Errorf("no such fake node %q", nodeID)}
	}
	return &fakeConn{cluster: f, id: nodeID}, nil
}

type fakeConn struct {
	cluster *Cluster
	id      string
}

func (c *fakeConn) ClusterMeet(ctx context.Context, uri rcpilot.RedisURI) error {
	c.cluster.record(c.id, "CLUSTER MEET", uri)
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	for _, n := range c.cluster.nodes {
		if n.URI == uri {
			return nil // already known
		}
	}
	c.cluster.nextID++
	id := fmt.Sprintf("fake-node-%d", c.cluster.nextID)
	c.cluster.nodes[id] = &NodeState{ID: id, URI: uri, Role: "master", Slots: make(map[int]bool)}
	return nil
}

func (c *fakeConn) ClusterForget(ctx context.Context, nodeID string) error {
	c.cluster.record(c.id, "CLUSTER FORGET", nodeID)
	// the fake holds one shared view of the cluster rather than a
	// per-node one, so a forget removes nodeID cluster-wide; this
	// matches the end state once every remaining node has forgotten it.
	c.cluster.mu.Lock()
	delete(c.cluster.nodes, nodeID)
	c.cluster.mu.Unlock()
	return nil
}

func (c *fakeConn) ClusterReset(ctx context.Context, hard bool) error {
	c.cluster.record(c.id, "CLUSTER RESET", hard)
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	if n, ok := c.cluster.nodes[c.id]; ok {
		n.Slots = make(map[int]bool)
		n.SlaveOf = ""
	}
	return nil
}

func (c *fakeConn) ClusterReplicate(ctx context.Context, masterID string) error {
	c.cluster.record(c.id, "CLUSTER REPLICATE", masterID)
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	if n, ok := c.cluster.nodes[c.id]; ok {
		n.Role = "replica"
		n.SlaveOf = masterID
	}
	return nil
}

func (c *fakeConn) ClusterSetSlotImporting(ctx context.Context, slot int, srcID string) error {
	c.cluster.record(c.id, "CLUSTER SETSLOT IMPORTING", slot, srcID)
	return nil
}

func (c *fakeConn) ClusterSetSlotMigrating(ctx context.Context, slot int, dstID string) error {
	c.cluster.record(c.id, "CLUSTER SETSLOT MIGRATING", slot, dstID)
	return nil
}

func (c *fakeConn) ClusterSetSlotNode(ctx context.Context, slot int, ownerID string) error {
	c.cluster.record(c.id, "CLUSTER SETSLOT NODE", slot, ownerID)
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	if n, ok := c.cluster.nodes[c.id]; ok {
		delete(n.Slots, slot)
	}
	if owner, ok := c.cluster.nodes[ownerID]; ok {
		owner.Slots[slot] = true
	}
	return nil
}

func (c *fakeConn) ClusterCountKeysInSlot(ctx context.Context, slot int) (int, error) {
	c.cluster.record(c.id, "CLUSTER COUNTKEYSINSLOT", slot)
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	n := c.cluster.nodes[c.id]
	if n == nil {
		return 0, nil
	}
	return len(n.Keys[slot]), nil
}

func (c *fakeConn) ClusterGetKeysInSlot(ctx context.Context, slot int, count int) ([]string, error) {
	c.cluster.record(c.id, "CLUSTER GETKEYSINSLOT", slot, count)
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	n := c.cluster.nodes[c.id]
	if n == nil {
		return nil, nil
	}
	keys := n.Keys[slot]
	if count < len(keys) {
		keys = keys[:count]
	}
	return append([]string{}, keys...), nil
}

func (c *fakeConn) Migrate(ctx context.Context, dest rcpilot.RedisURI, keys []string, replace bool) error {
	c.cluster.record(c.id, "MIGRATE", dest, keys, replace)

	c.cluster.mu.Lock()
	queue := c.cluster.MigrateErrors[c.id]
	if len(queue) > 0 {
		err := queue[0]
		c.cluster.MigrateErrors[c.id] = queue[1:]
		c.cluster.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		c.cluster.mu.Unlock()
	}

	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	src := c.cluster.nodes[c.id]
	var dst *NodeState
	for _, n := range c.cluster.nodes {
		if n.URI == dest {
			dst = n
			break
		}
	}
	if src == nil || dst == nil {
		return nil
	}
	if dst.Keys == nil {
		dst.Keys = make(map[int][]string)
	}
	moving := make(map[string]bool, len(keys))
	for _, k := range keys {
		moving[k] = true
	}
	for slot, slotKeys := range src.Keys {
		var kept []string
		for _, k := range slotKeys {
			if moving[k] {
				dst.Keys[slot] = append(dst.Keys[slot], k)
			} else {
				kept = append(kept, k)
			}
		}
		src.Keys[slot] = kept
	}
	return nil
}

func (c *fakeConn) ClusterInfo(ctx context.Context) (map[string]string, error) {
	c.cluster.record(c.id, "CLUSTER INFO")
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	if info, ok := c.cluster.ClusterInfo[c.id]; ok {
		return info, nil
	}
	return map[string]string{"cluster_state": "ok"}, nil
}

func (c *fakeConn) Close() error { return nil }
