package rcpilot

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Pipeline is the staged task-pipeline and resharding engine. It owns
// the feedback edge (add-master re-enters as reshard; remove-master
// re-enters as reshard-then-forget), batching windows, the reshard
// rate limit, and post-mutation topology-settle waits.
type Pipeline struct {
	Cluster ClusterClient
	Cfg     Config

	ingress      chan Task
	feedback     chan Task
	addMasterIn  chan Task
	addReplicaIn chan Task
	removeNodeIn chan Task
	removeMstIn  chan Task
	removeRepIn  chan Task
	reshardIn    chan Task

	reshardMu   sync.Mutex
	lastReshard time.Time
}

// NewPipeline builds a Pipeline against cluster with cfg, applying
// defaults to any zero-valued Config field.
func NewPipeline(cluster ClusterClient, cfg Config) *Pipeline {
	return &Pipeline{
		Cluster:      cluster,
		Cfg:          applyDefaults(cfg),
		ingress:      make(chan Task, 256),
		feedback:     make(chan Task, 256),
		addMasterIn:  make(chan Task, 32),
		addReplicaIn: make(chan Task, 32),
		removeNodeIn: make(chan Task, 32),
		removeMstIn:  make(chan Task, 8),
		removeRepIn:  make(chan Task, 256),
		reshardIn:    make(chan Task, 8),
	}
}

// Submit enqueues t on the ingress edge. It does not block on the
// task's outcome: acknowledged means only "accepted for processing".
func (p *Pipeline) Submit(t Task) {
	p.ingress <- t
}

// Start launches the dispatcher and every stage worker. Each stage
// runs with mapAsync(1) semantics: a single goroutine processing one
// task at a time, FIFO, except the migration router inside stageReshard
// and stageRemoveMaster, which fans out to 5 concurrent slot migrations.
func (p *Pipeline) Start(ctx context.Context) {
	go p.dispatch(ctx)
	go p.runAddMaster(ctx)
	go p.runAddReplica(ctx)
	go p.runRemoveNode(ctx)
	go p.runRemoveMaster(ctx)
	go p.runRemoveReplica(ctx)
	go p.runReshard(ctx)
}

// dispatch implements mergePreferred: the feedback edge is always
// inspected first, so a synthesized task dispatches ahead of a
// backlog of ingress tasks.
func (p *Pipeline) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.feedback:
			p.route(t)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case t := <-p.feedback:
			p.route(t)
		case t := <-p.ingress:
			p.route(t)
		}
	}
}

func (p *Pipeline) route(t Task) {
	switch t.Op {
	case OpAddMaster:
		p.addMasterIn <- t
	case OpAddReplica:
		p.addReplicaIn <- t
	case OpRemoveNode:
		p.removeNodeIn <- t
	case OpRemoveMaster:
		p.removeMstIn <- t
	case OpReshard:
		p.reshardIn <- t
	default:
		t.replyErr(&IllegalOperationError{Op: t.RawOp, Target: t.Target})
	}
}

// batchWindow collects up to maxSize items from in, waiting at most
// period for the window to fill, and emits each batch on the returned
// channel. Used with maxSize 1 for add-master and maxSize 100 for
// add-replica and remove-replica.
func batchWindow(ctx context.Context, in <-chan Task, maxSize int, period time.Duration) <-chan []Task {
	out := make(chan []Task)
	go func() {
		defer close(out)
		for {
			var first Task
			select {
			case <-ctx.Done():
				return
			case t, ok := <-in:
				if !ok {
					return
				}
				first = t
			}

			batch := []Task{first}
			timer := time.NewTimer(period)
		collect:
			for len(batch) < maxSize {
				select {
				case t, ok := <-in:
					if !ok {
						break collect
					}
					batch = append(batch, t)
				case <-timer.C:
					break collect
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			timer.Stop()

			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// addNodesToCluster has every node in live issue CLUSTER MEET to
// every URI in joining. Meet failures retry indefinitely on
// ClusterClientError: the operator explicitly requested the add and
// a transient dial failure should not fail it outright.
func (p *Pipeline) addNodesToCluster(ctx context.Context, live []NodeInfo, joining []RedisURI) {
	for _, node := range live {
		for _, uri := range joining {
			for {
				conn, err := p.Cluster.Connection(ctx, node.ID)
				if err == nil {
					err = conn.ClusterMeet(ctx, uri)
					conn.Close()
				}
				if err == nil {
					break
				}
				var cerr *ClusterClientError
				if !errors.As(err, &cerr) {
					break
				}
				log.Printf("rcpilot: MEET %s from %s failed, retrying: %v", uri, node.URI, err)
				if !sleepCtx(ctx, 500*time.Millisecond) {
					return
				}
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is done, returning false if ctx
// was the reason it woke up.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) runAddMaster(ctx context.Context) {
	for batch := range batchWindow(ctx, p.addMasterIn, 1, p.Cfg.BatchPeriod) {
		for _, t := range batch {
			uri, err := ParseURI(t.Target, p.Cfg.DefaultPort)
			if err != nil {
				t.replyErr(err)
				continue
			}
			topo, err := p.Cluster.Topology(ctx)
			if err != nil {
				t.replyErr(err)
				continue
			}
			p.addNodesToCluster(ctx, topo, []RedisURI{uri})
			if !sleepCtx(ctx, p.Cfg.RefreshTimeout) {
				return
			}
			p.feedback <- Task{
				Op:           OpReshard,
				NewMasterURI: uri.String(),
				ReplyTo:      t.ReplyTo,
			}
		}
	}
}

// pickPoorestMaster selects the master with the fewest replicas from
// masters, using counts (which callers mutate after each pick so a
// batch of assignments round-robins through the poorest-N).
func pickPoorestMaster(masters []NodeInfo, counts map[string]int) NodeInfo {
	entries := make([]poorestEntry, len(masters))
	for i, m := range masters {
		entries[i] = poorestEntry{id: m.ID, count: counts[m.ID]}
	}
	picked := PoorestN(entries, 1)
	for _, m := range masters {
		if m.ID == picked[0].id {
			return m
		}
	}
	return masters[0]
}

func (p *Pipeline) runAddReplica(ctx context.Context) {
	for batch := range batchWindow(ctx, p.addReplicaIn, 100, p.Cfg.BatchPeriod) {
		var uris []RedisURI
		for _, t := range batch {
			uri, err := ParseURI(t.Target, p.Cfg.DefaultPort)
			if err != nil {
				t.replyErr(err)
				continue
			}
			uris = append(uris, uri)
		}
		if len(uris) == 0 {
			continue
		}

		topo, err := p.Cluster.Topology(ctx)
		if err != nil {
			for _, t := range batch {
				t.replyErr(err)
			}
			continue
		}
		p.addNodesToCluster(ctx, topo, uris)
		if !sleepCtx(ctx, p.Cfg.RefreshTimeout) {
			return
		}

		topo, err = p.Cluster.Topology(ctx)
		if err != nil {
			for _, t := range batch {
				t.replyErr(err)
			}
			continue
		}
		joining := make(map[RedisURI]bool, len(uris))
		for _, u := range uris {
			joining[u] = true
		}
		var masters []NodeInfo
		for _, m := range p.Cluster.Masters(topo) {
			if !joining[m.URI] {
				masters = append(masters, m)
			}
		}
		counts := replicaCounts(topo)

		for _, t := range batch {
			uri, err := ParseURI(t.Target, p.Cfg.DefaultPort)
			if err != nil {
				continue // already replied above
			}
			newNode, ok := findByURI(topo, uri)
			if !ok {
				t.replyErr(&NodeNotInCluster{URI: uri.String()})
				continue
			}
			if len(masters) == 0 {
				t.replyErr(&ReshardTableError{Reason: "no masters to assign replica to"})
				continue
			}
			target := pickPoorestMaster(masters, counts)
			conn, err := p.Cluster.Connection(ctx, newNode.ID)
			if err != nil {
				t.replyErr(err)
				continue
			}
			err = conn.ClusterReplicate(ctx, target.ID)
			conn.Close()
			if err != nil {
				t.replyErr(err)
				continue
			}
			counts[target.ID]++
			t.replyOK("replica", uri.Host)
		}
	}
}

func replicaCounts(topo []NodeInfo) map[string]int {
	counts := make(map[string]int)
	for _, n := range topo {
		if n.SlaveOf != "" {
			counts[n.SlaveOf]++
		}
	}
	return counts
}

func findByURI(topo []NodeInfo, uri RedisURI) (NodeInfo, bool) {
	for _, n := range topo {
		if n.URI == uri {
			return n, true
		}
	}
	return NodeInfo{}, false
}

func (p *Pipeline) runRemoveNode(ctx context.Context) {
	for t := range p.removeNodeIn {
		uri, err := ParseURI(t.Target, p.Cfg.DefaultPort)
		if err != nil {
			t.replyErr(err)
			continue
		}
		topo, err := p.Cluster.Topology(ctx)
		if err != nil {
			t.replyErr(err)
			continue
		}
		canon, err := Canonicalize(uri, topo)
		if err != nil {
			t.replyErr(err)
			continue
		}
		node, _ := findByURI(topo, canon)

		switch node.Role {
		case "master":
			p.feedback <- Task{Op: OpRemoveMaster, Target: canon.String(), ReplyTo: t.ReplyTo}
		case "replica":
			p.removeRepIn <- Task{Op: OpRemoveNode, Target: canon.String(), ReplyTo: t.ReplyTo}
		default:
			t.replyErr(&IllegalOperationError{Op: string(OpRemoveNode), Target: t.Target})
		}
	}
}

func (p *Pipeline) runRemoveReplica(ctx context.Context) {
	for batch := range batchWindow(ctx, p.removeRepIn, 100, p.Cfg.BatchPeriod) {
		topo, err := p.Cluster.Topology(ctx)
		if err != nil {
			for _, t := range batch {
				t.replyErr(err)
			}
			continue
		}

		type removal struct {
			task Task
			node NodeInfo
			host string
		}
		var removals []removal
		removed := make(map[string]bool)
		for _, t := range batch {
			uri, err := ParseURI(t.Target, p.Cfg.DefaultPort)
			if err != nil {
				t.replyErr(err)
				continue
			}
			node, ok := findByURI(topo, uri)
			if !ok {
				t.replyErr(&NodeNotInCluster{URI: uri.String()})
				continue
			}
			removals = append(removals, removal{task: t, node: node, host: uri.Host})
			removed[node.ID] = true
		}

		// reset every removed node before any FORGET is issued, so a
		// replica's master is never asked to forget it beforehand.
		for _, r := range removals {
			conn, err := p.Cluster.Connection(ctx, r.node.ID)
			if err != nil {
				r.task.replyErr(err)
				continue
			}
			if err := conn.ClusterReset(ctx, true); err != nil {
				conn.Close()
				r.task.replyErr(err)
				continue
			}
			conn.Close()
		}

		for _, n := range topo {
			if removed[n.ID] {
				continue // a node never forgets itself
			}
			conn, err := p.Cluster.Connection(ctx, n.ID)
			if err != nil {
				continue
			}
			for id := range removed {
				if id == n.ID {
					continue
				}
				_ = conn.ClusterForget(ctx, id)
			}
			conn.Close()
		}

		if !sleepCtx(ctx, p.Cfg.RefreshTimeout) {
			return
		}
		newTopo, err := p.Cluster.Topology(ctx)
		if err == nil {
			log.Printf("rcpilot: topology after remove-replica batch: %d nodes", len(newTopo))
		}

		for _, r := range removals {
			r.task.replyOK("replica", r.host)
		}
	}
}

func (p *Pipeline) runRemoveMaster(ctx context.Context) {
	for t := range p.removeMstIn {
		uri, err := ParseURI(t.Target, p.Cfg.DefaultPort)
		if err != nil {
			t.replyErr(err)
			continue
		}

		var lastTableErr *ReshardTableError
		replied := false
		for attempt := 0; attempt < 2; attempt++ {
			topo, err := p.Cluster.Topology(ctx)
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}
			canon, err := Canonicalize(uri, topo)
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}
			leaving, _ := findByURI(topo, canon)
			masters := p.Cluster.Masters(topo)
			var remaining []NodeInfo
			for _, m := range masters {
				if m.ID != leaving.ID {
					remaining = append(remaining, m)
				}
			}

			var tableErr *ReshardTableError
			tasks, err := PlanDrain(leaving, remaining)
			if errors.As(err, &tableErr) {
				log.Printf("rcpilot: drain plan for %s failed, retrying: %v", uri, err)
				lastTableErr = tableErr
				continue
			}
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}

			all := append(append([]NodeInfo{}, remaining...), leaving)
			connCache, err := buildConnCache(ctx, p.Cluster, all)
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}
			nodesByID := indexByID(all)

			reshardCtx, cancel := context.WithTimeout(ctx, p.Cfg.ReshardTimeout)
			err = RunSlotTasks(reshardCtx, tasks, p.migrateFunc(nodesByID, masters, connCache), "reshard.timeout")
			cancel()
			closeAll(connCache)
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}

			p.forgetEverywhere(ctx, topo, leaving.ID)
			if !sleepCtx(ctx, p.Cfg.RefreshTimeout) {
				return
			}
			t.replyOK("master", uri.Host)
			replied = true
			break
		}
		if !replied {
			// both attempts failed with ReshardTableError: the caller
			// must resubmit rather than wait on a reply that never comes.
			t.replyErr(lastTableErr)
		}
	}
}

func (p *Pipeline) forgetEverywhere(ctx context.Context, topo []NodeInfo, id string) {
	for _, n := range topo {
		if n.ID == id {
			continue
		}
		conn, err := p.Cluster.Connection(ctx, n.ID)
		if err != nil {
			continue
		}
		_ = conn.ClusterForget(ctx, id)
		conn.Close()
	}
}

func buildConnCache(ctx context.Context, cluster ClusterClient, nodes []NodeInfo) (map[string]Connection, error) {
	cache := make(map[string]Connection, len(nodes))
	for _, n := range nodes {
		conn, err := cluster.Connection(ctx, n.ID)
		if err != nil {
			closeAll(cache)
			return nil, err
		}
		cache[n.ID] = conn
	}
	return cache, nil
}

func closeAll(cache map[string]Connection) {
	for _, c := range cache {
		c.Close()
	}
}

func indexByID(nodes []NodeInfo) map[string]NodeInfo {
	m := make(map[string]NodeInfo, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return m
}

// migrateFunc adapts MigrateSlot into the MigrateFunc shape RunMigrations
// and RunSlotTasks expect, resolving each call's destination URI from
// nodesByID so a single router run can serve both the fixed-destination
// reshard-toward-a-new-master case and the varying-destination
// remove-master drain case.
func (p *Pipeline) migrateFunc(nodesByID map[string]NodeInfo, masters []NodeInfo, connCache map[string]Connection) MigrateFunc {
	return func(ctx context.Context, slot int, srcID, dstID string) error {
		dst, ok := nodesByID[dstID]
		if !ok {
			return &SlotMigrationError{Slot: slot, Err: errUnknownNode(dstID)}
		}
		return MigrateSlot(ctx, slot, srcID, dstID, dst.URI, masters, connCache, p.Cfg.MigrateSlotTimeout)
	}
}

func (p *Pipeline) waitForReshardSlot(ctx context.Context) bool {
	p.reshardMu.Lock()
	wait := p.Cfg.ReshardInterval - time.Since(p.lastReshard)
	p.reshardMu.Unlock()
	if wait > 0 {
		if !sleepCtx(ctx, wait) {
			return false
		}
	}
	p.reshardMu.Lock()
	p.lastReshard = time.Now()
	p.reshardMu.Unlock()
	return true
}

// waitForNodeReady polls topology and CLUSTER INFO every 100ms until
// the node at uri appears and reports cluster_state == ok.
func (p *Pipeline) waitForNodeReady(ctx context.Context, uri RedisURI) (NodeInfo, error) {
	for {
		topo, err := p.Cluster.Topology(ctx)
		if err == nil {
			if node, ok := findByURI(topo, uri); ok {
				conn, err := p.Cluster.Connection(ctx, node.ID)
				if err == nil {
					info, err := conn.ClusterInfo(ctx)
					conn.Close()
					if err == nil && info["cluster_state"] == "ok" {
						return node, nil
					}
				}
			}
		}
		if !sleepCtx(ctx, 100*time.Millisecond) {
			return NodeInfo{}, ctx.Err()
		}
	}
}

func (p *Pipeline) runReshard(ctx context.Context) {
	for t := range p.reshardIn {
		if !p.waitForReshardSlot(ctx) {
			return
		}

		uri, err := ParseURI(t.NewMasterURI, p.Cfg.DefaultPort)
		if err != nil {
			t.replyErr(err)
			continue
		}

		target, err := p.waitForNodeReady(ctx, uri)
		if err != nil {
			t.replyErr(err)
			continue
		}

		var lastTableErr *ReshardTableError
		replied := false
		for attempt := 0; attempt < 2; attempt++ {
			topo, err := p.Cluster.Topology(ctx)
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}
			masters := p.Cluster.Masters(topo)
			var sources []NodeInfo
			for _, m := range masters {
				if m.ID != target.ID {
					sources = append(sources, m)
				}
			}

			var tableErr *ReshardTableError
			table, err := PlanReshard(sources)
			if errors.As(err, &tableErr) {
				log.Printf("rcpilot: reshard table for %s failed, retrying: %v", uri, err)
				lastTableErr = tableErr
				continue
			}
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}

			all := append(append([]NodeInfo{}, sources...), target)
			connCache, err := buildConnCache(ctx, p.Cluster, all)
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}
			nodesByID := indexByID(all)

			reshardCtx, cancel := context.WithTimeout(ctx, p.Cfg.ReshardTimeout)
			err = RunMigrations(reshardCtx, table, target.ID, p.migrateFunc(nodesByID, masters, connCache), "reshard.timeout")
			cancel()
			closeAll(connCache)
			if err != nil {
				t.replyErr(err)
				replied = true
				break
			}

			t.replyOK("master", uri.Host)
			replied = true
			break
		}
		if !replied {
			// both attempts failed with ReshardTableError: the caller
			// must resubmit rather than wait on a reply that never comes.
			t.replyErr(lastTableErr)
		}
	}
}
