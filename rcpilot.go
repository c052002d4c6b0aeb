// Package rcpilot implements the control-plane task-pipeline and
// resharding engine for a Redis Cluster, on top of the redigo client
// package. See http://redis.io/topics/cluster-spec for details on the
// underlying cluster protocol this package drives.
//
// Supervisor
//
// The Supervisor type is the package's single entry point. It wires a
// ClusterClient to a Pipeline and exposes Submit, which accepts a raw
// (op, target) pair (add_master, add_replica, remove_node, or
// reshard) and returns an Ack immediately: acceptance for processing,
// not completion. The terminal outcome — a (role, host) pair or an
// error — arrives once on the Ack's Reply channel.
//
//	sup := rcpilot.NewSupervisor(ctx, cluster, rcpilot.DefaultConfig())
//	ack := sup.Submit("add_master", "redis://10.0.0.4:6379")
//	reply := <-ack.Reply
//	if reply.Err != nil {
//		log.Printf("add_master failed: %v", reply.Err)
//	}
//
// Pipeline
//
// Submitted tasks flow through a small staged dataflow with one
// feedback edge: a successful add-master re-enters the pipeline as a
// reshard task targeting the new node, and a remove-node targeting a
// master re-enters as a drain-then-forget. The feedback edge is always
// preferred over new ingress, so a backlog of additions never starves
// a reshard that was just scheduled.
//
// ClusterClient
//
// Every cluster-mutating command goes through the ClusterClient
// interface. Cluster is the production implementation, built directly
// on github.com/gomodule/redigo/redis; tests use rcpilottest's fake
// instead of a real cluster.
package rcpilot
