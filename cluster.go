package rcpilot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gomodule/redigo/redis"
)

// NodeInfo is an immutable snapshot of one cluster member, as reported
// by CLUSTER NODES on the controller's seed connection.
type NodeInfo struct {
	ID        string
	URI       RedisURI
	Role      string // "master" or "replica"
	Connected bool
	SlaveOf   string // node-id of the master, or "" for a master
	Slots     []int  // owned slots; only meaningful for masters
}

// Connection is a single cluster-management command surface bound to
// one node. Retry policy is not part of this layer;
// it belongs to callers (the migrator, the pipeline stages).
type Connection interface {
	ClusterMeet(ctx context.Context, uri RedisURI) error
	ClusterForget(ctx context.Context, nodeID string) error
	ClusterReset(ctx context.Context, hard bool) error
	ClusterReplicate(ctx context.Context, masterID string) error
	ClusterSetSlotImporting(ctx context.Context, slot int, srcID string) error
	ClusterSetSlotMigrating(ctx context.Context, slot int, dstID string) error
	ClusterSetSlotNode(ctx context.Context, slot int, ownerID string) error
	ClusterCountKeysInSlot(ctx context.Context, slot int) (int, error)
	ClusterGetKeysInSlot(ctx context.Context, slot int, count int) ([]string, error)
	Migrate(ctx context.Context, dest RedisURI, keys []string, replace bool) error
	ClusterInfo(ctx context.Context) (map[string]string, error)
	Close() error
}

// ClusterClient is the capability the task pipeline and migration
// engine consume; it is the only seam between this module and a real
// Redis Cluster. Production callers get one from NewCluster; tests use
// rcpilottest's fake.
type ClusterClient interface {
	Topology(ctx context.Context) ([]NodeInfo, error)
	Masters(topology []NodeInfo) []NodeInfo
	Canonicalize(ctx context.Context, uri RedisURI) (RedisURI, error)
	Connection(ctx context.Context, nodeID string) (Connection, error)
}

// Cluster is the production ClusterClient: a seed-node list, a
// pool-per-address cache guarded by a mutex, and a topology snapshot
// refreshed on demand. It uses CLUSTER NODES rather than CLUSTER
// SLOTS, because the control plane needs node ids (for
// REPLICATE/FORGET/SETSLOT NODE), which SLOTS does not reliably
// expose across Redis versions.
type Cluster struct {
	SeedServers []string
	DefaultPort int
	DialOptions []redis.DialOption

	// CreatePool creates the pool used for every connection to addr.
	// If nil, a small default pool is created with redis.Dial.
	CreatePool func(addr string, opts ...redis.DialOption) (*redis.Pool, error)

	mu    sync.Mutex
	pools map[string]*redis.Pool
	// byID caches the address for a node id seen in the last Topology
	// call, so Connection(ctx, id) doesn't need a fresh refresh.
	byID map[string]string
}

// NewCluster builds a Cluster from a Config's seed servers and
// default port.
func NewCluster(cfg Config) *Cluster {
	return &Cluster{
		SeedServers: cfg.SeedServers,
		DefaultPort: cfg.DefaultPort,
	}
}

func (c *Cluster) getPool(addr string) (*redis.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pools == nil {
		c.pools = make(map[string]*redis.Pool)
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	create := c.CreatePool
	if create == nil {
		create = func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
			return &redis.Pool{
				Dial: func() (redis.Conn, error) {
					return redis.Dial("tcp", addr, opts...)
				},
				MaxIdle:   5,
				MaxActive: 20,
			}, nil
		}
	}
	p, err := create(addr, c.DialOptions...)
	if err != nil {
		return nil, &ClusterClientError{Op: "dial", Addr: addr, Err: err}
	}
	c.pools[addr] = p
	return p, nil
}

func (c *Cluster) connForAddr(addr string) (redis.Conn, error) {
	p, err := c.getPool(addr)
	if err != nil {
		return nil, err
	}
	conn := p.Get()
	if err := conn.Err(); err != nil {
		return nil, &ClusterClientError{Op: "get", Addr: addr, Err: err}
	}
	return conn, nil
}

// Topology issues CLUSTER NODES against the first reachable seed (or
// cached node address) and parses the result into NodeInfo values.
func (c *Cluster) Topology(ctx context.Context) ([]NodeInfo, error) {
	addrs := c.seedAddrs()
	var lastErr error
	for _, addr := range addrs {
		conn, err := c.connForAddr(addr)
		if err != nil {
			lastErr = err
			continue
		}
		nodes, err := c.clusterNodes(conn)
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.byID = make(map[string]string, len(nodes))
		for _, n := range nodes {
			c.byID[n.ID] = n.URI.String()
		}
		c.mu.Unlock()
		return nodes, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("rcpilot: no seed servers configured")
	}
	return nil, &ClusterClientError{Op: "topology", Err: lastErr}
}

func (c *Cluster) seedAddrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := append([]string{}, c.SeedServers...)
	for _, a := range c.byID {
		addrs = append(addrs, a)
	}
	return addrs
}

func (c *Cluster) clusterNodes(conn redis.Conn) ([]NodeInfo, error) {
	raw, err := redis.String(conn.Do("CLUSTER", "NODES"))
	if err != nil {
		return nil, err
	}
	return parseClusterNodes(raw, c.DefaultPort)
}

// parseClusterNodes parses the line-oriented output of CLUSTER NODES.
// Each line: id ip:port@cport flags master ping pong epoch link slots...
func parseClusterNodes(raw string, defaultPort int) ([]NodeInfo, error) {
	var nodes []NodeInfo
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		id := fields[0]
		addr := fields[1]
		if at := strings.IndexByte(addr, '@'); at >= 0 {
			addr = addr[:at]
		}
		uri, err := ParseURI(addr, defaultPort)
		if err != nil {
			continue
		}
		flags := strings.Split(fields[2], ",")
		role := "master"
		for _, f := range flags {
			if f == "slave" {
				role = "replica"
			}
		}
		slaveOf := fields[3]
		if slaveOf == "-" {
			slaveOf = ""
		}
		connected := fields[7] == "connected"

		var slots []int
		for _, tok := range fields[8:] {
			if strings.HasPrefix(tok, "[") {
				continue // importing/migrating slot annotation, not owned yet
			}
			if dash := strings.IndexByte(tok, '-'); dash > 0 {
				start, err1 := strconv.Atoi(tok[:dash])
				end, err2 := strconv.Atoi(tok[dash+1:])
				if err1 == nil && err2 == nil {
					for s := start; s <= end; s++ {
						slots = append(slots, s)
					}
				}
				continue
			}
			if s, err := strconv.Atoi(tok); err == nil {
				slots = append(slots, s)
			}
		}

		nodes = append(nodes, NodeInfo{
			ID:        id,
			URI:       uri,
			Role:      role,
			Connected: connected,
			SlaveOf:   slaveOf,
			Slots:     slots,
		})
	}
	return nodes, nil
}

// Masters filters topology by role.
func (c *Cluster) Masters(topology []NodeInfo) []NodeInfo {
	var out []NodeInfo
	for _, n := range topology {
		if n.Role == "master" {
			out = append(out, n)
		}
	}
	return out
}

// Canonicalize rewrites uri to the form the topology reports.
func (c *Cluster) Canonicalize(ctx context.Context, uri RedisURI) (RedisURI, error) {
	topo, err := c.Topology(ctx)
	if err != nil {
		return RedisURI{}, err
	}
	return Canonicalize(uri, topo)
}

// Connection returns an idempotent, pool-backed Connection for nodeID.
// The node's address must already be known from a prior Topology call.
func (c *Cluster) Connection(ctx context.Context, nodeID string) (Connection, error) {
	c.mu.Lock()
	addr, ok := c.byID[nodeID]
	c.mu.Unlock()
	if !ok {
		return nil, &ClusterClientError{Op: "connection", Err: fmt.Errorf("unknown node id %q", nodeID)}
	}
	conn, err := c.connForAddr(addr)
	if err != nil {
		return nil, err
	}
	return &nodeConn{addr: addr, conn: conn}, nil
}

// nodeConn implements Connection over a single redigo connection.
type nodeConn struct {
	addr string
	conn redis.Conn
}

func (n *nodeConn) do(op string, cmd string, args ...interface{}) (interface{}, error) {
	v, err := n.conn.Do(cmd, args...)
	if err != nil {
		return nil, &ClusterClientError{Op: op, Addr: n.addr, Err: err}
	}
	return v, nil
}

func (n *nodeConn) ClusterMeet(ctx context.Context, uri RedisURI) error {
	_, err := n.do("cluster-meet", "CLUSTER", "MEET", uri.Host, strconv.Itoa(uri.Port))
	return err
}

func (n *nodeConn) ClusterForget(ctx context.Context, nodeID string) error {
	_, err := n.do("cluster-forget", "CLUSTER", "FORGET", nodeID)
	return err
}

func (n *nodeConn) ClusterReset(ctx context.Context, hard bool) error {
	mode := "SOFT"
	if hard {
		mode = "HARD"
	}
	_, err := n.do("cluster-reset", "CLUSTER", "RESET", mode)
	return err
}

func (n *nodeConn) ClusterReplicate(ctx context.Context, masterID string) error {
	_, err := n.do("cluster-replicate", "CLUSTER", "REPLICATE", masterID)
	return err
}

func (n *nodeConn) ClusterSetSlotImporting(ctx context.Context, slot int, srcID string) error {
	_, err := n.do("cluster-setslot-importing", "CLUSTER", "SETSLOT", slot, "IMPORTING", srcID)
	return err
}

func (n *nodeConn) ClusterSetSlotMigrating(ctx context.Context, slot int, dstID string) error {
	_, err := n.do("cluster-setslot-migrating", "CLUSTER", "SETSLOT", slot, "MIGRATING", dstID)
	return err
}

func (n *nodeConn) ClusterSetSlotNode(ctx context.Context, slot int, ownerID string) error {
	_, err := n.do("cluster-setslot-node", "CLUSTER", "SETSLOT", slot, "NODE", ownerID)
	return err
}

func (n *nodeConn) ClusterCountKeysInSlot(ctx context.Context, slot int) (int, error) {
	v, err := n.do("cluster-countkeysinslot", "CLUSTER", "COUNTKEYSINSLOT", slot)
	if err != nil {
		return 0, err
	}
	return redis.Int(v, nil)
}

func (n *nodeConn) ClusterGetKeysInSlot(ctx context.Context, slot int, count int) ([]string, error) {
	v, err := n.do("cluster-getkeysinslot", "CLUSTER", "GETKEYSINSLOT", slot, count)
	if err != nil {
		return nil, err
	}
	return redis.Strings(v, nil)
}

func (n *nodeConn) Migrate(ctx context.Context, dest RedisURI, keys []string, replace bool) error {
	args := []interface{}{dest.Host, strconv.Itoa(dest.Port), "", "0", "5000"}
	if replace {
		args = append(args, "REPLACE")
	}
	args = append(args, "KEYS")
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := n.do("migrate", "MIGRATE", args...)
	return err
}

func (n *nodeConn) ClusterInfo(ctx context.Context) (map[string]string, error) {
	v, err := n.do("cluster-info", "CLUSTER", "INFO")
	if err != nil {
		return nil, err
	}
	raw, err := redis.String(v, nil)
	if err != nil {
		return nil, &ClusterClientError{Op: "cluster-info", Addr: n.addr, Err: err}
	}
	info := make(map[string]string)
	for _, line := range strings.Split(raw, "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, ':'); i > 0 {
			info[line[:i]] = line[i+1:]
		}
	}
	return info, nil
}

func (n *nodeConn) Close() error {
	return n.conn.Close()
}
