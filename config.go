package rcpilot

import (
	"flag"
	"strings"
	"time"
)

// Config holds every configuration key the core consumes. Zero-value
// fields are replaced by their defaults by LoadConfig or
// DefaultConfig.
type Config struct {
	// RefreshTimeout is how long a stage sleeps after a mutation before
	// re-reading topology. Key: refresh.timeout. Default: 5s.
	RefreshTimeout time.Duration

	// BatchPeriod is how long add/remove stages accumulate a batch.
	// Key: batch.period. Default: 5s.
	BatchPeriod time.Duration

	// ReshardInterval is the minimum time between reshards.
	// Key: reshard.interval. Default: 60s.
	ReshardInterval time.Duration

	// ReshardTimeout bounds a whole reshard.
	// Key: reshard.timeout. Default: 300s.
	ReshardTimeout time.Duration

	// MigrateSlotTimeout bounds a single slot's migration.
	// Key: reshard.migrate.slot.timeout. Default: 60s.
	MigrateSlotTimeout time.Duration

	// SeedServers is the cluster's seed node list.
	// Key: redis.cluster.seed.servers.
	SeedServers []string

	// DefaultPort is used to canonicalize a host-only URI.
	// Key: redis.cluster.server.port.
	DefaultPort int

	// TopologyRefreshInterval holds the cluster client's topology
	// refresh interval. Cluster does not read it and does not poll on
	// its own: it re-reads topology with CLUSTER NODES on every
	// Topology call.
	// Key: redis.cluster.refresh.interval. Default: 60m.
	TopologyRefreshInterval time.Duration
}

// DefaultConfig returns a Config populated with every documented
// default.
func DefaultConfig() Config {
	return Config{
		RefreshTimeout:          5 * time.Second,
		BatchPeriod:             5 * time.Second,
		ReshardInterval:         60 * time.Second,
		ReshardTimeout:          300 * time.Second,
		MigrateSlotTimeout:      60 * time.Second,
		DefaultPort:             6379,
		TopologyRefreshInterval: 60 * time.Minute,
	}
}

// applyDefaults fills any zero-value field of cfg with its documented
// default, returning the merged Config.
func applyDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = d.RefreshTimeout
	}
	if cfg.BatchPeriod == 0 {
		cfg.BatchPeriod = d.BatchPeriod
	}
	if cfg.ReshardInterval == 0 {
		cfg.ReshardInterval = d.ReshardInterval
	}
	if cfg.ReshardTimeout == 0 {
		cfg.ReshardTimeout = d.ReshardTimeout
	}
	if cfg.MigrateSlotTimeout == 0 {
		cfg.MigrateSlotTimeout = d.MigrateSlotTimeout
	}
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = d.DefaultPort
	}
	if cfg.TopologyRefreshInterval == 0 {
		cfg.TopologyRefreshInterval = d.TopologyRefreshInterval
	}
	return cfg
}

// LoadConfig parses args against a flag.FlagSet built from the
// configuration table's keys (dots replaced by dashes: refresh.timeout
// becomes -refresh-timeout) and returns the resulting Config with
// defaults applied. It is meant for cmd/rcpilotd; embedding callers
// that already have a populated Config can pass it to NewSupervisor or
// NewPipeline, which fill any zero-valued field with its default.
func LoadConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("rcpilotd", flag.ContinueOnError)

	d := DefaultConfig()
	refreshTimeout := fs.Duration("refresh-timeout", d.RefreshTimeout, "Delay before re-reading topology after a mutation.")
	batchPeriod := fs.Duration("batch-period", d.BatchPeriod, "Batching window for add/remove stages.")
	reshardInterval := fs.Duration("reshard-interval", d.ReshardInterval, "Minimum time between reshards.")
	reshardTimeout := fs.Duration("reshard-timeout", d.ReshardTimeout, "Deadline for a whole reshard.")
	migrateSlotTimeout := fs.Duration("reshard-migrate-slot-timeout", d.MigrateSlotTimeout, "Deadline for a single slot's migration.")
	seedServers := fs.String("redis-cluster-seed-servers", "", "Comma-separated list of seed Redis Cluster addresses.")
	defaultPort := fs.Int("redis-cluster-server-port", d.DefaultPort, "Default port for a host-only node address.")
	topoRefresh := fs.Duration("redis-cluster-refresh-interval", d.TopologyRefreshInterval, "Cluster client topology refresh interval (not read by Cluster, which re-reads topology on every call).")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		RefreshTimeout:          *refreshTimeout,
		BatchPeriod:             *batchPeriod,
		ReshardInterval:         *reshardInterval,
		ReshardTimeout:          *reshardTimeout,
		MigrateSlotTimeout:      *migrateSlotTimeout,
		DefaultPort:             *defaultPort,
		TopologyRefreshInterval: *topoRefresh,
	}
	if *seedServers != "" {
		for _, s := range strings.Split(*seedServers, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cfg.SeedServers = append(cfg.SeedServers, s)
			}
		}
	}
	return applyDefaults(cfg), nil
}
