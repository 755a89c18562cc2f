package consumer

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/balanced/pkg/coordination"
)

// Offset reset policies for partitions without a prior held offset.
const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// A RebalanceCallback runs at the end of each rebalance pass, before the new
// owned partitions start being consumed. It receives the held offsets of the
// partitions owned before the pass and the proposed offsets for the ones
// owned after it, both as read-only snapshots. It may return a replacement
// mapping whose entries override the proposed offsets; returning nil keeps
// the proposal. The callback must not touch consumer internals.
type RebalanceCallback func(c *BalancedConsumer, old, proposed map[int32]int64) (map[int32]int64, error)

type Config struct {
	// Group is the consumer group name. Participants registering the same
	// group divide the topic's partitions between them.
	Group string `yaml:"group"`

	// AutoOffsetReset seeds the offset of a partition that has neither a
	// held offset nor a committed group offset.
	AutoOffsetReset string `yaml:"auto_offset_reset"`

	// ConsumerTimeout bounds a single Consume call. Zero or negative means
	// block until a message arrives, the topology changes, or the consumer
	// is stopped.
	ConsumerTimeout time.Duration `yaml:"consumer_timeout"`

	// Managed selects broker-native group membership (the classic group
	// protocol) instead of the kv-backed coordination service.
	Managed bool `yaml:"managed"`

	// SessionTimeout and RebalanceTimeout apply to managed membership.
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	RebalanceTimeout time.Duration `yaml:"rebalance_timeout"`

	Coordination coordination.Config `yaml:"coordination"`

	// PostRebalanceCallback is optional and cannot be set via flags.
	PostRebalanceCallback RebalanceCallback `yaml:"-"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("consumer", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Group, prefix+".group", "", "The consumer group name.")
	f.StringVar(&cfg.AutoOffsetReset, prefix+".auto-offset-reset", OffsetLatest, fmt.Sprintf("Where to start consuming a partition with no prior offset. Supported values: %s, %s.", OffsetEarliest, OffsetLatest))
	f.DurationVar(&cfg.ConsumerTimeout, prefix+".timeout", 0, "The maximum time a single Consume call waits for a message. 0 or negative blocks until a message arrives or the consumer is stopped.")
	f.BoolVar(&cfg.Managed, prefix+".managed", false, "Use broker-native group membership instead of the coordination kv store.")
	f.DurationVar(&cfg.SessionTimeout, prefix+".session-timeout", 30*time.Second, "The broker group session timeout, used with managed membership.")
	f.DurationVar(&cfg.RebalanceTimeout, prefix+".rebalance-timeout", time.Minute, "The broker group rebalance timeout, used with managed membership.")
	cfg.Coordination.RegisterFlagsWithPrefix(prefix+".coordination", f)
}

func (cfg *Config) Validate() error {
	if cfg.Group == "" {
		return fmt.Errorf("the consumer group has not been configured")
	}
	if cfg.AutoOffsetReset != OffsetEarliest && cfg.AutoOffsetReset != OffsetLatest {
		return fmt.Errorf("unsupported auto offset reset %q", cfg.AutoOffsetReset)
	}
	if cfg.Managed {
		if cfg.SessionTimeout <= 0 || cfg.RebalanceTimeout <= 0 {
			return fmt.Errorf("managed membership timeouts must be positive")
		}
		return nil
	}
	return cfg.Coordination.Validate()
}
