package consumer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"

	"github.com/grafana/balanced/pkg/coordination"
	"github.com/grafana/balanced/pkg/kafka"
)

// offsetCommitter commits next-offsets to the consumer group.
type offsetCommitter interface {
	Commit(ctx context.Context, offsets map[int32]int64) error
}

// A BalancedConsumer divides a topic's partitions among every consumer
// registered under the same group and consumes its share, rebalancing as
// participants come and go. All methods are safe for concurrent use.
type BalancedConsumer struct {
	cfg      Config
	logger   log.Logger
	metrics  *consumerMetrics
	memberID string

	co        *coordinator
	client    *kgo.Client
	committer offsetCommitter

	started  atomic.Bool
	startErr error

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
	stopCh    chan struct{}
}

// New builds a consumer for the configured topic and group. Call Start to
// join the group and begin owning partitions.
func New(kafkaCfg kafka.Config, cfg Config, logger log.Logger, reg prometheus.Registerer) (*BalancedConsumer, error) {
	if err := kafkaCfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	memberID, err := newMemberID()
	if err != nil {
		return nil, fmt.Errorf("generate member id: %w", err)
	}
	logger = log.With(logger, "member", memberID)

	readerMetrics := kafka.NewReaderClientMetrics("balanced-consumer", reg)
	client, err := kafka.NewReaderClient(kafkaCfg, readerMetrics, logger)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	offsets := newOffsetClient(client, kafkaCfg.Topic, cfg.Group)

	var (
		source   AssignmentSource
		registry *coordination.Registry
	)
	if cfg.Managed {
		source = newManagedSource(client, cfg, kafkaCfg.Topic, logger)
	} else {
		registry, err = coordination.New(cfg.Coordination, cfg.Group, memberID, logger, reg)
		if err != nil {
			client.Close()
			return nil, err
		}
		source = newKVSource(registry)
	}

	factory := func(offs map[int32]int64) (ownedManager, error) {
		return newPartitionManager(kafkaCfg, readerMetrics, offs, logger)
	}

	c := newWithSource(cfg, source, offsets, factory, offsets.Partitions, newConsumerMetrics(reg), logger)
	c.memberID = memberID
	c.client = client
	c.committer = offsets
	if registry != nil {
		registry.OnWorkerError(c.co.pending.Store)
	}
	return c, nil
}

// newWithSource wires a consumer around explicit collaborators. Tests use it
// to substitute fakes for the membership source and the partition managers.
func newWithSource(cfg Config, source AssignmentSource, lookup offsetLookup, factory managerFactory, listPartitions func(context.Context) ([]int32, error), metrics *consumerMetrics, logger log.Logger) *BalancedConsumer {
	c := &BalancedConsumer{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
	c.co = newCoordinator(cfg, source, lookup, factory, listPartitions, metrics, logger)
	c.co.consumer = c
	return c
}

// Start registers this member with the group and runs the initial rebalance.
// It fails with ErrCoordinationUnavailable when the membership substrate
// cannot be reached; a failure of the initial rebalance itself does not fail
// Start and surfaces on the first Consume call instead.
func (c *BalancedConsumer) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.startErr = services.StartAndAwaitRunning(ctx, c.co)
		if c.startErr == nil {
			c.started.Store(true)
		}
	})
	return c.startErr
}

// Consume returns the next record from any owned partition, blocking until
// one arrives, the configured consumer timeout expires (returning nil, nil),
// ctx is done, or the consumer is stopped (returning ErrConsumerStopped).
// A failure that happened asynchronously, in a rebalance pass or on the
// membership watch, is returned by the next Consume call, once.
func (c *BalancedConsumer) Consume(ctx context.Context) (*kgo.Record, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	select {
	case <-c.stopCh:
		return nil, ErrConsumerStopped
	default:
	}

	var deadline <-chan time.Time
	if c.cfg.ConsumerTimeout > 0 {
		timer := time.NewTimer(c.cfg.ConsumerTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if err := c.co.takeErr(); err != nil {
			return nil, err
		}
		manager, wake := c.co.snapshot()
		// With no manager, or no owned partitions, records is nil and the
		// select waits for a topology change.
		var records <-chan *kgo.Record
		if manager != nil {
			records = manager.Records()
		}

		select {
		case <-c.stopCh:
			return nil, ErrConsumerStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
			// The manager was swapped by a rebalance, resnapshot.
		case rec := <-records:
			manager.MarkConsumed(rec)
			c.metrics.recordsConsumedTotal.Inc()
			return rec, nil
		}
	}
}

// Each calls fn for every consumed record until the consumer is stopped, the
// consumer timeout expires with no record, ctx is done, or fn returns an
// error. Stopping is a clean termination and returns nil.
func (c *BalancedConsumer) Each(ctx context.Context, fn func(*kgo.Record) error) error {
	for {
		rec, err := c.Consume(ctx)
		switch {
		case errors.Is(err, ErrConsumerStopped):
			return nil
		case err != nil:
			return err
		case rec == nil:
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Stop leaves the group, releases the owned partitions and closes the Kafka
// clients. It unblocks every in-flight Consume call with ErrConsumerStopped.
// Idempotent: repeated calls return the first result.
func (c *BalancedConsumer) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		errs := multierror.New()
		if c.started.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			errs.Add(services.StopAndAwaitTerminated(ctx, c.co))
		}
		if c.client != nil {
			c.client.Close()
		}
		c.stopErr = errs.Err()
	})
	return c.stopErr
}

// Partitions returns the sorted partition ids this consumer currently owns.
func (c *BalancedConsumer) Partitions() []int32 {
	return c.co.owned()
}

// HeldOffsets returns the next offset to consume for every owned partition.
func (c *BalancedConsumer) HeldOffsets() map[int32]int64 {
	return c.co.heldOffsets()
}

// CommitOffsets commits the currently held offsets to the consumer group, so
// a later session (or another group member) resumes from them.
func (c *BalancedConsumer) CommitOffsets(ctx context.Context) error {
	if c.committer == nil {
		return errors.New("offset commits are not configured")
	}
	return c.committer.Commit(ctx, c.co.heldOffsets())
}

// MemberID returns this consumer's group participant id.
func (c *BalancedConsumer) MemberID() string {
	return c.memberID
}

func newMemberID() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(buf)), nil
}
