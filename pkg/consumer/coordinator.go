package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"
)

// coordinator reacts to membership events from the AssignmentSource by
// running rebalance passes: recompute the owned partitions, seed their
// offsets, swap the partition manager, publish the new ownership. Passes are
// serialized by the source's rebalance lock so that at most one participant
// of the group rebalances at a time.
type coordinator struct {
	services.Service

	cfg        Config
	source     AssignmentSource
	lookup     offsetLookup
	newManager managerFactory
	logger     log.Logger
	metrics    *consumerMetrics

	// listPartitions reads the topic's partition set, once, at start. The
	// set is treated as immutable for the consumer session.
	listPartitions func(context.Context) ([]int32, error)
	partitions     []int32

	// consumer is handed to the post-rebalance callback. Set once before the
	// coordinator starts.
	consumer *BalancedConsumer

	// pending holds the latest asynchronous failure until a Consume call
	// surfaces it.
	pending atomic.Error

	mtx     sync.Mutex
	manager ownedManager
	wake    chan struct{}
}

func newCoordinator(cfg Config, source AssignmentSource, lookup offsetLookup, newManager managerFactory, listPartitions func(context.Context) ([]int32, error), metrics *consumerMetrics, logger log.Logger) *coordinator {
	c := &coordinator{
		cfg:            cfg,
		source:         source,
		lookup:         lookup,
		newManager:     newManager,
		listPartitions: listPartitions,
		logger:         log.With(logger, "component", "rebalance-coordinator"),
		metrics:        metrics,
		wake:           make(chan struct{}),
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

func (c *coordinator) starting(ctx context.Context) error {
	partitions, err := c.listPartitions(ctx)
	if err != nil {
		return fmt.Errorf("list topic partitions: %w", err)
	}
	c.partitions = partitions

	if err := c.source.Register(ctx); err != nil {
		if errors.Is(err, ErrCoordinationUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s", ErrCoordinationUnavailable, err)
	}
	// The initial pass establishes this member's first ownership. Its failure
	// does not fail startup: the consumer comes up with no partitions and the
	// error surfaces on the first Consume call.
	c.rebalance(ctx)
	return nil
}

func (c *coordinator) running(ctx context.Context) error {
	for {
		select {
		case <-c.source.Events():
			c.rebalance(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *coordinator) stopping(_ error) error {
	c.mtx.Lock()
	manager := c.manager
	c.manager = nil
	close(c.wake)
	c.wake = make(chan struct{})
	c.mtx.Unlock()
	if manager != nil {
		manager.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.source.Unregister(ctx)
}

// rebalance runs one pass and records its outcome. A failed pass leaves the
// consumer without partitions until the next membership event retries it.
func (c *coordinator) rebalance(ctx context.Context) {
	start := time.Now()
	c.metrics.rebalancesTotal.Inc()

	err := c.pass(ctx)
	c.metrics.rebalanceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.rebalanceFailuresTotal.Inc()
		c.pending.Store(err)
		level.Error(c.logger).Log("msg", "rebalance failed", "err", err)
		return
	}
	level.Debug(c.logger).Log("msg", "rebalance complete", "duration", time.Since(start))
}

func (c *coordinator) pass(ctx context.Context) error {
	if err := c.source.AcquireLock(ctx); err != nil {
		return fmt.Errorf("acquire rebalance lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.source.ReleaseLock(releaseCtx); err != nil {
			level.Warn(c.logger).Log("msg", "failed to release rebalance lock, the lease will expire", "err", err)
		}
	}()

	owned, err := c.source.Assign(ctx, c.partitions)
	if err != nil {
		return err
	}

	old := c.heldOffsets()
	proposed, err := c.proposeOffsets(ctx, old, owned)
	if err != nil {
		return err
	}
	proposed, err = c.invokeCallback(old, proposed)
	if err != nil {
		return err
	}

	// Tear down before building: the old manager must stop reading its
	// partitions before another owner, or our own new manager, picks them up.
	c.mtx.Lock()
	manager := c.manager
	c.manager = nil
	c.mtx.Unlock()
	if manager != nil {
		manager.Close()
	}

	next, err := c.newManager(proposed)
	if err != nil {
		c.swap(nil, 0)
		return fmt.Errorf("start partition manager: %w", err)
	}
	c.swap(next, len(owned))

	if err := c.source.PublishOwned(ctx, owned); err != nil {
		return fmt.Errorf("publish owned partitions: %w", err)
	}
	return nil
}

// proposeOffsets seeds the next offset of every owned partition: the held
// offset when the partition survives the rebalance, otherwise the committed
// group offset, otherwise the configured reset policy.
func (c *coordinator) proposeOffsets(ctx context.Context, old map[int32]int64, owned []int32) (map[int32]int64, error) {
	proposed := make(map[int32]int64, len(owned))
	var missing []int32
	for _, p := range owned {
		if off, ok := old[p]; ok {
			proposed[p] = off
		} else {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return proposed, nil
	}

	committed, err := c.lookup.Committed(ctx, missing)
	if err != nil {
		return nil, err
	}
	var reset []int32
	for _, p := range missing {
		if off, ok := committed[p]; ok {
			proposed[p] = off
		} else {
			reset = append(reset, p)
		}
	}
	if len(reset) == 0 {
		return proposed, nil
	}

	var offsets map[int32]int64
	if c.cfg.AutoOffsetReset == OffsetEarliest {
		offsets, err = c.lookup.Earliest(ctx, reset)
	} else {
		offsets, err = c.lookup.Latest(ctx, reset)
	}
	if err != nil {
		return nil, err
	}
	for p, off := range offsets {
		proposed[p] = off
	}
	return proposed, nil
}

// invokeCallback runs the user's post-rebalance callback, if any. The
// callback gets copies so it cannot mutate coordinator state, and a panic is
// contained and turned into a pass failure.
func (c *coordinator) invokeCallback(old, proposed map[int32]int64) (result map[int32]int64, err error) {
	cb := c.cfg.PostRebalanceCallback
	if cb == nil {
		return proposed, nil
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &RebalanceCallbackError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	override, cbErr := cb(c.consumer, copyOffsets(old), copyOffsets(proposed))
	if cbErr != nil {
		return nil, &RebalanceCallbackError{Err: cbErr}
	}
	if override == nil {
		return proposed, nil
	}
	merged := copyOffsets(proposed)
	for p, off := range override {
		if _, ok := merged[p]; ok {
			merged[p] = off
		}
	}
	return merged, nil
}

// swap installs the new manager and wakes every Consume call blocked on the
// previous topology.
func (c *coordinator) swap(next ownedManager, numOwned int) {
	c.mtx.Lock()
	c.manager = next
	close(c.wake)
	c.wake = make(chan struct{})
	c.mtx.Unlock()
	c.metrics.assignedPartitions.Set(float64(numOwned))
}

// snapshot returns the current manager together with the wake channel that
// closes when the manager is replaced.
func (c *coordinator) snapshot() (ownedManager, <-chan struct{}) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.manager, c.wake
}

func (c *coordinator) heldOffsets() map[int32]int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.manager == nil {
		return map[int32]int64{}
	}
	return c.manager.HeldOffsets()
}

func (c *coordinator) owned() []int32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.manager == nil {
		return nil
	}
	return c.manager.Owned()
}

// takeErr surfaces the pending asynchronous failure at most once.
func (c *coordinator) takeErr() error {
	return c.pending.Swap(nil)
}

func copyOffsets(offsets map[int32]int64) map[int32]int64 {
	out := make(map[int32]int64, len(offsets))
	for p, off := range offsets {
		out[p] = off
	}
	return out
}
