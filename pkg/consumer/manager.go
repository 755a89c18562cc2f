package consumer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grafana/balanced/pkg/kafka"
)

// An ownedManager consumes the partition set assigned by one rebalance pass
// and tracks held offsets for it. It is torn down and rebuilt on every
// successful rebalance.
type ownedManager interface {
	// Owned returns the sorted partition ids this manager reads.
	Owned() []int32
	// Records returns the channel fetched records are delivered on. It is
	// nil when the manager owns no partitions.
	Records() <-chan *kgo.Record
	// MarkConsumed advances the held offset after a record was handed to
	// the caller.
	MarkConsumed(*kgo.Record)
	// HeldOffsets returns a snapshot of the next offset to consume per
	// owned partition.
	HeldOffsets() map[int32]int64
	// Close stops fetching and releases the underlying client. Idempotent,
	// and bounded by the fetch poll rather than unbounded retry.
	Close()
}

// A managerFactory builds the manager for a new ownership set, with offsets
// holding the next offset to consume for every owned partition.
type managerFactory func(offsets map[int32]int64) (ownedManager, error)

// partitionManager is the Kafka-backed ownedManager: a dedicated client
// consuming exactly the owned partitions from the seeded offsets, with one
// poll goroutine feeding the records channel.
type partitionManager struct {
	client  *kgo.Client
	records chan *kgo.Record
	cancel  context.CancelFunc
	done    chan struct{}
	logger  log.Logger

	mtx     sync.Mutex
	offsets map[int32]int64

	closeOnce sync.Once
}

func newPartitionManager(cfg kafka.Config, metrics *kprom.Metrics, offsets map[int32]int64, logger log.Logger) (*partitionManager, error) {
	m := &partitionManager{
		logger:  log.With(logger, "component", "partition-manager"),
		offsets: make(map[int32]int64, len(offsets)),
		done:    make(chan struct{}),
	}
	for p, off := range offsets {
		m.offsets[p] = off
	}

	// A consumer assigned no partitions stays idle: no client, nil records
	// channel, reads block until the topology changes.
	if len(offsets) == 0 {
		close(m.done)
		m.cancel = func() {}
		return m, nil
	}

	consumeOffsets := make(map[int32]kgo.Offset, len(offsets))
	for p, off := range offsets {
		consumeOffsets[p] = kgo.NewOffset().At(off)
	}
	client, err := kafka.NewReaderClient(cfg, metrics, logger,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{cfg.Topic: consumeOffsets}),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.client = client
	m.cancel = cancel
	m.records = make(chan *kgo.Record, cfg.MaxBufferedRecords)
	go m.poll(ctx)
	return m, nil
}

func (m *partitionManager) poll(ctx context.Context) {
	defer close(m.done)
	for {
		fetches := m.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			level.Error(m.logger).Log("msg", "failed to fetch records", "topic", topic, "partition", partition, "err", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case m.records <- rec:
			case <-ctx.Done():
			}
		})
	}
}

func (m *partitionManager) Owned() []int32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	owned := make([]int32, 0, len(m.offsets))
	for p := range m.offsets {
		owned = append(owned, p)
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	return owned
}

func (m *partitionManager) Records() <-chan *kgo.Record {
	return m.records
}

func (m *partitionManager) MarkConsumed(rec *kgo.Record) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.offsets[rec.Partition] = rec.Offset + 1
}

func (m *partitionManager) HeldOffsets() map[int32]int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	held := make(map[int32]int64, len(m.offsets))
	for p, off := range m.offsets {
		held[p] = off
	}
	return held
}

func (m *partitionManager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		if m.client != nil {
			m.client.Close()
		}
	})
}
