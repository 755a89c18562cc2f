package consumer_test

import (
	"context"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/balanced/pkg/consumer"
	"github.com/grafana/balanced/pkg/kafka"
	"github.com/grafana/balanced/pkg/kafka/testkafka"
)

func TestBalancedConsumer_TwoMembersDivideThePartitions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, kafkaCfg := testkafka.CreateCluster(t, 8, "events")
	cfg := testKVConfig(t)

	c1 := startConsumer(t, ctx, kafkaCfg, cfg)
	c2 := startConsumer(t, ctx, kafkaCfg, cfg)

	// Both members settle on disjoint halves covering every partition.
	require.Eventually(t, func() bool {
		return assignmentsCover(8, c1.Partitions(), c2.Partitions()) &&
			len(c1.Partitions()) == 4 && len(c2.Partitions()) == 4
	}, 15*time.Second, 100*time.Millisecond)

	// When one member leaves, the survivor takes over the whole topic.
	require.NoError(t, c2.Stop())
	require.Eventually(t, func() bool {
		return len(c1.Partitions()) == 8
	}, 15*time.Second, 100*time.Millisecond)

	// Every partition's records are now consumable through the survivor.
	produceRecords(t, ctx, kafkaCfg, 8)
	seen := map[int32]bool{}
	for len(seen) < 8 {
		rec, err := c1.Consume(ctx)
		require.NoError(t, err)
		require.NotNil(t, rec)
		seen[rec.Partition] = true
	}
}

func TestBalancedConsumer_ResumesFromCommittedOffsets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, kafkaCfg := testkafka.CreateCluster(t, 1, "events")
	cfg := testKVConfig(t)

	produceRecords(t, ctx, kafkaCfg, 1, "a", "b", "c", "d", "e")

	c1 := startConsumer(t, ctx, kafkaCfg, cfg)
	for i := 0; i < 3; i++ {
		rec, err := c1.Consume(ctx)
		require.NoError(t, err)
		require.NotNil(t, rec)
	}
	require.Equal(t, map[int32]int64{0: 3}, c1.HeldOffsets())
	require.NoError(t, c1.CommitOffsets(ctx))
	require.NoError(t, c1.Stop())

	// A later session of the same group resumes after the committed record,
	// not from the reset position.
	c2 := startConsumer(t, ctx, kafkaCfg, cfg)
	rec, err := c2.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, int64(3), rec.Offset)
	require.Equal(t, []byte("d"), rec.Value)
}

func TestBalancedConsumer_ManagedMembership(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, kafkaCfg := testkafka.CreateCluster(t, 3, "events")
	cfg := testKVConfig(t)
	cfg.Managed = true

	produceRecords(t, ctx, kafkaCfg, 3, "a", "b", "c", "d", "e", "f")

	c := startConsumer(t, ctx, kafkaCfg, cfg)
	require.Eventually(t, func() bool {
		return len(c.Partitions()) == 3
	}, 15*time.Second, 100*time.Millisecond)

	values := map[string]bool{}
	for len(values) < 6 {
		rec, err := c.Consume(ctx)
		require.NoError(t, err)
		require.NotNil(t, rec)
		values[string(rec.Value)] = true
	}
	require.NoError(t, c.CommitOffsets(ctx))
}

// testKVConfig returns a consumer config backed by the process-wide in-memory
// kv store, with a group name unique to the test so state does not leak
// between tests.
func testKVConfig(t *testing.T) consumer.Config {
	cfg := consumer.Config{}
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	cfg.Group = "group-" + t.Name()
	cfg.AutoOffsetReset = consumer.OffsetEarliest
	cfg.Coordination.Store.Store = "inmemory"
	cfg.Coordination.HeartbeatPeriod = 100 * time.Millisecond
	cfg.Coordination.HeartbeatTimeout = 10 * time.Second
	cfg.Coordination.LockLease = 5 * time.Second
	return cfg
}

func startConsumer(t *testing.T, ctx context.Context, kafkaCfg kafka.Config, cfg consumer.Config) *consumer.BalancedConsumer {
	t.Helper()

	c, err := consumer.New(kafkaCfg, cfg, log.NewNopLogger(), prometheus.NewPedanticRegistry())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Stop()
	})
	require.NoError(t, c.Start(ctx))
	return c
}

// produceRecords writes the values round-robin over the first numPartitions
// partitions, or one record per partition when no values are given.
func produceRecords(t *testing.T, ctx context.Context, kafkaCfg kafka.Config, numPartitions int, values ...string) {
	t.Helper()

	writer, err := kafka.NewWriterClient(kafkaCfg, log.NewNopLogger(), prometheus.NewPedanticRegistry(),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	defer writer.Close()

	if len(values) == 0 {
		for p := 0; p < numPartitions; p++ {
			values = append(values, fmt.Sprintf("record-%d", p))
		}
	}
	records := make([]*kgo.Record, 0, len(values))
	for i, v := range values {
		records = append(records, &kgo.Record{
			Topic:     kafkaCfg.Topic,
			Partition: int32(i % numPartitions),
			Value:     []byte(v),
		})
	}
	require.NoError(t, writer.ProduceSync(ctx, records...).FirstErr())
}

// assignmentsCover reports whether the given assignments are disjoint and
// together cover partitions 0..n-1.
func assignmentsCover(n int, assignments ...[]int32) bool {
	seen := map[int32]int{}
	for _, owned := range assignments {
		for _, p := range owned {
			seen[p]++
		}
	}
	if len(seen) != n {
		return false
	}
	for _, count := range seen {
		if count != 1 {
			return false
		}
	}
	return true
}
