// Package testkafka provides an in-process fake Kafka cluster for tests.
package testkafka

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"

	"github.com/grafana/balanced/pkg/kafka"
)

// CreateCluster returns a fake Kafka cluster with the given number of
// partitions for topic, plus a kafka.Config pointing at it. The cluster is
// shut down when the test finishes.
func CreateCluster(t testing.TB, numPartitions int32, topic string) (*kfake.Cluster, kafka.Config) {
	cluster, err := kfake.NewCluster(
		kfake.NumBrokers(1),
		kfake.SeedTopics(numPartitions, topic),
	)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)

	cfg := kafka.Config{
		Address:            addrs[0],
		Topic:              topic,
		MaxBufferedRecords: 1024,
	}
	require.NoError(t, cfg.Validate())
	return cluster, cfg
}
