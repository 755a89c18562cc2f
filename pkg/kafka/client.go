package kafka

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewReaderClient returns a Kafka client configured for reading. Extra opts
// (e.g. kgo.ConsumePartitions) are appended after the common ones so callers
// can override defaults. The metrics are passed in rather than built here
// because callers recreate reader clients over their lifetime and collectors
// can only be registered once.
func NewReaderClient(cfg Config, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(commonOpts(cfg, metrics, logger),
		append([]kgo.Opt{
			kgo.FetchMinBytes(1),
			kgo.FetchMaxWait(5 * time.Second),
		}, opts...)...,
	)
	return kgo.NewClient(opts...)
}

// NewWriterClient returns a Kafka client configured for producing to the
// configured topic. It is used by the example binary and by tests.
func NewWriterClient(cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...kgo.Opt) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("kafka_writer_client", kprom.Registerer(reg))
	opts = append(commonOpts(cfg, metrics, logger),
		append([]kgo.Opt{
			kgo.DefaultProduceTopic(cfg.Topic),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		}, opts...)...,
	)
	return kgo.NewClient(opts...)
}

// NewReaderClientMetrics returns the kprom hook metrics for the reader
// clients owned by the given component.
func NewReaderClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("kafka_reader_client",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
}

func commonOpts(cfg Config, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.ClientID(cfg.ClientID),
		kgo.SeedBrokers(cfg.Address),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.WithLogger(newLogger(logger)),

		// Metadata is refreshed on a constant cadence so that new brokers
		// and partition leadership moves are picked up regardless of errors.
		kgo.MetadataMinAge(10 * time.Second),
		kgo.MetadataMaxAge(10 * time.Second),
	}
	if cfg.SASLUsername != "" && cfg.SASLPassword.String() != "" {
		opts = append(opts, kgo.SASL(plain.Plain(func(_ context.Context) (plain.Auth, error) {
			return plain.Auth{
				User: cfg.SASLUsername,
				Pass: cfg.SASLPassword.String(),
			}, nil
		})))
	}
	if cfg.AutoCreateTopicEnabled {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}
