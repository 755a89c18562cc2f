package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/balanced/pkg/consumer"
	"github.com/grafana/balanced/pkg/kafka"
)

func main() {
	var (
		kafkaCfg    kafka.Config
		consumerCfg consumer.Config
		logLevel    string
	)
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	kafkaCfg.RegisterFlags(fs)
	consumerCfg.RegisterFlags(fs)
	fs.StringVar(&logLevel, "log.level", "info", "Only log messages with the given severity or above. Supported values: debug, info, warn, error.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(logLevel)

	c, err := consumer.New(kafkaCfg, consumerCfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create consumer", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		level.Error(logger).Log("msg", "failed to start consumer", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "consumer started", "member", c.MemberID())

	// A signal stops the consumer, which in turn terminates the consume loop.
	go func() {
		<-ctx.Done()
		if err := c.Stop(); err != nil {
			level.Error(logger).Log("msg", "failed to stop consumer", "err", err)
		}
	}()

	err = c.Each(context.Background(), func(rec *kgo.Record) error {
		level.Info(logger).Log("msg", "consumed record", "partition", rec.Partition, "offset", rec.Offset, "bytes", len(rec.Value))
		return nil
	})
	if err != nil {
		level.Error(logger).Log("msg", "consume loop failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "consumer stopped")
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(logLevel, level.InfoValue())))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
