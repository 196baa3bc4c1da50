// Package ingest consumes the transaction feed from Kafka and lands it in
// the analytical store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/address"
	"github.com/canopy-network/entityx/pkg/db/models/chain"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/canopy-network/entityx/pkg/retry"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"
)

// kafkaClient is the subset of kgo.Client the consumer uses.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// Sink stores decoded transactions. Inserts must be idempotent on txid
// because the feed is consumed at least once.
type Sink interface {
	InsertTransactions(ctx context.Context, txs []chain.Transaction) error
}

// Consumer polls the feed, writes each poll as one batch and commits offsets
// only after the batch is stored.
type Consumer struct {
	brokers []string
	topic   string
	group   string
	user    string
	pass    string
	tls     bool

	client  kafkaClient
	sink    Sink
	retry   retry.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Consumer)

func WithBrokers(brokers ...string) Option {
	return func(c *Consumer) { c.brokers = brokers }
}

func WithTopic(topic string) Option {
	return func(c *Consumer) { c.topic = topic }
}

func WithGroup(group string) Option {
	return func(c *Consumer) { c.group = group }
}

// WithSCRAM enables SASL/SCRAM-SHA-256 authentication.
func WithSCRAM(user, pass string) Option {
	return func(c *Consumer) {
		c.user = user
		c.pass = pass
	}
}

func WithTLS(enabled bool) Option {
	return func(c *Consumer) { c.tls = enabled }
}

func WithRetry(cfg retry.Config) Option {
	return func(c *Consumer) { c.retry = cfg }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// withClient injects a client in tests.
func withClient(client kafkaClient) Option {
	return func(c *Consumer) { c.client = client }
}

func NewConsumer(sink Sink, logger *zap.Logger, opts ...Option) (*Consumer, error) {
	c := &Consumer{
		sink:   sink,
		retry:  retry.SourceConfig(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop()
	}
	if c.client != nil {
		return c, nil
	}
	if len(c.brokers) == 0 || c.topic == "" || c.group == "" {
		return nil, errs.Validation("kafka", fmt.Sprintf("brokers=%v topic=%q group=%q", c.brokers, c.topic, c.group), "brokers, topic and group are required")
	}

	kOpts := []kgo.Opt{
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumeTopics(c.topic),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	}
	if c.user != "" {
		kOpts = append(kOpts, kgo.SASL(scram.Auth{User: c.user, Pass: c.pass}.AsSha256Mechanism()))
	}
	if c.tls {
		kOpts = append(kOpts, kgo.DialTLS())
	}
	client, err := kgo.NewClient(kOpts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

// Run consumes until ctx ends or a batch cannot be stored after retries.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("transaction feed consumer started", zap.String("topic", c.topic), zap.String("group", c.group))
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.PollOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, errClosed) {
				return nil
			}
			return err
		}
		if n > 0 {
			c.logger.Debug("transaction batch stored", zap.Int("transactions", n))
		}
	}
}

var errClosed = errors.New("kafka client closed")

// PollOnce handles one poll: decode, store with retry, commit. It returns the
// number of transactions stored.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return 0, errClosed
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("kafka fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
	})
	if fetches.Empty() {
		return 0, ctx.Err()
	}

	var batch []chain.Transaction
	fetches.EachRecord(func(rec *kgo.Record) {
		tx, err := Decode(rec.Value)
		if err != nil {
			c.metrics.IngestRecords.WithLabelValues("rejected").Inc()
			c.logger.Warn("transaction record rejected",
				zap.String("topic", rec.Topic),
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(err))
			return
		}
		batch = append(batch, tx)
	})

	if len(batch) > 0 {
		err := retry.WithBackoff(ctx, c.retry, c.logger, "insert transactions", func() error {
			return c.sink.InsertTransactions(ctx, batch)
		})
		if err != nil {
			c.metrics.IngestRecords.WithLabelValues("failed").Add(float64(len(batch)))
			return 0, errs.Dependency("clickhouse", err)
		}
		c.metrics.IngestRecords.WithLabelValues("stored").Add(float64(len(batch)))
	}

	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		// the batch is stored; a redelivery after restart is absorbed by the store
		c.logger.Warn("offset commit failed", zap.Error(err))
	}
	return len(batch), nil
}

func (c *Consumer) Close() {
	c.client.Close()
}

// Decode parses and validates one feed record. Addresses are canonicalized;
// legs without an address (non-standard scripts) are kept as is.
func Decode(raw []byte) (chain.Transaction, error) {
	var tx chain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return chain.Transaction{}, errs.Validation("record", "", "not a transaction: "+err.Error())
	}
	if tx.TxID == "" {
		return chain.Transaction{}, errs.Validation("txid", "", "required")
	}
	if tx.BlockTime.IsZero() {
		return chain.Transaction{}, errs.Validation("block_time", tx.TxID, "required")
	}
	if len(tx.Outputs) == 0 {
		return chain.Transaction{}, errs.Validation("outputs", tx.TxID, "at least one output is required")
	}
	if !tx.IsCoinbase && len(tx.Inputs) == 0 {
		return chain.Transaction{}, errs.Validation("inputs", tx.TxID, "non-coinbase transaction without inputs")
	}
	tx.BlockTime = tx.BlockTime.UTC().Truncate(time.Second)
	for _, legs := range [][]chain.IO{tx.Inputs, tx.Outputs} {
		for i := range legs {
			if legs[i].Address == "" {
				continue
			}
			a, err := address.Normalize(legs[i].Address)
			if err != nil {
				return chain.Transaction{}, err
			}
			legs[i].Address = a.Value
		}
	}
	return tx, nil
}
