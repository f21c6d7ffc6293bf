package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords is the maximum records per poll
	MaxPollRecords int
	// StartOffset is the initial offset (latest or earliest)
	StartOffset string
	// RetryBackoff is the wait before a failed batch is handled again
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the summary projection.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "ward-summary",
		Topics:              []string{TopicAdministrationEvents},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      200,
		StartOffset:         "earliest",
		RetryBackoff:        time.Second,
	}
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Context carries the producer's trace.
	Context context.Context
}

// BatchHandler processes one polled batch. Offsets are committed only when
// it returns nil; otherwise the same batch is handed over again.
type BatchHandler func(ctx context.Context, msgs []*ConsumedMessage) error

// offsetCommitter is the part of the client that checkpoints progress.
type offsetCommitter interface {
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
}

// Consumer polls records in batches and commits after each handled batch.
// Only marked records are ever committed, so a rebalance or shutdown in the
// middle of a failing batch leaves it to be polled again.
type Consumer struct {
	client  *kgo.Client
	offsets offsetCommitter
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler BatchHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	batchFailures  int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		offsets: client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		if !c.handleUntilDone(records) {
			return
		}
	}
}

// handleUntilDone retries the batch until the handler accepts it. It
// returns false when the consumer is stopping.
func (c *Consumer) handleUntilDone(records []*kgo.Record) bool {
	msgs := make([]*ConsumedMessage, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toMessage(c.ctx, r))
	}

	for {
		ctx, span := c.tracer.Start(c.ctx, "consume_batch",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.Int("batch_size", len(msgs))))
		err := c.handler(ctx, msgs)
		if err == nil {
			c.commit(ctx, records)
			span.End()
			c.mu.Lock()
			c.messagesRead += int64(len(msgs))
			c.mu.Unlock()
			return true
		}
		span.RecordError(err)
		span.End()

		c.mu.Lock()
		c.batchFailures++
		c.mu.Unlock()
		c.logger.Error("batch handler failed, retrying",
			zap.Int("batch_size", len(msgs)),
			zap.Duration("backoff", c.config.RetryBackoff),
			zap.Error(err))

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.config.RetryBackoff):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, records []*kgo.Record) {
	c.offsets.MarkCommitRecords(records...)
	if err := c.offsets.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offsets", zap.Int("records", len(records)), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
}

func toMessage(ctx context.Context, r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
		Context:   extractTraceContext(ctx, r),
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BatchFailures  int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BatchFailures:  c.batchFailures,
		LastCommitTime: c.lastCommitTime,
	}
}
