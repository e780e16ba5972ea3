package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/segmentio/kafka-go"
)

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// Workers is the number of readers in the consumer group
	Workers int
	// MaxBackoff caps the wait between retries of a failing message
	MaxBackoff time.Duration
}

// Consumer reads a topic with one or more group readers. A message is
// committed after the handler succeeds or fails permanently. Other failures
// are retried in place, which keeps the partition ordered.
type Consumer struct {
	cfg     ConsumerConfig
	readers []*kafka.Reader
	logger  ectologger.Logger
	handler MessageHandler
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	readers := make([]*kafka.Reader, cfg.Workers)
	for i := range readers {
		readers[i] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.ConsumerGroup,
			MinBytes:       10e3, // 10KB
			MaxBytes:       10e6, // 10MB
			MaxWait:        500 * time.Millisecond,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: time.Second,
		})
	}

	return &Consumer{
		cfg:     cfg,
		readers: readers,
		logger:  logger,
		handler: handler,
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, r := range c.readers {
		c.wg.Add(1)
		go c.consumeLoop(ctx, r)
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":   c.cfg.Topic,
		"group":   c.cfg.ConsumerGroup,
		"workers": len(c.readers),
	}).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var errs []error
	for _, r := range c.readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

func (c *Consumer) consumeLoop(ctx context.Context, reader *kafka.Reader) {
	defer c.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			continue
		}

		if !c.processMessage(ctx, msg) {
			return
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.WithContext(ctx).WithError(err).Error("Failed to commit message")
		}
	}
}

// processMessage runs the handler until it succeeds or fails permanently. It
// returns false when the context ended first.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	incoming := &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}

	ctx, span := tracing.StartSpan(incoming.TraceContext(ctx), "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"key":       incoming.Key,
	})

	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, incoming)
		switch {
		case err == nil:
			metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "success").Inc()
			return true
		case IsPermanent(err):
			tracing.RecordError(span, err)
			log.WithError(err).Warn("Dropping message that cannot be processed")
			metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "dropped").Inc()
			return true
		}

		metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "retry").Inc()
		log.WithError(err).WithFields(map[string]any{"attempt": attempt}).Error("Failed to process message, retrying")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}
	}
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return len(c.readers) > 0
}
