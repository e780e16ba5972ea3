package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// Producer writes JSON messages to a single topic
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

func (p *Producer) Topic() string {
	return p.topic
}

// Close flushes pending writes and closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publish writes msgs in one batch. Messages with the same key land on the
// same partition. The current trace context travels in the headers.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.Publish")
	defer span.End()

	if len(msgs) == 0 {
		return nil
	}

	traceParent, traceState := tracing.GetTraceParent(ctx), tracing.GetTraceState(ctx)
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m.Value)
		if err != nil {
			return err
		}

		headers := make([]kafka.Header, 0, len(m.Headers)+2)
		for k, v := range m.Headers {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		if traceParent != "" {
			headers = append(headers, kafka.Header{Key: HeaderTraceParent, Value: []byte(traceParent)})
		}
		if traceState != "" {
			headers = append(headers, kafka.Header{Key: HeaderTraceState, Value: []byte(traceState)})
		}

		out[i] = kafka.Message{Key: []byte(m.Key), Value: data, Headers: headers}
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, out...)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		tracing.RecordError(span, err)
		metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "error").Add(float64(len(msgs)))
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"topic":      p.topic,
			"batch_size": len(msgs),
		}).Error("Failed to publish messages")
		return err
	}

	metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "success").Add(float64(len(msgs)))
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":      p.topic,
		"batch_size": len(msgs),
	}).Debug("Published messages")
	return nil
}
