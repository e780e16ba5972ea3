// Package events publishes identity lifecycle events
package events

import (
	"context"
	"slices"
	"sync"

	"github.com/Gobusters/ectologger"
	appcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Sink receives the events of committed changes
type Sink interface {
	Emit(ctx context.Context, evs ...Event) error
}

// Publisher is the part of the Kafka producer the emitter needs
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Emitter publishes events to Kafka
type Emitter struct {
	producer Publisher
	logger   ectologger.Logger
}

func NewEmitter(producer Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

func (e *Emitter) Emit(ctx context.Context, evs ...Event) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Emit")
	defer span.End()

	if len(evs) == 0 {
		return nil
	}

	correlationID := appcontext.GetRequestID(ctx)
	msgs := make([]kafka.Message, len(evs))
	for i, ev := range evs {
		if ev.CorrelationID == "" {
			ev.CorrelationID = correlationID
		}
		msgs[i] = kafka.Message{
			Key:   ev.Key(),
			Value: ev,
			Headers: map[string]string{
				kafka.HeaderEventType:     string(ev.EventType),
				kafka.HeaderTenantID:      ev.TenantID,
				kafka.HeaderSchemaVersion: ev.SchemaVersion,
			},
		}
	}

	if err := e.producer.Publish(ctx, msgs...); err != nil {
		tracing.RecordError(span, err)
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"events": len(evs),
		}).Error("Failed to emit identity events")
		return err
	}
	return nil
}

// Recorder keeps emitted events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the event types in emission order
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
