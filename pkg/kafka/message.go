package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Header keys set on every published message
const (
	HeaderEventType     = "event_type"
	HeaderTenantID      = "tenant_id"
	HeaderSchemaVersion = "schema_version"
	HeaderTraceParent   = "traceparent"
	HeaderTraceState    = "tracestate"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// Decode unmarshals the JSON value into v
func (m *IncomingMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return Permanent(err)
	}
	return nil
}

// TraceContext continues the producer's trace when the message carries one
func (m *IncomingMessage) TraceContext(ctx context.Context) context.Context {
	if tp := m.Headers[HeaderTraceParent]; tp != "" {
		return tracing.ContextWithRemoteParent(ctx, tp, m.Headers[HeaderTraceState])
	}
	return ctx
}

// Message is one outgoing record. Value is marshalled as JSON.
type Message struct {
	Key     string
	Value   any
	Headers map[string]string
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that redelivery cannot fix. The consumer
// logs and commits such messages instead of retrying them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
