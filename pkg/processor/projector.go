package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// MappingWriter stores identity mappings
type MappingWriter interface {
	Project(ctx context.Context, m graph.Mapping) error
}

// GraphProjector consumes identity events and mirrors link ownership into the graph
type GraphProjector struct {
	logger ectologger.Logger
	writer MappingWriter
}

func NewGraphProjector(logger ectologger.Logger, writer MappingWriter) *GraphProjector {
	return &GraphProjector{
		logger: logger,
		writer: writer,
	}
}

func (g *GraphProjector) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.GraphProjector.ProcessMessage")
	defer span.End()

	if t := msg.Headers[kafka.HeaderEventType]; t != "" && !events.EventType(t).IsLinkEvent() {
		metrics.GraphProjectionsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	var ev events.Event
	if err := msg.Decode(&ev); err != nil {
		g.logger.WithContext(ctx).WithError(err).Error("Failed to decode identity event")
		metrics.GraphProjectionsTotal.WithLabelValues("invalid").Inc()
		return err
	}

	m, ok := graph.MappingFromEvent(ev)
	if !ok {
		metrics.GraphProjectionsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	if err := g.writer.Project(ctx, m); err != nil {
		tracing.RecordError(span, err)
		metrics.GraphProjectionsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.GraphProjectionsTotal.WithLabelValues("success").Inc()
	return nil
}
