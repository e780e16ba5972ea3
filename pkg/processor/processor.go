// Package processor turns Kafka messages into resolution runs and graph projections.
package processor

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Resolver is the part of the resolution service the draft processor drives
type Resolver interface {
	Resolve(ctx context.Context, draft models.ExternalAccountDraft) (*resolution.Outcome, error)
}

// DraftProcessor resolves the account drafts connectors publish
type DraftProcessor struct {
	logger   ectologger.Logger
	resolver Resolver
}

func NewDraftProcessor(logger ectologger.Logger, resolver Resolver) *DraftProcessor {
	return &DraftProcessor{
		logger:   logger,
		resolver: resolver,
	}
}

// ProcessMessage resolves one draft. Malformed and invalid drafts fail
// permanently; store and lock failures are returned for redelivery.
func (p *DraftProcessor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.DraftProcessor.ProcessMessage")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"key":    msg.Key,
		"topic":  msg.Topic,
		"offset": msg.Offset,
	})

	var draft models.ExternalAccountDraft
	if err := msg.Decode(&draft); err != nil {
		log.WithError(err).Error("Failed to decode account draft")
		return err
	}
	if draft.TenantID == "" {
		draft.TenantID = msg.Headers[kafka.HeaderTenantID]
	}

	log = log.WithFields(map[string]any{
		"tenant_id":   draft.TenantID,
		"system":      draft.System,
		"external_id": draft.ExternalID,
	})

	out, err := p.resolver.Resolve(ctx, draft)
	if err != nil {
		tracing.RecordError(span, err)
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			log.WithError(err).Warn("Skipping invalid account draft")
			return kafka.Permanent(err)
		}
		log.WithError(err).Error("Failed to resolve account draft")
		return err
	}

	log.WithFields(map[string]any{
		"status":    out.Status,
		"person_id": out.Person.ID,
		"replayed":  out.Replayed,
	}).Debug("Processed account draft")
	return nil
}
