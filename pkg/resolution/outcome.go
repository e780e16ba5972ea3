package resolution

import (
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/policy"
)

// Status is the externally visible result of one resolve
type Status string

const (
	StatusAutoLinked    Status = "auto_linked"
	StatusPendingReview Status = "pending_review"
	StatusConflict      Status = "conflict"
	StatusUnlinked      Status = "unlinked"
	StatusSuperseded    Status = "superseded"
)

// Outcome describes where an account ended up
type Outcome struct {
	Status      Status                     `json:"status"`
	Link        models.ExternalAccountLink `json:"link"`
	Person      models.Person              `json:"person"`
	ReviewEntry *models.ReviewQueueEntry   `json:"review_entry,omitempty"`
	Method      models.MatchMethod         `json:"method"`
	Confidence  float64                    `json:"confidence"`
	Options     []models.ScoredCandidate   `json:"options,omitempty"`
	Reason      string                     `json:"reason,omitempty"`

	// Replayed is set when the draft matched what was already stored and no decision was made
	Replayed bool `json:"replayed"`
}

func statusOf(kind policy.Kind) Status {
	switch kind {
	case policy.KindAutoLink:
		return StatusAutoLinked
	case policy.KindQueue:
		return StatusPendingReview
	case policy.KindConflict:
		return StatusConflict
	}
	return StatusUnlinked
}

func newOutcome(status Status, link *models.ExternalAccountLink, person *models.Person, d policy.Decision) *Outcome {
	return &Outcome{
		Status:     status,
		Link:       *link,
		Person:     *person,
		Method:     link.MatchMethod,
		Confidence: link.Confidence(),
		Options:    d.Options,
		Reason:     d.Reason,
	}
}
