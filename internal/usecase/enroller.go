package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports"
)

// EnrollResult summarises one qualification pass.
type EnrollResult struct {
	Campaign  domain.SequenceType `json:"campaign"`
	Examined  int                 `json:"examined"`
	Enrolled  int                 `json:"enrolled"`
	ScoreMiss int                 `json:"scoreFailures"`
}

// Enroller creates sequences for leads that qualify for a campaign.
type Enroller struct {
	store    ports.LeadStore
	scorer   ports.Scorer
	clock    ports.Clock
	policies map[domain.SequenceType]domain.CampaignPolicy
	logger   *slog.Logger
}

// NewEnroller wires the enroller; scorer may be nil, in which case CRM scores are used as-is.
func NewEnroller(store ports.LeadStore, scorer ports.Scorer, clock ports.Clock, policies map[domain.SequenceType]domain.CampaignPolicy, logger *slog.Logger) *Enroller {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Enroller{store: store, scorer: scorer, clock: clock, policies: policies, logger: logger}
}

// Enroll starts an active(stage=1) sequence for every unenrolled qualifying lead.
func (e *Enroller) Enroll(ctx context.Context, seqType domain.SequenceType) (EnrollResult, error) {
	result := EnrollResult{Campaign: seqType}

	policy, ok := e.policies[seqType]
	if !ok {
		return result, fmt.Errorf("%w: %s", domain.ErrUnknownSequenceType, seqType)
	}

	leads, err := e.store.ListUnenrolledLeads(ctx, seqType)
	if err != nil {
		return result, fmt.Errorf("list unenrolled leads: %w", err)
	}

	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++

		if lead.Converted() {
			continue
		}

		score := lead.Score
		if score == 0 && e.scorer != nil {
			scored, err := e.scorer.Score(ctx, lead)
			if err != nil {
				result.ScoreMiss++
				e.logger.Warn("score lead", "lead", lead.ID, "error", err)
				continue
			}
			score = scored
		}

		if !policy.Qualifies(lead, score) {
			continue
		}

		seq := domain.NewFollowUpSequence(ulid.Make().String(), lead.ID, seqType, e.clock.Now())
		created, err := e.store.CreateSequence(ctx, seq)
		if err != nil {
			return result, fmt.Errorf("enroll lead %s: %w", lead.ID, err)
		}
		if !created {
			e.logger.Debug("lead already enrolled", "lead", lead.ID, "campaign", seqType)
			continue
		}
		result.Enrolled++
	}

	if result.Enrolled > 0 {
		e.logger.Info("leads enrolled", "campaign", seqType, "enrolled", result.Enrolled, "examined", result.Examined)
	}
	return result, nil
}
