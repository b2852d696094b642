package usecase

import (
	"context"
	"errors"
	"fmt"

	"LeadNurture/internal/domain"
)

// ErrSequenceBusy is returned when an operator action races a running evaluation.
var ErrSequenceBusy = errors.New("sequence is being evaluated")

// SequenceDetail is a sequence together with its activity ledger.
type SequenceDetail struct {
	Sequence   domain.FollowUpSequence `json:"sequence"`
	Activities []domain.StageActivity  `json:"activities"`
}

// Sequence loads a sequence and its ledger.
func (e *Engine) Sequence(ctx context.Context, id string) (SequenceDetail, error) {
	seq, err := e.store.Sequence(ctx, id)
	if err != nil {
		return SequenceDetail{}, err
	}
	activities, err := e.store.Activities(ctx, id)
	if err != nil {
		return SequenceDetail{}, fmt.Errorf("load activities: %w", err)
	}
	return SequenceDetail{Sequence: seq, Activities: activities}, nil
}

// RecordConversion applies an externally observed conversion. A conversion
// activity is appended only while the sequence is still active, so terminal
// sequences never gain ledger rows.
func (e *Engine) RecordConversion(ctx context.Context, id string, value *float64) (domain.FollowUpSequence, error) {
	return e.mutate(ctx, id, func(seq *domain.FollowUpSequence) error {
		now := e.clock.Now()
		if seq.Status == domain.StatusActive {
			stage := domain.StagePolicy{}
			if policy, ok := e.policies[seq.Type]; ok {
				stage, _ = policy.Stage(seq.CurrentStage)
			}
			if err := seq.Convert(now, value); err != nil {
				return err
			}
			return e.appendActivity(ctx, domain.StageActivity{
				SequenceID:      seq.ID,
				StageNumber:     seq.CurrentStage,
				Timestamp:       now,
				Channel:         stage.Channel,
				ConversionEvent: true,
			})
		}
		return seq.Convert(now, value)
	})
}

// Pause suspends an active sequence.
func (e *Engine) Pause(ctx context.Context, id string) (domain.FollowUpSequence, error) {
	return e.mutate(ctx, id, func(seq *domain.FollowUpSequence) error {
		return seq.Pause()
	})
}

// Resume reactivates a paused sequence.
func (e *Engine) Resume(ctx context.Context, id string) (domain.FollowUpSequence, error) {
	return e.mutate(ctx, id, func(seq *domain.FollowUpSequence) error {
		return seq.Resume()
	})
}

func (e *Engine) mutate(ctx context.Context, id string, fn func(*domain.FollowUpSequence) error) (domain.FollowUpSequence, error) {
	if !e.claim(id) {
		return domain.FollowUpSequence{}, ErrSequenceBusy
	}
	defer e.release(id)

	seq, err := e.store.Sequence(ctx, id)
	if err != nil {
		return domain.FollowUpSequence{}, err
	}
	if err := fn(&seq); err != nil {
		return seq, err
	}
	if err := e.store.SaveSequence(ctx, seq); err != nil {
		return seq, fmt.Errorf("save sequence: %w", err)
	}

	e.logger.Info("sequence updated by operator", "sequence", seq.ID, "status", seq.Status)
	return seq, nil
}
