package domain

import (
	"fmt"
	"time"
)

// StagePolicy configures one stage: how long a sequence dwells in it and
// which channel carries the stage's touchpoint.
type StagePolicy struct {
	Dwell   time.Duration
	Channel Channel
}

// CampaignPolicy is the per-SequenceType configuration record, resolved once at startup.
type CampaignPolicy struct {
	Type          SequenceType
	Stages        []StagePolicy
	AbandonAfter  time.Duration
	MaxRetries    int
	MinScore      float64
	ServiceTypes  []string
	AutoEnroll    bool
	ValuePerTouch float64
}

// StageCount is N for the campaign.
func (p CampaignPolicy) StageCount() int {
	return len(p.Stages)
}

// Stage returns the policy for a 1-based stage number.
func (p CampaignPolicy) Stage(n int) (StagePolicy, bool) {
	if n < 1 || n > len(p.Stages) {
		return StagePolicy{}, false
	}
	return p.Stages[n-1], true
}

// Validate rejects policies the engine cannot run.
func (p CampaignPolicy) Validate() error {
	if _, err := ParseSequenceType(string(p.Type)); err != nil {
		return err
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("campaign %s: stage table is empty", p.Type)
	}
	for i, st := range p.Stages {
		if st.Dwell <= 0 {
			return fmt.Errorf("campaign %s: stage %d dwell must be positive", p.Type, i+1)
		}
		if _, err := ParseChannel(string(st.Channel)); err != nil {
			return fmt.Errorf("campaign %s: stage %d: %w", p.Type, i+1, err)
		}
	}
	if p.AbandonAfter <= 0 {
		return fmt.Errorf("campaign %s: abandonAfter must be positive", p.Type)
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("campaign %s: maxRetries must be at least 1", p.Type)
	}
	return nil
}

// Qualifies reports whether a lead with the given score may be enrolled.
func (p CampaignPolicy) Qualifies(lead Lead, score float64) bool {
	if score < p.MinScore {
		return false
	}
	if len(p.ServiceTypes) == 0 {
		return true
	}
	for _, st := range p.ServiceTypes {
		if st == lead.ServiceType {
			return true
		}
	}
	return false
}

// Action is what the engine should do with a sequence on this tick.
type Action int

const (
	ActionWait Action = iota
	ActionConvert
	ActionAdvance
	ActionComplete
	ActionAbandon
)

func (a Action) String() string {
	switch a {
	case ActionConvert:
		return "convert"
	case ActionAdvance:
		return "advance"
	case ActionComplete:
		return "complete"
	case ActionAbandon:
		return "abandon"
	default:
		return "wait"
	}
}

// Decide applies the transition rule to an active sequence. Conversion wins
// over everything; the abandonment ceiling applies only when nothing else is due.
func (p CampaignPolicy) Decide(seq FollowUpSequence, lead Lead, now time.Time) Action {
	if seq.Status != StatusActive {
		return ActionWait
	}
	if lead.Converted() {
		return ActionConvert
	}

	stage, ok := p.Stage(seq.CurrentStage)
	if !ok {
		// Stage table shrank under a running sequence; nothing left to send.
		return ActionComplete
	}

	due := now.Sub(seq.LastAdvancedAt) >= stage.Dwell
	switch {
	case due && seq.CurrentStage < p.StageCount():
		return ActionAdvance
	case due:
		return ActionComplete
	case p.AbandonAfter > 0 && now.Sub(seq.StartedAt) > p.AbandonAfter:
		return ActionAbandon
	default:
		return ActionWait
	}
}
