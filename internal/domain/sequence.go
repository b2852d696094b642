package domain

import (
	"fmt"
	"time"
)

// SequenceType is the closed set of outreach campaigns the engine knows how to run.
type SequenceType string

const (
	SequenceHotLeads SequenceType = "hot-leads"
	SequenceN400     SequenceType = "n400"
	SequenceNurture  SequenceType = "nurture"
)

// KnownSequenceTypes lists every campaign type in a stable order.
var KnownSequenceTypes = []SequenceType{SequenceHotLeads, SequenceN400, SequenceNurture}

// ParseSequenceType validates a raw campaign name.
func ParseSequenceType(raw string) (SequenceType, error) {
	for _, t := range KnownSequenceTypes {
		if string(t) == raw {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSequenceType, raw)
}

// SequenceStatus enumerates the lifecycle of a follow-up sequence.
type SequenceStatus string

const (
	StatusActive    SequenceStatus = "active"
	StatusPaused    SequenceStatus = "paused"
	StatusCompleted SequenceStatus = "completed"
	StatusConverted SequenceStatus = "converted"
	StatusAbandoned SequenceStatus = "abandoned"
)

// Terminal reports whether no transition may leave the status.
func (s SequenceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusConverted, StatusAbandoned:
		return true
	default:
		return false
	}
}

// Channel identifies an outbound messaging channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelReddit   Channel = "reddit"
)

// KnownChannels lists supported outbound channels.
var KnownChannels = []Channel{ChannelEmail, ChannelWhatsApp, ChannelReddit}

// ParseChannel validates a raw channel name.
func ParseChannel(raw string) (Channel, error) {
	for _, c := range KnownChannels {
		if string(c) == raw {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
}

// Lead is the read-only view of a CRM lead consumed by the engine.
type Lead struct {
	ID              string
	Name            string
	Email           string
	Phone           string
	RedditUser      string
	Score           float64
	ServiceType     string
	Platform        string
	CreatedAt       time.Time
	ConvertedAt     *time.Time
	ConversionValue *float64
}

// Converted reports whether the CRM recorded a conversion for the lead.
func (l Lead) Converted() bool {
	return l.ConvertedAt != nil
}

// FollowUpSequence tracks one lead's progression through a campaign.
type FollowUpSequence struct {
	ID              string         `json:"id"`
	LeadID          string         `json:"leadId"`
	Type            SequenceType   `json:"sequenceType"`
	CurrentStage    int            `json:"currentStage"`
	Status          SequenceStatus `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	LastAdvancedAt  time.Time      `json:"lastAdvancedAt"`
	ConvertedAt     *time.Time     `json:"convertedAt,omitempty"`
	ConversionValue *float64       `json:"conversionValue,omitempty"`
	FailedAttempts  int            `json:"failedAttempts"`
}

// NewFollowUpSequence creates a sequence in active(stage=1).
func NewFollowUpSequence(id, leadID string, seqType SequenceType, now time.Time) FollowUpSequence {
	return FollowUpSequence{
		ID:             id,
		LeadID:         leadID,
		Type:           seqType,
		CurrentStage:   1,
		Status:         StatusActive,
		StartedAt:      now,
		LastAdvancedAt: now,
	}
}

// Advance moves an active sequence to the next stage after a delivered touchpoint.
func (s *FollowUpSequence) Advance(now time.Time, stageCount int) error {
	if s.Status != StatusActive {
		return fmt.Errorf("%w: advance from %s", ErrInvalidTransition, s.Status)
	}
	if s.CurrentStage >= stageCount {
		return fmt.Errorf("%w: stage %d is the last of %d", ErrInvalidTransition, s.CurrentStage, stageCount)
	}
	s.CurrentStage++
	s.LastAdvancedAt = now
	s.FailedAttempts = 0
	return nil
}

// Convert records a conversion. Allowed from active and completed only.
func (s *FollowUpSequence) Convert(now time.Time, value *float64) error {
	switch s.Status {
	case StatusActive, StatusCompleted:
	case StatusConverted, StatusAbandoned:
		return fmt.Errorf("%w: sequence is %s", ErrTerminal, s.Status)
	default:
		return fmt.Errorf("%w: convert from %s", ErrInvalidTransition, s.Status)
	}
	at := now
	s.Status = StatusConverted
	s.ConvertedAt = &at
	if value != nil {
		v := *value
		s.ConversionValue = &v
	}
	return nil
}

// Complete closes an active sequence that exhausted its last stage.
func (s *FollowUpSequence) Complete() error {
	if s.Status != StatusActive {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusCompleted
	return nil
}

// Abandon closes a non-terminal sequence without conversion.
func (s *FollowUpSequence) Abandon() error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: sequence is %s", ErrTerminal, s.Status)
	}
	s.Status = StatusAbandoned
	return nil
}

// Pause suspends an active sequence.
func (s *FollowUpSequence) Pause() error {
	if s.Status != StatusActive {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusPaused
	return nil
}

// Resume reactivates a paused sequence.
func (s *FollowUpSequence) Resume() error {
	if s.Status != StatusPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusActive
	return nil
}

// RecordFailure counts a failed delivery and reports whether the retry cap is reached.
func (s *FollowUpSequence) RecordFailure(maxRetries int) bool {
	s.FailedAttempts++
	return maxRetries > 0 && s.FailedAttempts >= maxRetries
}

// StageActivity is an append-only audit record of one touchpoint attempt.
type StageActivity struct {
	ID              string    `json:"id"`
	SequenceID      string    `json:"sequenceId"`
	StageNumber     int       `json:"stageNumber"`
	Timestamp       time.Time `json:"timestamp"`
	Channel         Channel   `json:"channel"`
	EngagementScore *float64  `json:"engagementScore,omitempty"`
	ConversionEvent bool      `json:"conversionEvent"`
	Delivered       bool      `json:"delivered"`
	Error           string    `json:"error,omitempty"`
}

// Touchpoint is a single outbound message request.
type Touchpoint struct {
	SequenceID string
	Type       SequenceType
	Stage      int
	Channel    Channel
	Lead       Lead
}

// Receipt is what a messenger reports after a successful delivery.
type Receipt struct {
	EngagementScore *float64
}
