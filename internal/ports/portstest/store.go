package portstest

import (
	"context"
	"sync"

	"LeadNurture/internal/domain"
)

// Store is an in-memory LeadStore.
type Store struct {
	mu         sync.Mutex
	leads      map[string]domain.Lead
	sequences  map[string]domain.FollowUpSequence
	activities map[string][]domain.StageActivity

	// ListErr, when set, fails ListActiveSequences.
	ListErr error
}

func NewStore() *Store {
	return &Store{
		leads:      map[string]domain.Lead{},
		sequences:  map[string]domain.FollowUpSequence{},
		activities: map[string][]domain.StageActivity{},
	}
}

func (s *Store) ListActiveSequences(_ context.Context, seqType domain.SequenceType) ([]domain.FollowUpSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []domain.FollowUpSequence
	for _, seq := range s.sequences {
		if seq.Type == seqType && seq.Status == domain.StatusActive {
			out = append(out, seq)
		}
	}
	return out, nil
}

func (s *Store) Sequence(_ context.Context, id string) (domain.FollowUpSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return domain.FollowUpSequence{}, domain.ErrSequenceNotFound
	}
	return seq, nil
}

func (s *Store) SaveSequence(_ context.Context, seq domain.FollowUpSequence) error {
	s.mu.Lock()
	s.sequences[seq.ID] = seq
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateSequence(_ context.Context, seq domain.FollowUpSequence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sequences {
		if existing.LeadID == seq.LeadID && existing.Type == seq.Type {
			return false, nil
		}
	}
	s.sequences[seq.ID] = seq
	return true, nil
}

func (s *Store) AppendActivity(_ context.Context, activity domain.StageActivity) error {
	s.mu.Lock()
	s.activities[activity.SequenceID] = append(s.activities[activity.SequenceID], activity)
	s.mu.Unlock()
	return nil
}

func (s *Store) Activities(_ context.Context, sequenceID string) ([]domain.StageActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StageActivity(nil), s.activities[sequenceID]...), nil
}

func (s *Store) Lead(_ context.Context, id string) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return domain.Lead{}, domain.ErrLeadNotFound
	}
	return lead, nil
}

func (s *Store) SaveLead(_ context.Context, lead domain.Lead) error {
	s.mu.Lock()
	s.leads[lead.ID] = lead
	s.mu.Unlock()
	return nil
}

func (s *Store) ListUnenrolledLeads(_ context.Context, seqType domain.SequenceType) ([]domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enrolled := map[string]bool{}
	for _, seq := range s.sequences {
		if seq.Type == seqType {
			enrolled[seq.LeadID] = true
		}
	}
	var out []domain.Lead
	for _, lead := range s.leads {
		if !enrolled[lead.ID] {
			out = append(out, lead)
		}
	}
	return out, nil
}

// Messenger records touchpoints and optionally fails or stalls them.
type Messenger struct {
	mu   sync.Mutex
	sent []domain.Touchpoint

	// Fail decides the error for a touchpoint; nil means deliver.
	Fail func(domain.Touchpoint) error
	// Block, when non-nil, is waited on before each send returns.
	Block   chan struct{}
	Receipt domain.Receipt
}

func (m *Messenger) Send(ctx context.Context, tp domain.Touchpoint) (domain.Receipt, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return domain.Receipt{}, ctx.Err()
		}
	}
	if m.Fail != nil {
		if err := m.Fail(tp); err != nil {
			return domain.Receipt{}, err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, tp)
	m.mu.Unlock()
	return m.Receipt, nil
}

// Sent returns delivered touchpoints in delivery order.
func (m *Messenger) Sent() []domain.Touchpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Touchpoint(nil), m.sent...)
}
