package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports/portstest"
)

type scoreFunc func(domain.Lead) (float64, error)

func (f scoreFunc) Score(_ context.Context, lead domain.Lead) (float64, error) {
	return f(lead)
}

func TestEnrollQualifiesLeads(t *testing.T) {
	ctx := context.Background()
	store := portstest.NewStore()
	clock := portstest.NewClock(t0)

	policy := hotLeadsPolicy()
	policy.MinScore = 70
	policy.ServiceTypes = []string{"n400", "green-card"}
	policies := map[domain.SequenceType]domain.CampaignPolicy{domain.SequenceHotLeads: policy}

	convertedAt := t0
	leads := []domain.Lead{
		{ID: "hot", Score: 90, ServiceType: "n400"},
		{ID: "cold", Score: 20, ServiceType: "n400"},
		{ID: "wrong-service", Score: 95, ServiceType: "asylum"},
		{ID: "unscored", ServiceType: "green-card"},
		{ID: "score-fails", ServiceType: "green-card"},
		{ID: "already-won", Score: 99, ServiceType: "n400", ConvertedAt: &convertedAt},
	}
	for _, l := range leads {
		require.NoError(t, store.SaveLead(ctx, l))
	}

	scorer := scoreFunc(func(l domain.Lead) (float64, error) {
		if l.ID == "score-fails" {
			return 0, errors.New("ml service unavailable")
		}
		return 75, nil
	})

	enroller := NewEnroller(store, scorer, clock, policies, nil)
	res, err := enroller.Enroll(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Examined)
	assert.Equal(t, 2, res.Enrolled)
	assert.Equal(t, 1, res.ScoreMiss)

	active, err := store.ListActiveSequences(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	got := map[string]domain.FollowUpSequence{}
	for _, s := range active {
		got[s.LeadID] = s
	}
	require.Contains(t, got, "hot")
	require.Contains(t, got, "unscored")
	assert.Equal(t, 1, got["hot"].CurrentStage)
	assert.Equal(t, t0, got["hot"].StartedAt)

	// Enrolled leads are not enrolled twice.
	res, err = enroller.Enroll(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Zero(t, res.Enrolled)
}

func TestEnrollUnknownCampaign(t *testing.T) {
	enroller := NewEnroller(portstest.NewStore(), nil, nil, nil, nil)

	_, err := enroller.Enroll(context.Background(), domain.SequenceNurture)
	require.ErrorIs(t, err, domain.ErrUnknownSequenceType)
}

// staleListing returns every lead as unenrolled, like a listing taken before
// a concurrent enrollment pass committed.
type staleListing struct {
	*portstest.Store
	leads []domain.Lead
}

func (s staleListing) ListUnenrolledLeads(context.Context, domain.SequenceType) ([]domain.Lead, error) {
	return s.leads, nil
}

func TestEnrollSkipsLeadEnrolledConcurrently(t *testing.T) {
	ctx := context.Background()
	store := portstest.NewStore()
	leads := []domain.Lead{{ID: "taken", Score: 90}, {ID: "free", Score: 90}}
	for _, l := range leads {
		require.NoError(t, store.SaveLead(ctx, l))
	}
	require.NoError(t, store.SaveSequence(ctx, domain.NewFollowUpSequence("seq-other", "taken", domain.SequenceHotLeads, t0)))

	policies := map[domain.SequenceType]domain.CampaignPolicy{domain.SequenceHotLeads: hotLeadsPolicy()}
	enroller := NewEnroller(staleListing{Store: store, leads: leads}, nil, portstest.NewClock(t0), policies, nil)

	res, err := enroller.Enroll(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Examined)
	assert.Equal(t, 1, res.Enrolled)

	active, err := store.ListActiveSequences(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	require.Len(t, active, 2)
	byLead := map[string]string{}
	for _, s := range active {
		byLead[s.LeadID] = s.ID
	}
	assert.Equal(t, "seq-other", byLead["taken"])
	assert.Contains(t, byLead, "free")
}
