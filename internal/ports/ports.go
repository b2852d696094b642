package ports

import (
	"context"
	"time"

	"LeadNurture/internal/domain"
)

// LeadStore reads leads and persists follow-up sequences with their activity ledger.
type LeadStore interface {
	ListActiveSequences(ctx context.Context, seqType domain.SequenceType) ([]domain.FollowUpSequence, error)
	Sequence(ctx context.Context, id string) (domain.FollowUpSequence, error)
	SaveSequence(ctx context.Context, seq domain.FollowUpSequence) error
	// CreateSequence inserts a new sequence. It reports false, without error,
	// when the lead already has a sequence of the same type.
	CreateSequence(ctx context.Context, seq domain.FollowUpSequence) (bool, error)
	AppendActivity(ctx context.Context, activity domain.StageActivity) error
	Activities(ctx context.Context, sequenceID string) ([]domain.StageActivity, error)
	Lead(ctx context.Context, id string) (domain.Lead, error)
	SaveLead(ctx context.Context, lead domain.Lead) error
	ListUnenrolledLeads(ctx context.Context, seqType domain.SequenceType) ([]domain.Lead, error)
}

// Messenger delivers one touchpoint. Errors wrapping domain.ErrPermanentDelivery
// must not be retried.
type Messenger interface {
	Send(ctx context.Context, tp domain.Touchpoint) (domain.Receipt, error)
}

// Composer drafts the body of a touchpoint message.
type Composer interface {
	Compose(ctx context.Context, tp domain.Touchpoint) (string, error)
}

// Scorer provides a quality score for leads the CRM has not scored yet.
type Scorer interface {
	Score(ctx context.Context, lead domain.Lead) (float64, error)
}

// Notifier streams scheduler digests to operators.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Driver controls when scheduler ticks fire.
type Driver interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}

// Clock abstracts wall time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
