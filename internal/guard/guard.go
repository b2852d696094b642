// Package guard implements the idempotency and rate-limit gate that protects
// campaign execution. State is per-process; running several instances needs an
// external lease instead.
package guard

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports"
)

// DefaultMinInterval is the minimum spacing between two starts of the same campaign.
const DefaultMinInterval = 5 * time.Minute

// Reason explains a denied acquisition.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonInProgress  Reason = "in_progress"
	ReasonRateLimited Reason = "rate_limited"
)

// Decision is the outcome of TryAcquire.
type Decision struct {
	Acquired          bool
	Reason            Reason
	RetryAfterSeconds int
}

type record struct {
	lastStartedAt time.Time
	inProgress    bool
}

// Guard is safe for concurrent use by the scheduler and manual triggers.
type Guard struct {
	mu          sync.Mutex
	records     map[domain.SequenceType]*record
	minInterval time.Duration
	clock       ports.Clock
	logger      *slog.Logger
}

// New builds a guard; a non-positive interval falls back to DefaultMinInterval.
func New(minInterval time.Duration, clock ports.Clock, logger *slog.Logger) *Guard {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{
		records:     map[domain.SequenceType]*record{},
		minInterval: minInterval,
		clock:       clock,
		logger:      logger,
	}
}

// TryAcquire checks mutual exclusion first, then the rate limit.
func (g *Guard) TryAcquire(campaign domain.SequenceType) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[campaign]
	if !ok {
		rec = &record{}
		g.records[campaign] = rec
	}

	if rec.inProgress {
		g.logger.Debug("campaign already running", "campaign", campaign)
		return Decision{Reason: ReasonInProgress}
	}

	now := g.clock.Now()
	if !rec.lastStartedAt.IsZero() {
		if elapsed := now.Sub(rec.lastStartedAt); elapsed < g.minInterval {
			wait := g.minInterval - elapsed
			g.logger.Debug("campaign rate limited", "campaign", campaign, "retry_after", wait)
			return Decision{Reason: ReasonRateLimited, RetryAfterSeconds: retrySeconds(wait)}
		}
	}

	rec.inProgress = true
	rec.lastStartedAt = now
	return Decision{Acquired: true}
}

// Release clears the in-progress flag. Releasing an idle campaign is a no-op.
func (g *Guard) Release(campaign domain.SequenceType) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[campaign]; ok {
		rec.inProgress = false
	}
}

// Run acquires, executes fn, and releases on every exit path including panics.
// fn is not called when the decision is a denial.
func (g *Guard) Run(ctx context.Context, campaign domain.SequenceType, fn func(context.Context) error) (Decision, error) {
	decision := g.TryAcquire(campaign)
	if !decision.Acquired {
		return decision, nil
	}
	defer g.Release(campaign)

	return decision, fn(ctx)
}

// Snapshot is the externally visible state of one campaign record.
type Snapshot struct {
	LastStartedAt time.Time `json:"lastStartedAt"`
	InProgress    bool      `json:"inProgress"`
}

// Snapshot copies the current execution records.
func (g *Guard) Snapshot() map[domain.SequenceType]Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[domain.SequenceType]Snapshot, len(g.records))
	for k, rec := range g.records {
		out[k] = Snapshot{LastStartedAt: rec.lastStartedAt, InProgress: rec.inProgress}
	}
	return out
}

func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
