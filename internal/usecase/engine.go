package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports"
)

const (
	defaultSendTimeout = 30 * time.Second
	defaultRunTimeout  = 20 * time.Minute
)

// EngineDeps wires the driven adapters and campaign policies into the engine.
type EngineDeps struct {
	Store       ports.LeadStore
	Messenger   ports.Messenger
	Clock       ports.Clock
	Logger      *slog.Logger
	Policies    map[domain.SequenceType]domain.CampaignPolicy
	SendTimeout time.Duration
	RunTimeout  time.Duration
	// Concurrency bounds parallel sequence evaluation; values below 1 mean sequential.
	Concurrency int
}

// RunError ties a failure to the sequence it happened on.
type RunError struct {
	SequenceID string `json:"sequenceId"`
	LeadID     string `json:"leadId"`
	Message    string `json:"error"`
	Err        error  `json:"-"`
}

func (e RunError) Error() string {
	return fmt.Sprintf("sequence %s: %s", e.SequenceID, e.Message)
}

func (e RunError) Unwrap() error {
	return e.Err
}

// RunResult aggregates one engine pass over a campaign.
type RunResult struct {
	Campaign         domain.SequenceType `json:"campaign"`
	StartedAt        time.Time           `json:"startedAt"`
	FinishedAt       time.Time           `json:"finishedAt"`
	TotalEvaluated   int                 `json:"totalEvaluated"`
	Advanced         int                 `json:"advanced"`
	Converted        int                 `json:"converted"`
	Completed        int                 `json:"completed"`
	Abandoned        int                 `json:"abandoned"`
	MessagesSent     int                 `json:"messagesSent"`
	SendFailures     int                 `json:"sendFailures"`
	EstimatedRevenue float64             `json:"estimatedRevenue"`
	Aborted          bool                `json:"aborted"`
	Errors           []RunError          `json:"errors"`
}

// Engine advances follow-up sequences. Sequences claimed by one caller are
// skipped by every other caller until released, so a stage is sent at most once.
type Engine struct {
	store       ports.LeadStore
	messenger   ports.Messenger
	clock       ports.Clock
	logger      *slog.Logger
	policies    map[domain.SequenceType]domain.CampaignPolicy
	sendTimeout time.Duration
	runTimeout  time.Duration
	concurrency int

	claimMu sync.Mutex
	claimed map[string]struct{}
}

// NewEngine constructs the sequence engine.
func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		store:       deps.Store,
		messenger:   deps.Messenger,
		clock:       deps.Clock,
		logger:      deps.Logger,
		policies:    deps.Policies,
		sendTimeout: deps.SendTimeout,
		runTimeout:  deps.RunTimeout,
		concurrency: deps.Concurrency,
		claimed:     map[string]struct{}{},
	}
	if e.clock == nil {
		e.clock = ports.SystemClock{}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.sendTimeout <= 0 {
		e.sendTimeout = defaultSendTimeout
	}
	if e.runTimeout <= 0 {
		e.runTimeout = defaultRunTimeout
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	return e
}

// Policy returns the configuration record for a campaign.
func (e *Engine) Policy(seqType domain.SequenceType) (domain.CampaignPolicy, bool) {
	p, ok := e.policies[seqType]
	return p, ok
}

// Run evaluates every active sequence of the campaign once, oldest first.
// Per-sequence failures land in RunResult.Errors; only a failure to list
// sequences is returned as an error.
func (e *Engine) Run(ctx context.Context, seqType domain.SequenceType) (RunResult, error) {
	result := RunResult{Campaign: seqType, StartedAt: e.clock.Now()}

	policy, ok := e.policies[seqType]
	if !ok {
		return result, fmt.Errorf("%w: %s", domain.ErrUnknownSequenceType, seqType)
	}
	if e.store == nil || e.messenger == nil {
		return result, fmt.Errorf("engine is not wired with a store and messenger")
	}

	sequences, err := e.store.ListActiveSequences(ctx, seqType)
	if err != nil {
		return result, fmt.Errorf("list active sequences: %w", err)
	}
	sequences = dedupeInOrder(sequences)

	runCtx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)

	for _, seq := range sequences {
		if runCtx.Err() != nil {
			result.Aborted = true
			break
		}
		if !e.claim(seq.ID) {
			e.logger.Debug("sequence busy, skipping", "sequence", seq.ID)
			continue
		}

		g.Go(func() error {
			defer e.release(seq.ID)
			// In-flight evaluations finish even if the run deadline passes; the
			// send timeout bounds them.
			out := e.evaluate(context.WithoutCancel(runCtx), policy, seq)

			mu.Lock()
			result.merge(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Aborted = true
	}
	result.FinishedAt = e.clock.Now()

	e.logger.Info("campaign run finished",
		"campaign", seqType,
		"evaluated", result.TotalEvaluated,
		"advanced", result.Advanced,
		"converted", result.Converted,
		"messages", result.MessagesSent,
		"errors", len(result.Errors),
		"aborted", result.Aborted,
	)
	return result, nil
}

// outcome is the effect of evaluating a single sequence.
type outcome struct {
	skipped   bool
	converted bool
	sent      bool
	failed    bool
	completed bool
	abandoned bool
	revenue   float64
	err       *RunError
}

func (r *RunResult) merge(o outcome) {
	if o.skipped {
		return
	}
	r.TotalEvaluated++
	if o.converted {
		r.Converted++
	}
	if o.sent {
		r.Advanced++
		r.MessagesSent++
	}
	if o.failed {
		r.SendFailures++
	}
	if o.completed {
		r.Completed++
	}
	if o.abandoned {
		r.Abandoned++
	}
	r.EstimatedRevenue += o.revenue
	if o.err != nil {
		r.Errors = append(r.Errors, *o.err)
	}
}

func (e *Engine) evaluate(ctx context.Context, policy domain.CampaignPolicy, seq domain.FollowUpSequence) outcome {
	// The listed copy may predate a concurrent caller's write.
	fresh, err := e.store.Sequence(ctx, seq.ID)
	if err != nil {
		return outcome{err: runError(seq, fmt.Errorf("reload sequence: %w", err))}
	}
	seq = fresh
	if seq.Status != domain.StatusActive {
		return outcome{skipped: true}
	}

	log := e.logger.With("sequence", seq.ID, "lead", seq.LeadID, "stage", seq.CurrentStage)

	lead, err := e.store.Lead(ctx, seq.LeadID)
	if err != nil {
		out := outcome{err: runError(seq, fmt.Errorf("load lead: %w", err))}
		if errors.Is(err, domain.ErrLeadNotFound) {
			log.Warn("lead missing, abandoning sequence")
			if abandonErr := seq.Abandon(); abandonErr == nil {
				if saveErr := e.store.SaveSequence(ctx, seq); saveErr != nil {
					out.err = runError(seq, fmt.Errorf("abandon orphaned sequence: %w", saveErr))
				} else {
					out.abandoned = true
				}
			}
		}
		return out
	}

	now := e.clock.Now()
	action := policy.Decide(seq, lead, now)
	var out outcome

	switch action {
	case domain.ActionConvert:
		stage, _ := policy.Stage(seq.CurrentStage)
		if err := e.appendActivity(ctx, domain.StageActivity{
			SequenceID:      seq.ID,
			StageNumber:     seq.CurrentStage,
			Timestamp:       now,
			Channel:         stage.Channel,
			ConversionEvent: true,
		}); err != nil {
			out.err = runError(seq, err)
			return out
		}
		if err := seq.Convert(now, lead.ConversionValue); err != nil {
			out.err = runError(seq, err)
			return out
		}
		if err := e.store.SaveSequence(ctx, seq); err != nil {
			out.err = runError(seq, fmt.Errorf("save converted sequence: %w", err))
			return out
		}
		out.converted = true
		if seq.ConversionValue != nil {
			out.revenue = *seq.ConversionValue
		}
		log.Info("sequence converted")

	case domain.ActionAdvance:
		return e.advance(ctx, log, policy, seq, lead, now)

	case domain.ActionComplete:
		if err := seq.Complete(); err != nil {
			out.err = runError(seq, err)
			return out
		}
		if err := e.store.SaveSequence(ctx, seq); err != nil {
			out.err = runError(seq, fmt.Errorf("save completed sequence: %w", err))
			return out
		}
		out.completed = true
		log.Info("sequence completed")

	case domain.ActionAbandon:
		if err := seq.Abandon(); err != nil {
			out.err = runError(seq, err)
			return out
		}
		if err := e.store.SaveSequence(ctx, seq); err != nil {
			out.err = runError(seq, fmt.Errorf("save abandoned sequence: %w", err))
			return out
		}
		out.abandoned = true
		log.Info("sequence abandoned after ceiling", "started_at", seq.StartedAt)
	}

	return out
}

func (e *Engine) advance(ctx context.Context, log *slog.Logger, policy domain.CampaignPolicy, seq domain.FollowUpSequence, lead domain.Lead, now time.Time) outcome {
	var out outcome
	next := seq.CurrentStage + 1
	stage, _ := policy.Stage(next)

	tp := domain.Touchpoint{
		SequenceID: seq.ID,
		Type:       seq.Type,
		Stage:      next,
		Channel:    stage.Channel,
		Lead:       lead,
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	receipt, sendErr := e.messenger.Send(sendCtx, tp)
	cancel()

	if sendErr != nil {
		out.failed = true
		out.err = runError(seq, fmt.Errorf("send stage %d via %s: %w", next, stage.Channel, sendErr))

		// The failed attempt is recorded while the sequence is still non-terminal.
		if err := e.appendActivity(ctx, domain.StageActivity{
			SequenceID:  seq.ID,
			StageNumber: next,
			Timestamp:   now,
			Channel:     stage.Channel,
			Error:       sendErr.Error(),
		}); err != nil {
			log.Error("record failed attempt", "error", err)
		}

		if errors.Is(sendErr, domain.ErrChannelUnavailable) {
			log.Error("channel unavailable, sequence left for the next tick", "channel", stage.Channel, "error", sendErr)
			return out
		}

		permanent := errors.Is(sendErr, domain.ErrPermanentDelivery)
		capped := seq.RecordFailure(policy.MaxRetries)

		if permanent || capped {
			_ = seq.Abandon()
			out.abandoned = true
			log.Warn("abandoning sequence after delivery failure",
				"permanent", permanent, "attempts", seq.FailedAttempts, "error", sendErr)
		} else {
			log.Warn("delivery failed, will retry", "attempts", seq.FailedAttempts, "error", sendErr)
		}
		if err := e.store.SaveSequence(ctx, seq); err != nil {
			log.Error("save sequence after failure", "error", err)
		}
		return out
	}

	if err := seq.Advance(now, policy.StageCount()); err != nil {
		out.err = runError(seq, err)
		return out
	}
	// Sequence first: a crash between the two writes loses an audit row rather
	// than re-sending the stage.
	if err := e.store.SaveSequence(ctx, seq); err != nil {
		out.err = runError(seq, fmt.Errorf("save advanced sequence: %w", err))
		return out
	}
	out.sent = true
	out.revenue = policy.ValuePerTouch

	if err := e.appendActivity(ctx, domain.StageActivity{
		SequenceID:      seq.ID,
		StageNumber:     next,
		Timestamp:       now,
		Channel:         stage.Channel,
		EngagementScore: receipt.EngagementScore,
		Delivered:       true,
	}); err != nil {
		out.err = runError(seq, err)
	}

	log.Info("sequence advanced", "to_stage", next, "channel", stage.Channel)
	return out
}

func (e *Engine) appendActivity(ctx context.Context, activity domain.StageActivity) error {
	if activity.ID == "" {
		activity.ID = ulid.Make().String()
	}
	if err := e.store.AppendActivity(ctx, activity); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (e *Engine) claim(id string) bool {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	if _, busy := e.claimed[id]; busy {
		return false
	}
	e.claimed[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.claimMu.Lock()
	delete(e.claimed, id)
	e.claimMu.Unlock()
}

// dedupeInOrder sorts by start time and drops repeated sequence or lead IDs.
func dedupeInOrder(sequences []domain.FollowUpSequence) []domain.FollowUpSequence {
	sorted := make([]domain.FollowUpSequence, len(sequences))
	copy(sorted, sequences)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	seenSeq := make(map[string]struct{}, len(sorted))
	seenLead := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, seq := range sorted {
		if _, ok := seenSeq[seq.ID]; ok {
			continue
		}
		if _, ok := seenLead[seq.LeadID]; ok {
			continue
		}
		seenSeq[seq.ID] = struct{}{}
		seenLead[seq.LeadID] = struct{}{}
		out = append(out, seq)
	}
	return out
}

func runError(seq domain.FollowUpSequence, err error) *RunError {
	return &RunError{SequenceID: seq.ID, LeadID: seq.LeadID, Message: err.Error(), Err: err}
}
