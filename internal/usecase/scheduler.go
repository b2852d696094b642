package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/guard"
	"LeadNurture/internal/memory"
	"LeadNurture/internal/metrics"
	"LeadNurture/internal/ports"
)

// DefaultTickInterval is the hot-lead cadence.
const DefaultTickInterval = 45 * time.Minute

// CampaignRunner executes one engine pass.
type CampaignRunner interface {
	Run(ctx context.Context, seqType domain.SequenceType) (RunResult, error)
	Policy(seqType domain.SequenceType) (domain.CampaignPolicy, bool)
}

// CampaignEnroller creates sequences for newly qualified leads.
type CampaignEnroller interface {
	Enroll(ctx context.Context, seqType domain.SequenceType) (EnrollResult, error)
}

// PauseGate is the circuit breaker consulted before new runs start.
type PauseGate interface {
	IsPaused() bool
	Stats() memory.Stats
}

// SchedulerDeps wires collaborators into the scheduler.
type SchedulerDeps struct {
	Driver    ports.Driver
	Runner    CampaignRunner
	Enroller  CampaignEnroller
	Guard     *guard.Guard
	Memory    PauseGate
	Metrics   *metrics.Recorder
	Notifier  ports.Notifier
	Clock     ports.Clock
	Logger    *slog.Logger
	Campaigns []domain.SequenceType
	Interval  time.Duration
	// Cooldown separates consecutive campaigns within one tick.
	Cooldown time.Duration
}

// TriggerStatus is the synchronous answer to a manual trigger.
type TriggerStatus string

const (
	TriggerAccepted    TriggerStatus = "accepted"
	TriggerConflict    TriggerStatus = "conflict"
	TriggerRateLimited TriggerStatus = "rate_limited"
	TriggerPaused      TriggerStatus = "memory_paused"
	TriggerFailed      TriggerStatus = "failed"
)

// TriggerResult reports what happened to a trigger request.
type TriggerResult struct {
	Status            TriggerStatus `json:"status"`
	RetryAfterSeconds int           `json:"retryAfterSeconds,omitempty"`
	Result            *RunResult    `json:"result,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// TickReport describes one scheduler tick.
type TickReport struct {
	Skipped bool
	Runs    []TriggerResult
}

// Health summarises whether the scheduler needs attention.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
}

// Status is the operator-facing snapshot.
type Status struct {
	Running         bool                                   `json:"running"`
	RunCount        int                                    `json:"runCount"`
	Metrics         metrics.Totals                         `json:"metrics"`
	StartedAt       *time.Time                             `json:"startedAt,omitempty"`
	LastRunTime     *time.Time                             `json:"lastRunTime,omitempty"`
	NextRunTime     *time.Time                             `json:"nextRunTime,omitempty"`
	IntervalSeconds int                                    `json:"intervalSeconds"`
	Campaigns       []domain.SequenceType                  `json:"campaigns"`
	LastRun         *metrics.RunSummary                    `json:"lastRun,omitempty"`
	RecentRuns      []metrics.RunSummary                   `json:"recentRuns"`
	Memory          memory.Stats                           `json:"memory"`
	Executions      map[domain.SequenceType]guard.Snapshot `json:"executions"`
	Health          Health                                 `json:"health"`
}

// Scheduler is the periodic trigger loop over all configured campaigns.
type Scheduler struct {
	driver    ports.Driver
	runner    CampaignRunner
	enroller  CampaignEnroller
	guard     *guard.Guard
	memory    PauseGate
	metrics   *metrics.Recorder
	notifier  ports.Notifier
	clock     ports.Clock
	logger    *slog.Logger
	campaigns []domain.SequenceType
	interval  time.Duration
	cooldown  time.Duration

	tickMu sync.Mutex

	mu          sync.RWMutex
	running     bool
	startedAt   time.Time
	lastRunTime time.Time
	nextRunTime time.Time
}

// NewScheduler returns a scheduler; call Validate or Start to surface configuration errors.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	s := &Scheduler{
		driver:    deps.Driver,
		runner:    deps.Runner,
		enroller:  deps.Enroller,
		guard:     deps.Guard,
		memory:    deps.Memory,
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger:    deps.Logger,
		campaigns: deps.Campaigns,
		interval:  deps.Interval,
		cooldown:  deps.Cooldown,
	}
	if s.clock == nil {
		s.clock = ports.SystemClock{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRecorder(metrics.DefaultHistory)
	}
	if s.guard == nil {
		s.guard = guard.New(guard.DefaultMinInterval, s.clock, s.logger)
	}
	if s.interval <= 0 {
		s.interval = DefaultTickInterval
	}
	return s
}

// Validate fails fast on configuration the loop could never run.
func (s *Scheduler) Validate() error {
	if s.runner == nil {
		return errors.New("scheduler has no campaign runner")
	}
	if len(s.campaigns) == 0 {
		return errors.New("scheduler has no campaigns configured")
	}
	for _, c := range s.campaigns {
		if _, ok := s.runner.Policy(c); !ok {
			return fmt.Errorf("campaign %s has no stage table: %w", c, domain.ErrUnknownSequenceType)
		}
	}
	return nil
}

// Start validates configuration and registers Tick with the driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.driver == nil {
		return errors.New("scheduler has no driver")
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.running = true
	s.startedAt = now
	s.nextRunTime = now.Add(s.interval)
	s.mu.Unlock()

	if err := s.driver.Start(ctx, func(time.Time) { s.Tick(ctx) }); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("start driver: %w", err)
	}

	s.logger.Info("scheduler started", "campaigns", s.campaigns, "interval", s.interval)
	return nil
}

// Stop halts the driver; in-flight ticks finish on their own.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}

// Tick runs every configured campaign once, sequentially, unless memory is under pressure.
// Overlapping ticks are dropped.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	if !s.tickMu.TryLock() {
		s.logger.Warn("previous tick still running, skipping")
		return TickReport{Skipped: true}
	}
	defer s.tickMu.Unlock()

	s.metrics.RecordTick()

	if s.paused() {
		s.metrics.RecordSkippedTick()
		s.logger.Warn("memory pressure, skipping tick", "heap_used_mb", s.memory.Stats().HeapUsedMB)
		s.markRun()
		return TickReport{Skipped: true}
	}

	report := TickReport{}
	for i, campaign := range s.campaigns {
		if i > 0 && !s.wait(ctx, s.cooldown) {
			break
		}
		report.Runs = append(report.Runs, s.runCampaign(ctx, campaign, "scheduled"))
	}

	s.markRun()
	s.publishDigest(ctx, report)
	return report
}

// Trigger runs one campaign on operator request and answers synchronously.
func (s *Scheduler) Trigger(ctx context.Context, campaign domain.SequenceType) (TriggerResult, error) {
	if s.runner == nil {
		return TriggerResult{}, errors.New("scheduler has no campaign runner")
	}
	if _, ok := s.runner.Policy(campaign); !ok {
		return TriggerResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownSequenceType, campaign)
	}
	if s.paused() {
		return TriggerResult{Status: TriggerPaused}, nil
	}
	return s.runCampaign(ctx, campaign, "manual"), nil
}

func (s *Scheduler) runCampaign(ctx context.Context, campaign domain.SequenceType, trigger string) TriggerResult {
	var (
		result RunResult
		runErr error
	)

	decision, _ := s.guard.Run(ctx, campaign, func(ctx context.Context) error {
		if s.enroller != nil {
			if policy, ok := s.runner.Policy(campaign); ok && policy.AutoEnroll {
				if _, err := s.enroller.Enroll(ctx, campaign); err != nil {
					s.logger.Error("enroll leads", "campaign", campaign, "error", err)
				}
			}
		}
		result, runErr = s.runner.Run(ctx, campaign)
		s.recordRun(campaign, trigger, result, runErr)
		return runErr
	})

	if !decision.Acquired {
		s.metrics.RecordDenial()
		s.logger.Info("campaign run denied",
			"campaign", campaign, "trigger", trigger, "reason", decision.Reason, "retry_after_s", decision.RetryAfterSeconds)
		if decision.Reason == guard.ReasonRateLimited {
			return TriggerResult{Status: TriggerRateLimited, RetryAfterSeconds: decision.RetryAfterSeconds}
		}
		return TriggerResult{Status: TriggerConflict}
	}

	if runErr != nil {
		s.logger.Error("campaign run failed", "campaign", campaign, "trigger", trigger, "error", runErr)
		return TriggerResult{Status: TriggerFailed, Error: runErr.Error()}
	}
	return TriggerResult{Status: TriggerAccepted, Result: &result}
}

func (s *Scheduler) recordRun(campaign domain.SequenceType, trigger string, result RunResult, runErr error) {
	summary := metrics.RunSummary{
		ID:           uuid.NewString(),
		Campaign:     string(campaign),
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
		Trigger:      trigger,
		Evaluated:    result.TotalEvaluated,
		Advanced:     result.Advanced,
		Converted:    result.Converted,
		MessagesSent: result.MessagesSent,
		SendFailures: result.SendFailures,
		Revenue:      result.EstimatedRevenue,
		Errors:       len(result.Errors),
		Aborted:      result.Aborted,
	}
	if summary.FinishedAt.IsZero() {
		summary.FinishedAt = s.clock.Now()
	}
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	if runErr != nil {
		summary.Failure = runErr.Error()
	}
	s.metrics.RecordRun(summary)
}

// Status builds the operator snapshot from live state.
func (s *Scheduler) Status() Status {
	totals, history := s.metrics.Snapshot()
	now := s.clock.Now()

	s.mu.RLock()
	st := Status{
		Running:         s.running,
		RunCount:        totals.RunCount,
		Metrics:         totals,
		IntervalSeconds: int(s.interval.Seconds()),
		Campaigns:       s.campaigns,
		RecentRuns:      history,
		Executions:      s.guard.Snapshot(),
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.lastRunTime.IsZero() {
		t := s.lastRunTime
		st.LastRunTime = &t
	}
	if !s.nextRunTime.IsZero() {
		t := s.nextRunTime
		st.NextRunTime = &t
	}
	s.mu.RUnlock()

	if len(history) > 0 {
		last := history[len(history)-1]
		st.LastRun = &last
	}
	if s.memory != nil {
		st.Memory = s.memory.Stats()
	}
	st.Health = s.health(st, now)
	return st
}

func (s *Scheduler) health(st Status, now time.Time) Health {
	var issues []string
	if !st.Running {
		issues = append(issues, "scheduler is not running")
	}
	if st.Running && st.NextRunTime != nil && now.After(st.NextRunTime.Add(s.interval)) {
		issues = append(issues, fmt.Sprintf("scheduler overdue: next run was due at %s", st.NextRunTime.Format(time.RFC3339)))
	}
	if st.Memory.IsPaused {
		issues = append(issues, fmt.Sprintf("memory pressure: %.0fMB used, scheduled work paused", st.Memory.HeapUsedMB))
	}
	if st.LastRun != nil {
		if st.LastRun.Failure != "" {
			issues = append(issues, fmt.Sprintf("last %s run failed: %s", st.LastRun.Campaign, st.LastRun.Failure))
		}
		if st.LastRun.Aborted {
			issues = append(issues, fmt.Sprintf("last %s run hit its time ceiling", st.LastRun.Campaign))
		}
	}
	if issues == nil {
		issues = []string{}
	}
	return Health{Healthy: len(issues) == 0, Issues: issues}
}

func (s *Scheduler) paused() bool {
	return s.memory != nil && s.memory.IsPaused()
}

func (s *Scheduler) markRun() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastRunTime = now
	s.nextRunTime = now.Add(s.interval)
	s.mu.Unlock()
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) publishDigest(ctx context.Context, report TickReport) {
	if s.notifier == nil || len(report.Runs) == 0 {
		return
	}
	if err := s.notifier.PublishDigest(ctx, buildDigestMessage(report)); err != nil {
		s.logger.Warn("publish digest", "error", err)
	}
}

func buildDigestMessage(report TickReport) string {
	var b strings.Builder
	b.WriteString("Campaign tick summary\n")
	for _, run := range report.Runs {
		if run.Result == nil {
			fmt.Fprintf(&b, "- %s\n", run.Status)
			continue
		}
		r := run.Result
		fmt.Fprintf(&b, "- %s: evaluated %d, advanced %d, converted %d, messages %d, errors %d, est. revenue %.2f\n",
			r.Campaign, r.TotalEvaluated, r.Advanced, r.Converted, r.MessagesSent, len(r.Errors), r.EstimatedRevenue)
	}
	return b.String()
}
