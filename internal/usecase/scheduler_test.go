package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/guard"
	"LeadNurture/internal/memory"
	"LeadNurture/internal/metrics"
	"LeadNurture/internal/ports/portstest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubRunner struct {
	mu       sync.Mutex
	calls    []domain.SequenceType
	policies map[domain.SequenceType]domain.CampaignPolicy
	block    chan struct{}
	started  chan struct{}
	err      error
}

func newStubRunner(types ...domain.SequenceType) *stubRunner {
	r := &stubRunner{policies: map[domain.SequenceType]domain.CampaignPolicy{}}
	for _, t := range types {
		p := hotLeadsPolicy()
		p.Type = t
		r.policies[t] = p
	}
	return r
}

func (r *stubRunner) Policy(t domain.SequenceType) (domain.CampaignPolicy, bool) {
	p, ok := r.policies[t]
	return p, ok
}

func (r *stubRunner) Run(_ context.Context, t domain.SequenceType) (RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, t)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	if r.err != nil {
		return RunResult{Campaign: t, StartedAt: t0}, r.err
	}
	return RunResult{Campaign: t, StartedAt: t0, FinishedAt: t0.Add(time.Second), TotalEvaluated: 2, Advanced: 1, MessagesSent: 1}, nil
}

func (r *stubRunner) Calls() []domain.SequenceType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SequenceType(nil), r.calls...)
}

type stubGate struct {
	paused atomic.Bool
}

func (g *stubGate) IsPaused() bool { return g.paused.Load() }

func (g *stubGate) Stats() memory.Stats {
	return memory.Stats{HeapUsedMB: 3100, PauseThresholdMB: 3000, ResumeThresholdMB: 2500, IsPaused: g.paused.Load()}
}

type stubNotifier struct {
	mu      sync.Mutex
	digests []string
}

func (n *stubNotifier) PublishDigest(_ context.Context, digest string) error {
	n.mu.Lock()
	n.digests = append(n.digests, digest)
	n.mu.Unlock()
	return nil
}

type stubDriver struct {
	mu      sync.Mutex
	job     func(time.Time)
	stopped bool
}

func (d *stubDriver) Start(_ context.Context, job func(time.Time)) error {
	d.mu.Lock()
	d.job = job
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) Stop(context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) fire(now time.Time) {
	d.mu.Lock()
	job := d.job
	d.mu.Unlock()
	job(now)
}

type schedulerFixture struct {
	runner   *stubRunner
	gate     *stubGate
	notifier *stubNotifier
	driver   *stubDriver
	clock    *portstest.Clock
	recorder *metrics.Recorder
	sched    *Scheduler
}

func newSchedulerFixture(t *testing.T, campaigns ...domain.SequenceType) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		runner:   newStubRunner(campaigns...),
		gate:     &stubGate{},
		notifier: &stubNotifier{},
		driver:   &stubDriver{},
		clock:    portstest.NewClock(t0),
		recorder: metrics.NewRecorder(10),
	}
	f.sched = NewScheduler(SchedulerDeps{
		Driver:    f.driver,
		Runner:    f.runner,
		Guard:     guard.New(5*time.Minute, f.clock, nil),
		Memory:    f.gate,
		Metrics:   f.recorder,
		Notifier:  f.notifier,
		Clock:     f.clock,
		Campaigns: campaigns,
		Interval:  45 * time.Minute,
	})
	return f
}

func TestTickRunsEveryCampaignInOrder(t *testing.T) {
	f := newSchedulerFixture(t, domain.SequenceHotLeads, domain.SequenceN400)

	report := f.sched.Tick(context.Background())
	require.False(t, report.Skipped)
	require.Len(t, report.Runs, 2)
	for _, run := range report.Runs {
		assert.Equal(t, TriggerAccepted, run.Status)
	}
	assert.Equal(t, []domain.SequenceType{domain.SequenceHotLeads, domain.SequenceN400}, f.runner.Calls())

	totals, history := f.recorder.Snapshot()
	assert.Equal(t, 2, totals.RunCount)
	assert.Equal(t, 1, totals.TickCount)
	require.Len(t, history, 2)
	assert.Equal(t, "scheduled", history[0].Trigger)
	assert.NotEmpty(t, history[0].ID)

	require.Len(t, f.notifier.digests, 1)
	assert.Contains(t, f.notifier.digests[0], "hot-leads: evaluated 2")
}

func TestTickSkippedUnderMemoryPressure(t *testing.T) {
	f := newSchedulerFixture(t, domain.SequenceHotLeads)
	f.gate.paused.Store(true)

	report := f.sched.Tick(context.Background())
	assert.True(t, report.Skipped)
	assert.Empty(t, f.runner.Calls())

	totals, _ := f.recorder.Snapshot()
	assert.Equal(t, 1, totals.SkippedTicks)
	assert.Zero(t, totals.RunCount)

	st := f.sched.Status()
	assert.True(t, st.Memory.IsPaused)
	assert.False(t, st.Health.Healthy)

	f.gate.paused.Store(false)
	report = f.sched.Tick(context.Background())
	assert.False(t, report.Skipped)
	assert.Len(t, f.runner.Calls(), 1)
}

func TestTriggerAnswers(t *testing.T) {
	f := newSchedulerFixture(t, domain.SequenceHotLeads)
	ctx := context.Background()

	res, err := f.sched.Trigger(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, TriggerAccepted, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, 1, res.Result.Advanced)

	f.clock.Advance(2 * time.Minute)
	res, err = f.sched.Trigger(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, TriggerRateLimited, res.Status)
	assert.Equal(t, 180, res.RetryAfterSeconds)

	_, err = f.sched.Trigger(ctx, domain.SequenceNurture)
	require.ErrorIs(t, err, domain.ErrUnknownSequenceType)

	f.gate.paused.Store(true)
	res, err = f.sched.Trigger(ctx, domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, TriggerPaused, res.Status)

	totals, _ := f.recorder.Snapshot()
	assert.Equal(t, 1, totals.RunCount)
	assert.Equal(t, 1, totals.GuardDenials)
}

func TestTriggerConflictsWithRunningCampaign(t *testing.T) {
	f := newSchedulerFixture(t, domain.SequenceHotLeads)
	f.runner.block = make(chan struct{})
	f.runner.started = make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.sched.Tick(context.Background())
	}()
	<-f.runner.started

	res, err := f.sched.Trigger(context.Background(), domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, TriggerConflict, res.Status)
	assert.True(t, f.sched.Status().Executions[domain.SequenceHotLeads].InProgress)

	// Overlapping ticks are dropped rather than queued.
	assert.True(t, f.sched.Tick(context.Background()).Skipped)

	close(f.runner.block)
	wg.Wait()
	assert.Len(t, f.runner.Calls(), 1)
	assert.False(t, f.sched.Status().Executions[domain.SequenceHotLeads].InProgress)
}

func TestTriggerReportsRunFailure(t *testing.T) {
	f := newSchedulerFixture(t, domain.SequenceHotLeads)
	f.runner.err = errors.New("list active sequences: database is locked")

	res, err := f.sched.Trigger(context.Background(), domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, TriggerFailed, res.Status)
	assert.Contains(t, res.Error, "database is locked")

	st := f.sched.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "manual", st.LastRun.Trigger)
	assert.Equal(t, 1, st.Metrics.FailedRuns)
	assert.Contains(t, st.Health.Issues, "last hot-leads run failed: list active sequences: database is locked")

	// The guard was released even though the run failed.
	f.clock.Advance(5 * time.Minute)
	res, err = f.sched.Trigger(context.Background(), domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, TriggerFailed, res.Status)
}

func TestSchedulerLifecycleAndHealth(t *testing.T) {
	f := newSchedulerFixture(t, domain.SequenceHotLeads)

	st := f.sched.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.Health.Issues, "scheduler is not running")

	require.NoError(t, f.sched.Start(context.Background()))
	st = f.sched.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Health.Healthy)
	require.NotNil(t, st.NextRunTime)
	assert.Equal(t, t0.Add(45*time.Minute), *st.NextRunTime)
	assert.Equal(t, 2700, st.IntervalSeconds)

	f.clock.Advance(46 * time.Minute)
	f.driver.fire(f.clock.Now())
	st = f.sched.Status()
	require.NotNil(t, st.LastRunTime)
	assert.Equal(t, f.clock.Now(), *st.LastRunTime)
	assert.Equal(t, 1, st.RunCount)

	// No tick for more than two intervals.
	f.clock.Advance(91 * time.Minute)
	st = f.sched.Status()
	assert.False(t, st.Health.Healthy)
	require.Len(t, st.Health.Issues, 1)
	assert.Contains(t, st.Health.Issues[0], "overdue")

	require.NoError(t, f.sched.Stop(context.Background()))
	assert.True(t, f.driver.stopped)
	assert.False(t, f.sched.Status().Running)
}

func TestSchedulerValidate(t *testing.T) {
	f := newSchedulerFixture(t)
	require.Error(t, f.sched.Start(context.Background()))

	s := NewScheduler(SchedulerDeps{
		Runner:    newStubRunner(domain.SequenceHotLeads),
		Campaigns: []domain.SequenceType{domain.SequenceHotLeads, domain.SequenceN400},
	})
	require.ErrorIs(t, s.Validate(), domain.ErrUnknownSequenceType)
}

func TestTickAutoEnrollsBeforeRunning(t *testing.T) {
	store := portstest.NewStore()
	clock := portstest.NewClock(t0)
	policy := hotLeadsPolicy()
	policy.AutoEnroll = true
	policy.MinScore = 70
	policies := map[domain.SequenceType]domain.CampaignPolicy{domain.SequenceHotLeads: policy}

	require.NoError(t, store.SaveLead(context.Background(), domain.Lead{ID: "lead-1", Score: 85}))
	require.NoError(t, store.SaveLead(context.Background(), domain.Lead{ID: "lead-2", Score: 40}))

	messenger := &portstest.Messenger{}
	engine := NewEngine(EngineDeps{Store: store, Messenger: messenger, Clock: clock, Policies: policies})
	sched := NewScheduler(SchedulerDeps{
		Runner:    engine,
		Enroller:  NewEnroller(store, nil, clock, policies, nil),
		Clock:     clock,
		Campaigns: []domain.SequenceType{domain.SequenceHotLeads},
	})

	report := sched.Tick(context.Background())
	require.Len(t, report.Runs, 1)
	require.NotNil(t, report.Runs[0].Result)
	assert.Equal(t, 1, report.Runs[0].Result.TotalEvaluated)
	assert.Empty(t, messenger.Sent())
}
