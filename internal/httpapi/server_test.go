package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"LeadNurture/internal/usecase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	store     *portstest.Store
	messenger *portstest.Messenger
	clock     *portstest.Clock
	heapMB    atomic.Uint64
	monitor   *memory.Monitor
	sched     *usecase.Scheduler
	handler   http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store:     portstest.NewStore(),
		messenger: &portstest.Messenger{},
		clock:     portstest.NewClock(t0),
	}
	f.heapMB.Store(100)

	stages := make([]domain.StagePolicy, 3)
	for i := range stages {
		stages[i] = domain.StagePolicy{Dwell: 45 * time.Minute, Channel: domain.ChannelEmail}
	}
	policies := map[domain.SequenceType]domain.CampaignPolicy{
		domain.SequenceHotLeads: {
			Type:          domain.SequenceHotLeads,
			Stages:        stages,
			AbandonAfter:  45 * 24 * time.Hour,
			MaxRetries:    3,
			MinScore:      70,
			ValuePerTouch: 15,
		},
	}

	monitor, err := memory.New(memory.Config{PauseThresholdMB: 3000, ResumeThresholdMB: 2500}, func() memory.Sample {
		return memory.Sample{HeapUsed: f.heapMB.Load() * 1024 * 1024, HeapTotal: 4096 * 1024 * 1024}
	}, nil)
	require.NoError(t, err)
	f.monitor = monitor

	engine := usecase.NewEngine(usecase.EngineDeps{
		Store:     f.store,
		Messenger: f.messenger,
		Clock:     f.clock,
		Policies:  policies,
	})
	enroller := usecase.NewEnroller(f.store, nil, f.clock, policies, nil)
	f.sched = usecase.NewScheduler(usecase.SchedulerDeps{
		Runner:    engine,
		Enroller:  enroller,
		Guard:     guard.New(5*time.Minute, f.clock, nil),
		Memory:    monitor,
		Metrics:   metrics.NewRecorder(10),
		Clock:     f.clock,
		Campaigns: []domain.SequenceType{domain.SequenceHotLeads},
	})

	f.handler = New("127.0.0.1:0", Deps{Campaigns: f.sched, Sequences: engine, Enroller: enroller}).Handler()
	return f
}

func (f *apiFixture) seed(t *testing.T, leadID, seqID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveLead(ctx, domain.Lead{ID: leadID, Name: "Ana", Email: leadID + "@example.com", Score: 90}))
	require.NoError(t, f.store.SaveSequence(ctx, domain.NewFollowUpSequence(seqID, leadID, domain.SequenceHotLeads, t0.Add(-time.Hour))))
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTriggerAcceptedThenRateLimited(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "lead-1", "seq-1")

	rec := f.do(http.MethodPost, "/campaigns/hot-leads", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decode[usecase.TriggerResult](t, rec)
	assert.Equal(t, usecase.TriggerAccepted, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, 1, res.Result.Advanced)
	assert.Equal(t, 1, res.Result.MessagesSent)
	assert.InDelta(t, 15.0, res.Result.EstimatedRevenue, 1e-9)

	f.clock.Advance(2 * time.Minute)
	rec = f.do(http.MethodPost, "/campaigns/hot-leads", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "180", rec.Header().Get("Retry-After"))
	res = decode[usecase.TriggerResult](t, rec)
	assert.Equal(t, 180, res.RetryAfterSeconds)
}

func TestConcurrentTriggersYieldOneAcceptedOneConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.messenger.Block = make(chan struct{})
	f.seed(t, "lead-1", "seq-1")

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- f.do(http.MethodPost, "/campaigns/hot-leads", "") }()

	require.Eventually(t, func() bool {
		return f.sched.Status().Executions[domain.SequenceHotLeads].InProgress
	}, 2*time.Second, 5*time.Millisecond)

	rec := f.do(http.MethodPost, "/campaigns/hot-leads", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorBody](t, rec).Status)

	close(f.messenger.Block)
	assert.Equal(t, http.StatusAccepted, (<-first).Code)
	assert.Len(t, f.messenger.Sent(), 1)
}

func TestTriggerUnknownAndPaused(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/campaigns/cold-calls", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Known type without a configured stage table.
	rec = f.do(http.MethodPost, "/campaigns/n400", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.heapMB.Store(3200)
	f.monitor.Check()
	rec = f.do(http.MethodPost, "/campaigns/hot-leads", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "memory_paused", decode[errorBody](t, rec).Status)
}

func TestSchedulerStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "lead-1", "seq-1")
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/campaigns/hot-leads", "").Code)

	rec := f.do(http.MethodGet, "/campaigns/scheduler-status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["running"])
	assert.EqualValues(t, 1, body["runCount"])
	assert.Contains(t, body, "memory")
	assert.Contains(t, body, "lastRun")
	health := body["health"].(map[string]any)
	assert.Equal(t, false, health["healthy"])
	assert.Contains(t, health["issues"], "scheduler is not running")

	rec = f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnrollEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveLead(ctx, domain.Lead{ID: "hot", Score: 85}))
	require.NoError(t, f.store.SaveLead(ctx, domain.Lead{ID: "cold", Score: 20}))

	rec := f.do(http.MethodPost, "/campaigns/hot-leads/enroll", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[usecase.EnrollResult](t, rec)
	assert.Equal(t, 2, res.Examined)
	assert.Equal(t, 1, res.Enrolled)

	rec = f.do(http.MethodPost, "/campaigns/nope/enroll", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSequenceLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "lead-1", "seq-1")

	rec := f.do(http.MethodGet, "/sequences/seq-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[usecase.SequenceDetail](t, rec)
	assert.Equal(t, domain.StatusActive, detail.Sequence.Status)
	assert.Empty(t, detail.Activities)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/sequences/missing", "").Code)

	rec = f.do(http.MethodPost, "/sequences/seq-1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusPaused, decode[domain.FollowUpSequence](t, rec).Status)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/sequences/seq-1/pause", "").Code)

	rec = f.do(http.MethodPost, "/sequences/seq-1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusActive, decode[domain.FollowUpSequence](t, rec).Status)

	rec = f.do(http.MethodPost, "/sequences/seq-1/conversion", `{"value": 1200}`)
	require.Equal(t, http.StatusOK, rec.Code)
	seq := decode[domain.FollowUpSequence](t, rec)
	assert.Equal(t, domain.StatusConverted, seq.Status)
	require.NotNil(t, seq.ConversionValue)
	assert.InDelta(t, 1200.0, *seq.ConversionValue, 1e-9)

	rec = f.do(http.MethodPost, "/sequences/seq-1/conversion", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	detail = decode[usecase.SequenceDetail](t, f.do(http.MethodGet, "/sequences/seq-1", ""))
	require.Len(t, detail.Activities, 1)
	assert.True(t, detail.Activities[0].ConversionEvent)
}

func TestConversionRejectsBadBodies(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "lead-1", "seq-1")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/sequences/seq-1/conversion", `{"value":`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/sequences/seq-1/conversion", `{"value": -5}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/sequences/missing/conversion", `{}`).Code)
}

func TestServerStartStop(t *testing.T) {
	f := newAPIFixture(t)
	srv := New("127.0.0.1:0", Deps{Campaigns: f.sched})
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func TestConversionAcceptsChunkedEmptyBody(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "lead-1", "seq-1")

	req := httptest.NewRequest(http.MethodPost, "/sequences/seq-1/conversion", strings.NewReader(""))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	seq := decode[domain.FollowUpSequence](t, rec)
	assert.Equal(t, domain.StatusConverted, seq.Status)
	assert.Nil(t, seq.ConversionValue)
}
