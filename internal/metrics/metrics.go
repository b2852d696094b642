// Package metrics keeps cumulative scheduler counters and a bounded history
// of recent campaign runs for the status endpoint.
package metrics

import (
	"sync"
	"time"
)

// DefaultHistory is how many run summaries are retained when no size is given.
const DefaultHistory = 20

// RunSummary condenses one campaign run.
type RunSummary struct {
	ID           string        `json:"id"`
	Campaign     string        `json:"campaign"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
	Duration     time.Duration `json:"durationNs"`
	Trigger      string        `json:"trigger"`
	Evaluated    int           `json:"evaluated"`
	Advanced     int           `json:"advanced"`
	Converted    int           `json:"converted"`
	MessagesSent int           `json:"messagesSent"`
	SendFailures int           `json:"sendFailures"`
	Revenue      float64       `json:"estimatedRevenue"`
	Errors       int           `json:"errors"`
	Aborted      bool          `json:"aborted"`
	Failure      string        `json:"failure,omitempty"`
}

// Totals are cumulative since process start.
type Totals struct {
	RunCount          int     `json:"runCount"`
	FailedRuns        int     `json:"failedRuns"`
	TickCount         int     `json:"tickCount"`
	SkippedTicks      int     `json:"skippedTicks"`
	GuardDenials      int     `json:"guardDenials"`
	TotalEvaluated    int     `json:"totalEvaluated"`
	TotalAdvanced     int     `json:"totalAdvanced"`
	TotalConverted    int     `json:"totalConverted"`
	TotalMessages     int     `json:"totalMessages"`
	TotalSendFailures int     `json:"totalSendFailures"`
	TotalErrors       int     `json:"totalErrors"`
	TotalRevenue      float64 `json:"totalRevenue"`
	// SuccessRate is delivered / attempted sends as a percentage; 100 before any attempt.
	SuccessRate float64 `json:"successRate"`
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	totals  Totals
	history []RunSummary
	size    int
}

// NewRecorder keeps at most size summaries.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Recorder{size: size, totals: Totals{SuccessRate: 100}}
}

// RecordRun folds a finished run into the totals and history.
func (r *Recorder) RecordRun(s RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totals.RunCount++
	if s.Failure != "" {
		r.totals.FailedRuns++
	}
	r.totals.TotalEvaluated += s.Evaluated
	r.totals.TotalAdvanced += s.Advanced
	r.totals.TotalConverted += s.Converted
	r.totals.TotalMessages += s.MessagesSent
	r.totals.TotalSendFailures += s.SendFailures
	r.totals.TotalErrors += s.Errors
	r.totals.TotalRevenue += s.Revenue

	if attempted := r.totals.TotalMessages + r.totals.TotalSendFailures; attempted > 0 {
		r.totals.SuccessRate = float64(r.totals.TotalMessages) / float64(attempted) * 100
	}

	r.history = append(r.history, s)
	if len(r.history) > r.size {
		r.history = append([]RunSummary(nil), r.history[len(r.history)-r.size:]...)
	}
}

func (r *Recorder) RecordTick() {
	r.mu.Lock()
	r.totals.TickCount++
	r.mu.Unlock()
}

func (r *Recorder) RecordSkippedTick() {
	r.mu.Lock()
	r.totals.SkippedTicks++
	r.mu.Unlock()
}

func (r *Recorder) RecordDenial() {
	r.mu.Lock()
	r.totals.GuardDenials++
	r.mu.Unlock()
}

// Snapshot returns the totals and the retained history, newest last.
func (r *Recorder) Snapshot() (Totals, []RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]RunSummary, len(r.history))
	copy(history, r.history)
	return r.totals, history
}
