// Package memory implements the heap-pressure circuit breaker that gates
// scheduled background work.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const bytesPerMB = 1024 * 1024

// Sample is one heap reading in bytes.
type Sample struct {
	HeapUsed  uint64
	HeapTotal uint64
}

// Sampler reads current heap usage.
type Sampler func() Sample

// RuntimeSampler reads the Go runtime's heap statistics.
func RuntimeSampler() Sample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Sample{HeapUsed: m.HeapAlloc, HeapTotal: m.HeapSys}
}

// Config holds thresholds in megabytes.
type Config struct {
	Interval          time.Duration
	PauseThresholdMB  float64
	ResumeThresholdMB float64
}

// Stats is the snapshot exposed to the scheduler and the status endpoint.
type Stats struct {
	HeapUsedMB        float64   `json:"heapUsedMB"`
	HeapTotalMB       float64   `json:"heapTotalMB"`
	PauseThresholdMB  float64   `json:"pauseThresholdMB"`
	ResumeThresholdMB float64   `json:"resumeThresholdMB"`
	IsPaused          bool      `json:"isPaused"`
	SampledAt         time.Time `json:"sampledAt"`
	PauseCount        int       `json:"pauseCount"`
}

// Monitor flips between normal and paused with hysteresis. It never aborts
// in-flight work; callers consult IsPaused before starting new runs.
type Monitor struct {
	cfg     Config
	sampler Sampler
	logger  *slog.Logger

	mu    sync.RWMutex
	stats Stats

	stopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// New validates thresholds; resume must sit strictly below pause.
func New(cfg Config, sampler Sampler, logger *slog.Logger) (*Monitor, error) {
	if cfg.PauseThresholdMB <= 0 {
		return nil, fmt.Errorf("pause threshold must be positive")
	}
	if cfg.ResumeThresholdMB <= 0 || cfg.ResumeThresholdMB >= cfg.PauseThresholdMB {
		return nil, fmt.Errorf("resume threshold %.0fMB must be positive and below pause threshold %.0fMB",
			cfg.ResumeThresholdMB, cfg.PauseThresholdMB)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if sampler == nil {
		sampler = RuntimeSampler
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger,
		stats: Stats{
			PauseThresholdMB:  cfg.PauseThresholdMB,
			ResumeThresholdMB: cfg.ResumeThresholdMB,
		},
	}, nil
}

// Check takes one sample and applies the transition rule.
func (m *Monitor) Check() Stats {
	s := m.sampler()
	used := float64(s.HeapUsed) / bytesPerMB
	total := float64(s.HeapTotal) / bytesPerMB

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.HeapUsedMB = used
	m.stats.HeapTotalMB = total
	m.stats.SampledAt = time.Now()

	switch {
	case !m.stats.IsPaused && used >= m.cfg.PauseThresholdMB:
		m.stats.IsPaused = true
		m.stats.PauseCount++
		m.logger.Warn("memory pressure, pausing scheduled work",
			"heap_used_mb", round(used), "pause_threshold_mb", m.cfg.PauseThresholdMB)
	case m.stats.IsPaused && used <= m.cfg.ResumeThresholdMB:
		m.stats.IsPaused = false
		m.logger.Info("memory recovered, resuming scheduled work",
			"heap_used_mb", round(used), "resume_threshold_mb", m.cfg.ResumeThresholdMB)
	}

	return m.stats
}

// IsPaused reports the current breaker state.
func (m *Monitor) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.IsPaused
}

// Stats returns the last snapshot.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Start samples immediately and then on every interval until ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()

	if m.stop != nil {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done

	m.Check()
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check()
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.stopMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func round(v float64) float64 {
	return float64(int(v*10)) / 10
}
