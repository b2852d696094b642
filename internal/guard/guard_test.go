package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports/portstest"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestTryAcquireConflictWhileInProgress(t *testing.T) {
	t.Parallel()

	g := New(5*time.Minute, portstest.NewClock(start), nil)

	first := g.TryAcquire(domain.SequenceHotLeads)
	require.True(t, first.Acquired)

	second := g.TryAcquire(domain.SequenceHotLeads)
	assert.False(t, second.Acquired)
	assert.Equal(t, ReasonInProgress, second.Reason)

	other := g.TryAcquire(domain.SequenceN400)
	assert.True(t, other.Acquired, "different campaign types are independent")
}

func TestTryAcquireRateLimit(t *testing.T) {
	t.Parallel()

	clock := portstest.NewClock(start)
	g := New(5*time.Minute, clock, nil)

	require.True(t, g.TryAcquire(domain.SequenceHotLeads).Acquired)
	g.Release(domain.SequenceHotLeads)

	clock.Advance(2 * time.Minute)
	denied := g.TryAcquire(domain.SequenceHotLeads)
	assert.False(t, denied.Acquired)
	assert.Equal(t, ReasonRateLimited, denied.Reason)
	assert.Equal(t, 180, denied.RetryAfterSeconds)

	clock.Advance(3*time.Minute + time.Second)
	assert.True(t, g.TryAcquire(domain.SequenceHotLeads).Acquired)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	t.Parallel()

	clock := portstest.NewClock(start)
	g := New(time.Minute, clock, nil)

	require.True(t, g.TryAcquire(domain.SequenceN400).Acquired)
	g.Release(domain.SequenceN400)
	clock.Advance(59*time.Second + 900*time.Millisecond)

	denied := g.TryAcquire(domain.SequenceN400)
	assert.Equal(t, 1, denied.RetryAfterSeconds)
}

func TestRunReleasesOnErrorAndPanic(t *testing.T) {
	t.Parallel()

	clock := portstest.NewClock(start)
	g := New(time.Minute, clock, nil)
	boom := errors.New("boom")

	decision, err := g.Run(context.Background(), domain.SequenceHotLeads, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, decision.Acquired)
	assert.False(t, g.Snapshot()[domain.SequenceHotLeads].InProgress)

	clock.Advance(2 * time.Minute)
	func() {
		defer func() { _ = recover() }()
		_, _ = g.Run(context.Background(), domain.SequenceHotLeads, func(context.Context) error {
			panic("exploded")
		})
	}()
	assert.False(t, g.Snapshot()[domain.SequenceHotLeads].InProgress)
}

func TestRunSkipsFnWhenDenied(t *testing.T) {
	t.Parallel()

	g := New(time.Minute, portstest.NewClock(start), nil)
	require.True(t, g.TryAcquire(domain.SequenceHotLeads).Acquired)

	called := false
	decision, err := g.Run(context.Background(), domain.SequenceHotLeads, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, decision.Acquired)
	assert.False(t, called)
}

func TestConcurrentAcquireYieldsSingleWinner(t *testing.T) {
	t.Parallel()

	g := New(time.Minute, portstest.NewClock(start), nil)

	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		conflict atomic.Int32
		release  = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Run(context.Background(), domain.SequenceHotLeads, func(context.Context) error {
				acquired.Add(1)
				<-release
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool { return acquired.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 4; i++ {
		if d := g.TryAcquire(domain.SequenceHotLeads); d.Reason == ReasonInProgress {
			conflict.Add(1)
		}
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
	assert.Equal(t, int32(4), conflict.Load())
}
