package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliasbenb/plexanibridge/internal/config"
	"github.com/eliasbenb/plexanibridge/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingRunner captures executed jobs; gate, when set, blocks runs until
// released so tests can pile up triggers behind an in-flight sync.
type recordingRunner struct {
	mu   sync.Mutex
	jobs []Job
	gate chan struct{}
	err  error
}

func (r *recordingRunner) RunSync(ctx context.Context, _ string, job Job) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return r.err
}

func (r *recordingRunner) recorded() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

func webhookProfile(name string) config.Profile {
	return config.Profile{Name: name, SyncModes: []config.SyncMode{config.SyncModeWebhook}}
}

func newTestSupervisor(t *testing.T, profile config.Profile, runner Runner, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	return NewSupervisor(profile, runner, setupWatermarks(t), nil, testLogger(), opts...)
}

func TestSupervisor_TriggerCoalesces(t *testing.T) {
	s := newTestSupervisor(t, webhookProfile("main"), &recordingRunner{})

	s.Trigger(Job{Kind: JobFull})
	s.Trigger(Job{Kind: JobFull})
	s.TriggerWebhook("100")
	s.TriggerWebhook("200")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.pending, 2)
	// The newest webhook replaces the pending one.
	assert.Equal(t, "200", s.pending[JobWebhook].RatingKey)
}

func TestSupervisor_DrainPriority(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestSupervisor(t, webhookProfile("main"), runner)

	s.Trigger(Job{Kind: JobScan})
	s.Trigger(Job{Kind: JobWebhook, RatingKey: "42"})
	require.NoError(t, s.drain(context.Background()))

	jobs := runner.recorded()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobWebhook, jobs[0].Kind)
	assert.Equal(t, "42", jobs[0].RatingKey)
	assert.Equal(t, JobScan, jobs[1].Kind)
}

func TestSupervisor_ScanResolvesFullWithoutWatermark(t *testing.T) {
	runner := &recordingRunner{}
	profile := webhookProfile("main")
	profile.PartialScan = true
	s := newTestSupervisor(t, profile, runner)

	s.Trigger(Job{Kind: JobScan})
	require.NoError(t, s.drain(context.Background()))

	jobs := runner.recorded()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Full)
	assert.True(t, jobs[0].Since.IsZero())
}

func TestSupervisor_ScanResolvesPartialFromWatermark(t *testing.T) {
	runner := &recordingRunner{}
	profile := webhookProfile("main")
	profile.PartialScan = true
	s := newTestSupervisor(t, profile, runner)
	ctx := context.Background()

	mark := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, s.watermarks.Set(ctx, "main", WatermarkScan, mark))

	s.Trigger(Job{Kind: JobScan})
	require.NoError(t, s.drain(ctx))

	jobs := runner.recorded()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Full)
	assert.True(t, jobs[0].Since.Equal(mark.UTC()))

	// full_scan overrides the watermark.
	profile.FullScan = true
	s2 := newTestSupervisor(t, profile, runner)
	require.NoError(t, s2.watermarks.Set(ctx, "main", WatermarkScan, mark))
	s2.Trigger(Job{Kind: JobScan})
	require.NoError(t, s2.drain(ctx))
	assert.True(t, runner.recorded()[1].Full)
}

func TestSupervisor_SuccessAdvancesWatermark(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestSupervisor(t, webhookProfile("main"), runner)
	ctx := context.Background()

	before := time.Now()
	s.Trigger(Job{Kind: JobScan})
	require.NoError(t, s.drain(ctx))

	mark, ok, err := s.watermarks.Get(ctx, "main", WatermarkScan)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, mark.Before(before.UTC().Truncate(time.Second)))

	status := s.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.False(t, status.LastSynced.IsZero())
}

func TestSupervisor_WebhookDoesNotTouchWatermarks(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestSupervisor(t, webhookProfile("main"), runner)
	ctx := context.Background()

	s.TriggerWebhook("42")
	require.NoError(t, s.drain(ctx))

	_, ok, err := s.watermarks.Get(ctx, "main", WatermarkScan)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSupervisor_FailureStateAndEvents(t *testing.T) {
	runner := &recordingRunner{err: errors.New("plex unreachable")}
	bus := events.NewBus(testLogger())
	sub := bus.Subscribe(events.EventSyncStateChanged, 16)
	profile := webhookProfile("main")
	s := NewSupervisor(profile, runner, setupWatermarks(t), bus, testLogger())

	s.Trigger(Job{Kind: JobFull})
	require.NoError(t, s.drain(context.Background()))

	status := s.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "plex unreachable", status.LastError)
	assert.Equal(t, 1, status.ConsecutiveFailures)

	var states []string
	for len(sub) > 0 {
		e := <-sub
		states = append(states, e.(events.SyncStateChanged).State)
	}
	assert.Equal(t, []string{StateRunning, StateFailed}, states)
}

func TestSupervisor_Cooldown(t *testing.T) {
	profile := webhookProfile("main")
	profile.SyncInterval = 90
	s := newTestSupervisor(t, profile, &recordingRunner{}, WithMaxFailures(3))

	set := func(n int) {
		s.mu.Lock()
		s.failures = n
		s.mu.Unlock()
	}

	set(2)
	assert.Equal(t, time.Duration(0), s.cooldown())
	set(3)
	assert.Equal(t, time.Minute, s.cooldown())
	set(4)
	// Doubling is capped at the scan interval.
	assert.Equal(t, 90*time.Second, s.cooldown())
}

func TestSupervisor_RunServesTriggers(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestSupervisor(t, webhookProfile("main"), runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.TriggerWebhook("77")
	require.Eventually(t, func() bool { return len(runner.recorded()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "77", runner.recorded()[0].RatingKey)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_PeriodicModeRunsAtStartup(t *testing.T) {
	runner := &recordingRunner{}
	profile := config.Profile{
		Name:         "main",
		SyncModes:    []config.SyncMode{config.SyncModePeriodic},
		SyncInterval: 3600,
	}
	s := newTestSupervisor(t, profile, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(runner.recorded()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, JobScan, runner.recorded()[0].Kind)

	cancel()
	<-done
}
