// Package scheduler owns profile lifecycles: per-profile supervisors that
// serialize sync runs, coalesce triggers, persist scan watermarks and back
// off after repeated failures, plus the periodic mappings refresh job.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eliasbenb/plexanibridge/internal/config"
	"github.com/eliasbenb/plexanibridge/internal/events"
)

// JobKind classifies queued work. Periodic firings enqueue JobScan, which
// resolves to a full or partial sync at execution time.
type JobKind string

const (
	JobScan    JobKind = "scan"
	JobFull    JobKind = "full"
	JobPoll    JobKind = "poll"
	JobWebhook JobKind = "webhook"
)

// jobOrder is the drain priority when several kinds are pending.
var jobOrder = []JobKind{JobWebhook, JobPoll, JobFull, JobScan}

// Job is one unit of queued work.
type Job struct {
	Kind JobKind
	// Full forces a full scan regardless of watermarks.
	Full bool
	// Since bounds partial and poll scans.
	Since time.Time
	// RatingKey targets a single item, for webhook jobs.
	RatingKey string
}

// Runner executes one sync for a profile. Implementations must honor ctx
// cancellation between items.
type Runner interface {
	RunSync(ctx context.Context, profile string, job Job) error
}

// Supervisor states reported through Status and the event bus.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateFailed   = "failed"
	StateCooldown = "cooldown"
)

// Status is a point-in-time snapshot of a supervisor.
type Status struct {
	Profile             string    `json:"profile"`
	State               string    `json:"state"`
	LastSynced          time.Time `json:"last_synced,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
}

// DefaultMaxFailures is the consecutive failure count that triggers the
// cooldown backoff.
const DefaultMaxFailures = 5

// DefaultSyncTimeout bounds a single sync run.
const DefaultSyncTimeout = 2 * time.Hour

// Supervisor runs at most one sync at a time for its profile. Triggers
// arriving mid-run are coalesced to one pending job per kind.
type Supervisor struct {
	profile    config.Profile
	runner     Runner
	watermarks *Watermarks
	bus        *events.Bus
	logger     *slog.Logger

	maxFailures int
	syncTimeout time.Duration

	mu       sync.Mutex
	pending  map[JobKind]Job
	wake     chan struct{}
	status   Status
	failures int
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithMaxFailures overrides the cooldown threshold.
func WithMaxFailures(n int) SupervisorOption {
	return func(s *Supervisor) { s.maxFailures = n }
}

// WithSyncTimeout overrides the per-sync timeout.
func WithSyncTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.syncTimeout = d }
}

// NewSupervisor creates a supervisor for one profile.
func NewSupervisor(profile config.Profile, runner Runner, watermarks *Watermarks, bus *events.Bus, logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		profile:     profile,
		runner:      runner,
		watermarks:  watermarks,
		bus:         bus,
		logger:      logger.With("component", "scheduler", "profile", profile.Name),
		maxFailures: DefaultMaxFailures,
		syncTimeout: DefaultSyncTimeout,
		pending:     make(map[JobKind]Job),
		wake:        make(chan struct{}, 1),
		status:      Status{Profile: profile.Name, State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger enqueues a job, replacing any pending job of the same kind.
func (s *Supervisor) Trigger(job Job) {
	s.mu.Lock()
	s.pending[job.Kind] = job
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// TriggerWebhook enqueues a point sync for one rating key.
func (s *Supervisor) TriggerWebhook(ratingKey string) {
	s.Trigger(Job{Kind: JobWebhook, RatingKey: ratingKey})
}

// Status returns the supervisor's current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.ConsecutiveFailures = s.failures
	return st
}

// Run drives the supervisor until the context is cancelled. Periodic and
// poll tickers are armed per the profile's sync modes; webhook jobs arrive
// through Trigger.
func (s *Supervisor) Run(ctx context.Context) error {
	var periodic, poll <-chan time.Time
	if s.profile.HasMode(config.SyncModePeriodic) && s.profile.SyncInterval > 0 {
		t := time.NewTicker(time.Duration(s.profile.SyncInterval) * time.Second)
		defer t.Stop()
		periodic = t.C
		// First periodic sync runs at startup, not one interval in.
		s.Trigger(Job{Kind: JobScan})
	}
	if s.profile.HasMode(config.SyncModePoll) && s.profile.PollInterval > 0 {
		t := time.NewTicker(time.Duration(s.profile.PollInterval) * time.Second)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-periodic:
			s.Trigger(Job{Kind: JobScan})
		case <-poll:
			s.Trigger(Job{Kind: JobPoll})
		case <-s.wake:
		}
		if err := s.drain(ctx); err != nil {
			return err
		}
	}
}

// drain executes pending jobs one at a time in priority order.
func (s *Supervisor) drain(ctx context.Context) error {
	for {
		job, ok := s.next()
		if !ok {
			return nil
		}
		if err := s.runJob(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if cooldown := s.cooldown(); cooldown > 0 {
			s.setState(StateCooldown, "")
			s.logger.Warn("entering cooldown", "duration", cooldown, "failures", s.failures)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cooldown):
			}
		}
	}
}

func (s *Supervisor) next() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range jobOrder {
		if job, ok := s.pending[kind]; ok {
			delete(s.pending, kind)
			return job, true
		}
	}
	return Job{}, false
}

func (s *Supervisor) runJob(ctx context.Context, job Job) error {
	start := time.Now()
	job, watermarkKind := s.resolveJob(ctx, job)

	s.setState(StateRunning, "")
	runCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	err := s.runner.RunSync(runCtx, s.profile.Name, job)
	cancel()

	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		s.logger.Error("sync failed", "kind", job.Kind, "error", err)
		s.setState(StateFailed, err.Error())
		return err
	}

	s.mu.Lock()
	s.failures = 0
	s.status.LastSynced = start
	s.mu.Unlock()
	if watermarkKind != "" {
		if werr := s.watermarks.Set(ctx, s.profile.Name, watermarkKind, start); werr != nil {
			s.logger.Warn("persisting watermark", "kind", watermarkKind, "error", werr)
		}
	}
	s.setState(StateIdle, "")
	return nil
}

// resolveJob decides full versus partial for scan jobs and fills the since
// bound for poll jobs, returning the watermark kind to advance on success.
func (s *Supervisor) resolveJob(ctx context.Context, job Job) (Job, string) {
	switch job.Kind {
	case JobScan:
		job.Full = true
		if s.profile.PartialScan && !s.profile.FullScan {
			if since, ok, err := s.watermarks.Get(ctx, s.profile.Name, WatermarkScan); err == nil && ok {
				job.Full = false
				job.Since = since
			}
		}
		return job, WatermarkScan
	case JobFull:
		job.Full = true
		return job, WatermarkScan
	case JobPoll:
		since, ok, err := s.watermarks.Get(ctx, s.profile.Name, WatermarkPoll)
		if err != nil || !ok {
			since = time.Now().Add(-time.Duration(s.profile.PollInterval) * time.Second)
		}
		job.Since = since
		return job, WatermarkPoll
	default:
		return job, ""
	}
}

// cooldown returns how long to pause after the latest failure, zero when
// under the threshold. Doubles per failure past the threshold, capped at
// the scan interval.
func (s *Supervisor) cooldown() time.Duration {
	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()
	if failures < s.maxFailures {
		return 0
	}
	base := time.Minute
	limit := time.Duration(s.profile.SyncInterval) * time.Second
	if limit <= 0 {
		limit = time.Hour
	}
	d := base << uint(failures-s.maxFailures)
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}

func (s *Supervisor) setState(state, errMsg string) {
	s.mu.Lock()
	s.status.State = state
	s.status.LastError = errMsg
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(events.SyncStateChanged{
			BaseEvent: events.NewBaseEvent(events.EventSyncStateChanged, s.profile.Name),
			State:     state,
			Error:     errMsg,
		})
	}
}
