package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jonboulle/clockwork"
)

// JobHandler is called when a job fires. The returned summary is stored as
// the job's last result.
type JobHandler func(ctx context.Context, job *Job) (string, error)

const tickInterval = time.Second

// Service runs maintenance jobs with a ticker-based polling loop.
type Service struct {
	store *Store
	onJob JobHandler
	clock clockwork.Clock

	mu      sync.RWMutex
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// NewService creates a cron service backed by the given store path.
func NewService(storePath string, handler JobHandler, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store: NewStore(storePath),
		onJob: handler,
		clock: clock,
	}
}

// Load reads persisted jobs without starting the loop. Callers that only
// read jobs use Load; callers that change them use Acquire.
func (s *Service) Load() error {
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("cron service load: %w", err)
	}
	return nil
}

// Acquire takes the job file's writer lock and loads the jobs. It fails with
// ErrLocked while another service, such as a running bot, holds the file.
func (s *Service) Acquire() error {
	if err := s.store.Lock(); err != nil {
		return err
	}
	if err := s.Load(); err != nil {
		_ = s.store.Unlock()
		return err
	}
	return nil
}

// Release drops the writer lock taken by Acquire.
func (s *Service) Release() {
	if err := s.store.Unlock(); err != nil {
		slog.Warn("cron: failed to release job file lock", "error", err)
	}
}

// Start loads jobs from disk and begins the polling loop. Jobs run with a
// context derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}

	for _, job := range s.store.All() {
		if job.Enabled && job.State.NextRunAtMS == nil {
			s.computeNextRun(job)
			s.store.Put(job)
		}
	}
	if err := s.store.Save(); err != nil {
		slog.Warn("cron: failed to save after init", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.stopped = stopped
	s.running = true
	s.mu.Unlock()

	ticker := s.clock.NewTicker(tickInterval)
	go s.loop(loopCtx, ticker, stopped)

	slog.Info("cron service started", "jobs", len(s.store.All()))
	return nil
}

// Stop gracefully shuts down the polling loop.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	slog.Info("cron service stopped")
}

func (s *Service) loop(ctx context.Context, ticker clockwork.Ticker, stopped chan struct{}) {
	defer close(stopped)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	now := s.clock.Now().UnixMilli()

	var due []*Job
	for _, j := range s.store.All() {
		if !j.Enabled || j.State.NextRunAtMS == nil {
			continue
		}
		if *j.State.NextRunAtMS <= now {
			// Clear NextRunAtMS to prevent re-firing.
			j.State.NextRunAtMS = nil
			s.store.Put(j)
			due = append(due, j)
		}
	}

	for _, j := range due {
		s.executeJob(ctx, j)
	}
}

func (s *Service) executeJob(ctx context.Context, job *Job) {
	slog.Info("cron: executing job", "id", job.ID, "name", job.Name)

	var (
		result  string
		execErr error
	)
	if s.onJob != nil {
		result, execErr = s.onJob(ctx, job)
	}

	now := s.clock.Now().UnixMilli()
	job.State.LastRunAtMS = &now
	job.State.LastResult = result
	if execErr != nil {
		job.State.LastStatus = "error"
		job.State.LastError = execErr.Error()
		slog.Error("cron: job execution failed", "id", job.ID, "error", execErr)
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	job.UpdatedAtMS = now

	s.computeNextRun(job)
	s.store.Put(job)

	if err := s.store.Save(); err != nil {
		slog.Warn("cron: failed to save after execution", "error", err)
	}
}

func (s *Service) computeNextRun(job *Job) {
	now := s.clock.Now()

	switch job.Schedule.Kind {
	case ScheduleEvery:
		if job.Schedule.EveryMS != nil {
			next := now.Add(time.Duration(*job.Schedule.EveryMS) * time.Millisecond).UnixMilli()
			job.State.NextRunAtMS = &next
		}
	case ScheduleCron:
		if job.Schedule.Expr != "" {
			nextTime, err := gronx.NextTickAfter(job.Schedule.Expr, now, false)
			if err != nil {
				slog.Warn("cron: failed to compute next run", "id", job.ID, "expr", job.Schedule.Expr, "error", err)
				return
			}
			ms := nextTime.UnixMilli()
			job.State.NextRunAtMS = &ms
		}
	}
}

// AddJob creates and persists a new job.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	job := NewJob(name, schedule, payload, s.clock.Now())
	s.computeNextRun(job)
	s.store.Put(job)

	if err := s.store.Save(); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	slog.Info("cron: job added", "id", job.ID, "name", name, "schedule", job.ScheduleDescription())
	return job, nil
}

// EnsureJob creates the job named name or updates its schedule and payload
// to match. The job's run history is kept.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	job, err := s.store.Find(name)
	if err != nil || job.Name != name {
		return s.AddJob(name, schedule, payload)
	}

	if job.ScheduleDescription() == (&Job{Schedule: schedule}).ScheduleDescription() && job.Payload == payload {
		return job, nil
	}
	job.Schedule = schedule
	job.Payload = payload
	job.UpdatedAtMS = s.clock.Now().UnixMilli()
	if job.Enabled {
		s.computeNextRun(job)
	}
	s.store.Put(job)
	if err := s.store.Save(); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	slog.Info("cron: job updated", "id", job.ID, "name", name, "schedule", job.ScheduleDescription())
	return job, nil
}

// FindJob resolves an id, name or unambiguous id prefix to a job.
func (s *Service) FindJob(ref string) (*Job, error) {
	return s.store.Find(ref)
}

// RemoveJob deletes the job ref resolves to and returns it.
func (s *Service) RemoveJob(ref string) (*Job, error) {
	job, err := s.store.Find(ref)
	if err != nil {
		return nil, err
	}
	s.store.Delete(job.ID)
	if err := s.store.Save(); err != nil {
		return nil, fmt.Errorf("save after remove: %w", err)
	}
	slog.Info("cron: job removed", "id", job.ID, "name", job.Name)
	return job, nil
}

// EnableJob sets the enabled state of the job ref resolves to.
func (s *Service) EnableJob(ref string, enabled bool) (*Job, error) {
	job, err := s.store.Find(ref)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled
	job.UpdatedAtMS = s.clock.Now().UnixMilli()

	if enabled && job.State.NextRunAtMS == nil {
		s.computeNextRun(job)
	}

	s.store.Put(job)
	if err := s.store.Save(); err != nil {
		return nil, fmt.Errorf("save after enable: %w", err)
	}
	return job, nil
}

// RunJob executes the job ref resolves to immediately, enabled or not, and
// returns it with the recorded outcome.
func (s *Service) RunJob(ctx context.Context, ref string) (*Job, error) {
	job, err := s.store.Find(ref)
	if err != nil {
		return nil, err
	}
	s.executeJob(ctx, job)
	return s.store.Find(job.ID)
}

// ListJobs returns jobs in creation order, optionally including disabled ones.
func (s *Service) ListJobs(includeDisabled bool) []*Job {
	all := s.store.All()
	var result []*Job
	for _, j := range all {
		if includeDisabled || j.Enabled {
			result = append(result, j)
		}
	}
	return result
}

// Summary describes the job set for status output.
type Summary struct {
	Running bool
	Total   int
	Enabled int
	// NextRun is the earliest scheduled run of an enabled job; zero if none.
	NextRun time.Time
}

// Summary returns the current job counts and the next scheduled run.
func (s *Service) Summary() Summary {
	var sum Summary
	for _, j := range s.store.All() {
		sum.Total++
		if !j.Enabled {
			continue
		}
		sum.Enabled++
		if next, ok := j.NextRun(); ok && (sum.NextRun.IsZero() || next.Before(sum.NextRun)) {
			sum.NextRun = next
		}
	}

	s.mu.RLock()
	sum.Running = s.running
	s.mu.RUnlock()
	return sum
}
