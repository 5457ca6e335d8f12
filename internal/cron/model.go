package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Schedule kinds.
const (
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Payload kinds understood by the bot.
const (
	PayloadExpireSweep = "expire_sweep"
)

// Schedule defines when a job should run.
type Schedule struct {
	Kind    string `json:"kind"`               // "every" | "cron"
	EveryMS *int64 `json:"every_ms,omitempty"` // interval (milliseconds)
	Expr    string `json:"expr,omitempty"`     // cron expression (5-field)
}

// Every builds an interval schedule.
func Every(d time.Duration) Schedule {
	ms := d.Milliseconds()
	return Schedule{Kind: ScheduleEvery, EveryMS: &ms}
}

// ParseSchedule accepts either a Go duration ("10m") or a cron expression.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be positive: %s", spec)
		}
		return Every(d), nil
	}
	if !gronx.IsValid(spec) {
		return Schedule{}, fmt.Errorf("invalid schedule %q: expected duration or cron expression", spec)
	}
	return Schedule{Kind: ScheduleCron, Expr: spec}, nil
}

// Validate checks that the schedule can produce a next run.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleEvery:
		if s.EveryMS == nil || *s.EveryMS <= 0 {
			return fmt.Errorf("every schedule requires a positive interval")
		}
	case ScheduleCron:
		if !gronx.IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Payload defines what a job does when triggered.
type Payload struct {
	Kind             string `json:"kind"`                        // "expire_sweep"
	ThresholdSeconds int64  `json:"threshold_seconds,omitempty"` // expire_sweep: pending age limit
}

// JobState holds runtime state for a job.
type JobState struct {
	NextRunAtMS *int64 `json:"next_run_at_ms,omitempty"`
	LastRunAtMS *int64 `json:"last_run_at_ms,omitempty"`
	LastStatus  string `json:"last_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastResult  string `json:"last_result,omitempty"`
}

// Job represents a scheduled maintenance task.
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Schedule    Schedule `json:"schedule"`
	Payload     Payload  `json:"payload"`
	State       JobState `json:"state"`
	CreatedAtMS int64    `json:"created_at_ms"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
}

// NewJob creates a new job with a generated ID and timestamps.
func NewJob(name string, schedule Schedule, payload Payload, now time.Time) *Job {
	ms := now.UnixMilli()
	return &Job{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMS: ms,
		UpdatedAtMS: ms,
	}
}

// ScheduleDescription returns a human-readable schedule summary.
func (j *Job) ScheduleDescription() string {
	switch j.Schedule.Kind {
	case ScheduleEvery:
		if j.Schedule.EveryMS != nil {
			d := time.Duration(*j.Schedule.EveryMS) * time.Millisecond
			return "every " + d.String()
		}
		return "every (unset)"
	case ScheduleCron:
		return "cron: " + j.Schedule.Expr
	default:
		return "unknown"
	}
}

// NextRun returns the scheduled next run, if any.
func (j *Job) NextRun() (time.Time, bool) {
	if j.State.NextRunAtMS == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*j.State.NextRunAtMS), true
}
