package gifts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/lifecycle"
	"github.com/MEKXH/giftbot/internal/referral"
	"github.com/MEKXH/giftbot/internal/scheduler"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/jonboulle/clockwork"
)

// DefaultAutoAcceptDelay is how long a request waits for an operator before
// it is accepted automatically.
const DefaultAutoAcceptDelay = 60 * time.Second

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Observer is told about published events and about resolutions that lost
// the race. It is optional.
type Observer interface {
	ObserveEvent(ev bus.Event)
	ObserveDuplicateResolve(actor string)
}

// Options configures a Service.
type Options struct {
	// AutoAcceptDelay defaults to DefaultAutoAcceptDelay.
	AutoAcceptDelay time.Duration
	// DisableAutoAccept leaves every request for the operator.
	DisableAutoAccept bool
	Clock             clockwork.Clock
	Observer          Observer
}

// Service is the entry point the chat and HTTP layers use. It wraps the
// lifecycle manager with the auto-accept timer and event publication.
type Service struct {
	manager    *lifecycle.Manager
	ledger     *referral.Ledger
	events     Publisher
	observer   Observer
	sched      *scheduler.Scheduler
	delay      time.Duration
	autoAccept bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewService wires a facade over s. events may be nil.
func NewService(s *store.Store, events Publisher, opts Options) *Service {
	if opts.AutoAcceptDelay <= 0 {
		opts.AutoAcceptDelay = DefaultAutoAcceptDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		manager:    lifecycle.NewManager(s),
		ledger:     referral.NewLedger(s),
		events:     events,
		observer:   opts.Observer,
		delay:      opts.AutoAcceptDelay,
		autoAccept: !opts.DisableAutoAccept,
		baseCtx:    ctx,
		cancel:     cancel,
	}
	svc.sched = scheduler.New(opts.Clock, svc.autoResolve)
	return svc
}

// Store exposes the record store for read-only reporting.
func (s *Service) Store() *store.Store { return s.manager.Store() }

// AutoAcceptDelay returns the configured delay.
func (s *Service) AutoAcceptDelay() time.Duration { return s.delay }

// Start reconciles requests left pending by a previous run: overdue ones are
// accepted now, the rest get a timer for their remaining delay.
func (s *Service) Start(ctx context.Context) error {
	if !s.autoAccept {
		return nil
	}
	pending, err := s.manager.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending requests: %w", err)
	}

	now := s.Store().Now()
	var overdue, rescheduled int
	for _, req := range pending {
		remaining := s.delay - now.Sub(req.CreatedAt)
		if remaining > 0 {
			s.sched.Schedule(req.ID, remaining)
			rescheduled++
			continue
		}
		if _, _, err := s.Resolve(ctx, req.ID, lifecycle.ActorAuto); err != nil {
			if store.IsIOError(err) {
				return fmt.Errorf("accept overdue request %s: %w", req.ID, err)
			}
			slog.Warn("accept overdue request failed", "request_id", req.ID, "error", err)
			continue
		}
		overdue++
	}
	if overdue > 0 || rescheduled > 0 {
		slog.Info("pending requests reconciled", "accepted", overdue, "rescheduled", rescheduled)
	}
	return nil
}

// Close stops every timer and waits for running auto-accepts.
func (s *Service) Close() {
	s.sched.Stop()
	s.cancel()
}

// PendingTimers returns the number of armed auto-accept timers.
func (s *Service) PendingTimers() int { return s.sched.Pending() }

// Submit creates a request, arms its auto-accept timer and announces it.
func (s *Service) Submit(ctx context.Context, userID int64, kind store.Kind, payload store.Payload) (store.Request, error) {
	req, err := s.manager.Create(ctx, userID, kind, payload)
	if err != nil {
		return store.Request{}, err
	}
	if s.autoAccept {
		s.sched.Schedule(req.ID, s.delay)
	}
	s.publish(ctx, bus.NewEvent(ctx, bus.EventRequestCreated, req, "", req.CreatedAt))
	return req, nil
}

// Resolve accepts requestID on behalf of actor. It reports whether this call
// performed the transition; a request that was already resolved yields
// false and a nil error.
func (s *Service) Resolve(ctx context.Context, requestID string, actor lifecycle.Actor) (store.Request, bool, error) {
	req, err := s.manager.Accept(ctx, requestID, actor)
	if errors.Is(err, lifecycle.ErrAlreadyResolved) {
		s.sched.CancelRequest(requestID)
		if s.observer != nil {
			s.observer.ObserveDuplicateResolve(string(actor))
		}
		slog.Debug("resolve ignored: already resolved", "request_id", requestID, "actor", actor, "status", req.Status)
		return req, false, nil
	}
	if err != nil {
		return store.Request{}, false, err
	}

	s.sched.CancelRequest(requestID)
	s.publish(ctx, bus.NewEvent(ctx, bus.EventRequestResolved, req, string(actor), req.ResolvedAt))
	return req, true, nil
}

// Complete closes out the user's active request of kind.
func (s *Service) Complete(ctx context.Context, userID int64, kind store.Kind) (string, error) {
	id, err := s.manager.Complete(ctx, userID, kind)
	if err != nil {
		return "", err
	}
	s.sched.CancelRequest(id)
	if _, req, err := s.manager.Lookup(ctx, id); err == nil {
		s.publish(ctx, bus.NewEvent(ctx, bus.EventRequestCompleted, req, string(lifecycle.ActorAdmin), req.CompletedAt))
	}
	return id, nil
}

// CompleteByID closes out a pending or accepted request by id.
func (s *Service) CompleteByID(ctx context.Context, requestID string) (store.Request, error) {
	req, err := s.manager.CompleteByID(ctx, requestID)
	if err != nil {
		return req, err
	}
	s.sched.CancelRequest(requestID)
	s.publish(ctx, bus.NewEvent(ctx, bus.EventRequestCompleted, req, string(lifecycle.ActorAdmin), req.CompletedAt))
	return req, nil
}

// ExpireStale expires pending requests older than threshold.
func (s *Service) ExpireStale(ctx context.Context, threshold time.Duration) (int, error) {
	expired, err := s.manager.ExpireSweep(ctx, threshold)
	if err != nil {
		return 0, err
	}
	for _, req := range expired {
		s.sched.CancelRequest(req.ID)
		s.publish(ctx, bus.NewEvent(ctx, bus.EventRequestExpired, req, string(lifecycle.ActorSystem), req.ResolvedAt))
	}
	return len(expired), nil
}

// HasActive reports the kind occupying the user's slot.
func (s *Service) HasActive(ctx context.Context, userID int64) (store.Kind, bool, error) {
	return s.manager.HasActive(ctx, userID)
}

// Lookup finds a request and its owner.
func (s *Service) Lookup(ctx context.Context, requestID string) (int64, store.Request, error) {
	return s.manager.Lookup(ctx, requestID)
}

// Pending lists pending requests oldest first.
func (s *Service) Pending(ctx context.Context) ([]store.Request, error) {
	return s.manager.Pending(ctx)
}

// RecordReferral credits the owner of inviterHandle with newUserID.
func (s *Service) RecordReferral(ctx context.Context, inviterHandle string, newUserID int64) (bool, error) {
	return s.ledger.RecordReferral(ctx, inviterHandle, newUserID)
}

// User returns the record for userID, creating it on first sight.
func (s *Service) User(ctx context.Context, userID int64) (store.UserRecord, error) {
	return s.Store().Get(ctx, userID)
}

// TouchUser makes sure userID has a record and that its handle is current.
func (s *Service) TouchUser(ctx context.Context, userID int64, handle string) (store.UserRecord, error) {
	u, err := s.Store().Get(ctx, userID)
	if err != nil {
		return store.UserRecord{}, err
	}
	if handle == "" || u.Handle == handle {
		return u, nil
	}
	return s.Store().Update(ctx, userID, store.Patch{Handle: &handle})
}

func (s *Service) autoResolve(requestID string) {
	ctx := bus.WithRequestID(s.baseCtx, bus.NewRequestID())
	if _, _, err := s.Resolve(ctx, requestID, lifecycle.ActorAuto); err != nil {
		slog.Error("auto-accept failed", "request_id", requestID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, ev bus.Event) {
	if s.observer != nil {
		s.observer.ObserveEvent(ev)
	}
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		slog.Warn("publish lifecycle event failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
	}
}
