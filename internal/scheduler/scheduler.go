package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handle identifies one scheduled firing.
type Handle uint64

type entry struct {
	requestID string
	timer     clockwork.Timer
}

// Scheduler fires a callback for a request id after a delay. Firings that
// were cancelled in time are dropped; everything else is delivered at most
// once per Schedule call.
type Scheduler struct {
	clock clockwork.Clock
	fire  func(requestID string)

	mu        sync.Mutex
	next      Handle
	entries   map[Handle]entry
	byRequest map[string]Handle
	stopped   bool

	wg sync.WaitGroup
}

// New creates a scheduler that calls fire from timer goroutines.
func New(clock clockwork.Clock, fire func(requestID string)) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:     clock,
		fire:      fire,
		entries:   map[Handle]entry{},
		byRequest: map[string]Handle{},
	}
}

// Schedule arms a timer for requestID. A non-positive delay fires on the next
// timer tick. Scheduling an id that is already armed replaces the old timer.
// It returns 0 after Stop.
func (s *Scheduler) Schedule(requestID string, delay time.Duration) Handle {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	if prev, ok := s.byRequest[requestID]; ok {
		s.cancelLocked(prev)
	}
	s.next++
	h := s.next
	s.wg.Add(1)
	timer := s.clock.AfterFunc(delay, func() { s.run(h) })
	s.entries[h] = entry{requestID: requestID, timer: timer}
	s.byRequest[requestID] = h
	s.mu.Unlock()

	slog.Debug("auto-accept scheduled", "request_id", requestID, "delay", delay)
	return h
}

// Cancel disarms h. It reports whether the firing was prevented; false means
// the timer already fired, was cancelled before, or never existed.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(h)
}

// CancelRequest disarms whatever timer is armed for requestID.
func (s *Scheduler) CancelRequest(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byRequest[requestID]
	if !ok {
		return false
	}
	return s.cancelLocked(h)
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop disarms every timer and waits for callbacks already running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for h := range s.entries {
		s.cancelLocked(h)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) cancelLocked(h Handle) bool {
	e, ok := s.entries[h]
	if !ok {
		return false
	}
	delete(s.entries, h)
	if s.byRequest[e.requestID] == h {
		delete(s.byRequest, e.requestID)
	}
	// A timer that already expired runs its callback, which finds no entry
	// and releases the wait group itself.
	if e.timer.Stop() {
		s.wg.Done()
	}
	return true
}

func (s *Scheduler) run(h Handle) {
	defer s.wg.Done()

	s.mu.Lock()
	e, ok := s.entries[h]
	if ok {
		delete(s.entries, h)
		if s.byRequest[e.requestID] == h {
			delete(s.byRequest, e.requestID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	slog.Debug("auto-accept timer fired", "request_id", e.requestID)
	s.fire(e.requestID)
}
