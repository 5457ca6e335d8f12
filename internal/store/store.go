package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
)

// Backend persists the complete record set. Persist must either replace the
// durable state with users or leave the previous durable state untouched.
type Backend interface {
	Load(ctx context.Context) (map[int64]*UserRecord, error)
	// Persist writes the full state; changed lists the ids touched by the
	// mutation so row-oriented backends can limit their writes.
	Persist(ctx context.Context, users map[int64]*UserRecord, changed []int64) error
	Close() error
}

// Observer receives store write outcomes. It is optional.
type Observer interface {
	ObserveStoreWrite(duration time.Duration, err error)
}

// IOError reports that the backend could not load or persist state. The
// in-flight operation is aborted and the previous state stays authoritative.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// ErrLocked reports that another writer holds the store's lock file.
var ErrLocked = errors.New("record store is locked by another writer")

// IsIOError reports whether err wraps a store IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for FirstSeenAt stamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLockFile makes Open take an exclusive lock on path for the lifetime of
// the store. Open fails with ErrLocked while another store holds it, in this
// process or another one.
func WithLockFile(path string) Option {
	return func(s *Store) { s.lockPath = path }
}

// WithObserver attaches a write observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// Store is the durable record set keyed by user id. All mutations are
// serialized through Mutate; readers see the state as of the last completed
// write.
type Store struct {
	backend  Backend
	clock    clockwork.Clock
	observer Observer
	lockPath string
	lock     *flock.Flock

	writeMu sync.Mutex
	mu      sync.RWMutex
	users   map[int64]*UserRecord
}

// Open loads the current state from backend.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.lockPath != "" {
		s.lock = flock.New(s.lockPath)
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, &IOError{Op: "lock", Err: err}
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrLocked, s.lockPath)
		}
	}

	users, err := backend.Load(ctx)
	if err != nil {
		s.unlock()
		return nil, &IOError{Op: "load", Err: err}
	}
	if users == nil {
		users = map[int64]*UserRecord{}
	}
	for id, u := range users {
		u.ID = id
		u.normalize()
	}
	s.users = users
	slog.Debug("record store opened", "users", len(users))
	return s, nil
}

// Close releases the backend and the lock file.
func (s *Store) Close() error {
	err := s.backend.Close()
	if uerr := s.unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return err
}

func (s *Store) unlock() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Now returns the store clock's current time in UTC.
func (s *Store) Now() time.Time {
	return s.clock.Now().UTC()
}

// Snapshot is a read-only view of the committed state. Records must not be
// modified or retained past the View callback.
type Snapshot struct {
	users map[int64]*UserRecord
}

// User returns the committed record for id.
func (sn Snapshot) User(id int64) (*UserRecord, bool) {
	u, ok := sn.users[id]
	return u, ok
}

// IDs returns all user ids in ascending order.
func (sn Snapshot) IDs() []int64 {
	return slices.Sorted(maps.Keys(sn.users))
}

// Len returns the number of records.
func (sn Snapshot) Len() int { return len(sn.users) }

// View runs fn against the committed state under a read lock.
func (s *Store) View(fn func(Snapshot) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(Snapshot{users: s.users})
}

// Tx is the working set of one serialized mutation. Records returned by Tx
// are private copies; changes become visible only when Mutate commits.
type Tx struct {
	base    map[int64]*UserRecord
	touched map[int64]*UserRecord
	order   []int64
	now     time.Time
}

// Now is the instant the transaction started.
func (tx *Tx) Now() time.Time { return tx.now }

// User returns a writable copy of the record for id, if it exists.
func (tx *Tx) User(id int64) (*UserRecord, bool) {
	if u, ok := tx.touched[id]; ok {
		return u, true
	}
	u, ok := tx.base[id]
	if !ok {
		return nil, false
	}
	cp := u.Clone()
	tx.touched[id] = cp
	tx.order = append(tx.order, id)
	return cp, true
}

// Peek returns a record without marking it as changed. The result must not be
// modified.
func (tx *Tx) Peek(id int64) (*UserRecord, bool) {
	if u, ok := tx.touched[id]; ok {
		return u, true
	}
	u, ok := tx.base[id]
	return u, ok
}

// GetOrCreate returns a writable record for id, creating a default one.
func (tx *Tx) GetOrCreate(id int64) *UserRecord {
	if u, ok := tx.User(id); ok {
		return u
	}
	u := newUserRecord(id, tx.now)
	tx.touched[id] = u
	tx.order = append(tx.order, id)
	return u
}

// IDs returns every user id visible to the transaction in ascending order.
func (tx *Tx) IDs() []int64 {
	ids := make(map[int64]struct{}, len(tx.base)+len(tx.touched))
	for id := range tx.base {
		ids[id] = struct{}{}
	}
	for id := range tx.touched {
		ids[id] = struct{}{}
	}
	return slices.Sorted(maps.Keys(ids))
}

// FindByHandle returns the id of the first record (lowest id) with handle.
func (tx *Tx) FindByHandle(handle string) (int64, bool) {
	for _, id := range tx.IDs() {
		u, _ := tx.Peek(id)
		if u.Handle != "" && u.Handle == handle {
			return id, true
		}
	}
	return 0, false
}

// FindRequest locates a request by id across all records.
func (tx *Tx) FindRequest(requestID string) (int64, int, bool) {
	for _, id := range tx.IDs() {
		u, _ := tx.Peek(id)
		if idx := u.FindRequest(requestID); idx >= 0 {
			return id, idx, true
		}
	}
	return 0, -1, false
}

// Mutate runs fn as one serialized transaction. When fn returns an error, or
// the backend fails to persist, no change is applied anywhere.
func (s *Store) Mutate(ctx context.Context, fn func(*Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	base := s.users
	s.mu.RUnlock()

	tx := &Tx{
		base:    base,
		touched: map[int64]*UserRecord{},
		now:     s.Now(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.touched) == 0 {
		return nil
	}

	next := make(map[int64]*UserRecord, len(base)+len(tx.touched))
	maps.Copy(next, base)
	maps.Copy(next, tx.touched)

	start := time.Now()
	err := s.backend.Persist(ctx, next, tx.order)
	if s.observer != nil {
		s.observer.ObserveStoreWrite(time.Since(start), err)
	}
	if err != nil {
		slog.Error("record store persist failed", "changed", len(tx.order), "error", err)
		return &IOError{Op: "persist", Err: err}
	}

	s.mu.Lock()
	s.users = next
	s.mu.Unlock()
	return nil
}

// Get returns the record for userID, creating and persisting a default one
// when the user has not been seen before.
func (s *Store) Get(ctx context.Context, userID int64) (UserRecord, error) {
	var exists bool
	var out UserRecord
	err := s.View(func(sn Snapshot) error {
		if u, ok := sn.User(userID); ok {
			exists = true
			out = *u.Clone()
		}
		return nil
	})
	if err != nil || exists {
		return out, err
	}

	err = s.Mutate(ctx, func(tx *Tx) error {
		if u, ok := tx.Peek(userID); ok {
			out = *u.Clone()
			return nil
		}
		out = *tx.GetOrCreate(userID).Clone()
		return nil
	})
	return out, err
}

// Update merges patch into the record for userID (creating it if needed) and
// persists the result.
func (s *Store) Update(ctx context.Context, userID int64, patch Patch) (UserRecord, error) {
	var out UserRecord
	err := s.Mutate(ctx, func(tx *Tx) error {
		u := tx.GetOrCreate(userID)
		patch.apply(u)
		out = *u.Clone()
		return nil
	})
	return out, err
}

// LoadAll returns a deep copy of every record.
func (s *Store) LoadAll(ctx context.Context) (map[int64]UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := map[int64]UserRecord{}
	err := s.View(func(sn Snapshot) error {
		for id, u := range sn.users {
			out[id] = *u.Clone()
		}
		return nil
	})
	return out, err
}
