package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MEKXH/giftbot/internal/store"
)

// Actor identifies who moved a request out of pending.
type Actor string

const (
	ActorManual Actor = "manual"
	ActorAuto   Actor = "auto"
	ActorAdmin  Actor = "admin"
	ActorSystem Actor = "system"
)

// Manager enforces the one-active-request invariant and owns every request
// state transition. Each operation is one store transaction.
type Manager struct {
	store *store.Store
}

// NewManager creates a manager on top of s.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Store returns the underlying record store.
func (m *Manager) Store() *store.Store { return m.store }

// Create appends a pending request for userID and occupies the kind's slot.
func (m *Manager) Create(ctx context.Context, userID int64, kind store.Kind, payload store.Payload) (store.Request, error) {
	if !slices.Contains(store.Kinds, kind) {
		return store.Request{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	var created store.Request
	err := m.store.Mutate(ctx, func(tx *store.Tx) error {
		if u, ok := tx.Peek(userID); ok {
			if activeKind, id, busy := u.ActiveKind(); busy {
				slog.Debug("create rejected: active slot occupied", "user_id", userID, "kind", activeKind, "request_id", id)
				return ErrAlreadyActive
			}
			for _, req := range u.History {
				if req.Status == store.StatusPending {
					slog.Warn("create rejected: pending request without slot", "user_id", userID, "request_id", req.ID)
					return ErrAlreadyActive
				}
			}
		}

		u := tx.GetOrCreate(userID)
		now := tx.Now()
		created = store.Request{
			ID:        newRequestID(u, kind, now),
			Kind:      kind,
			OwnerID:   userID,
			Status:    store.StatusPending,
			CreatedAt: now,
			Payload:   payload,
		}
		u.History = append(u.History, created)
		u.ActiveRequests[kind] = created.ID
		return nil
	})
	if err != nil {
		return store.Request{}, err
	}

	slog.Info("request created", "request_id", created.ID, "user_id", userID, "kind", kind)
	return created, nil
}

// Accept moves a pending request to accepted. A second call for the same id
// returns ErrAlreadyResolved and changes nothing.
func (m *Manager) Accept(ctx context.Context, requestID string, actor Actor) (store.Request, error) {
	return m.transition(ctx, requestID, store.StatusAccepted, actor, func(req store.Request) error {
		if req.Status != store.StatusPending {
			return ErrAlreadyResolved
		}
		return nil
	})
}

// Complete closes out the user's active request of kind, marking it
// completed and freeing the slot.
func (m *Manager) Complete(ctx context.Context, userID int64, kind store.Kind) (string, error) {
	var requestID string
	err := m.store.Mutate(ctx, func(tx *store.Tx) error {
		peek, ok := tx.Peek(userID)
		if !ok || peek.ActiveRequests[kind] == "" {
			return fmt.Errorf("%w: no active %s request for user %d", ErrNotFound, kind, userID)
		}
		u, _ := tx.User(userID)
		requestID = u.ActiveRequests[kind]
		delete(u.ActiveRequests, kind)

		if idx := u.FindRequest(requestID); idx >= 0 {
			req := &u.History[idx]
			if req.Status == store.StatusPending || req.Status == store.StatusAccepted {
				req.Resolve(store.StatusCompleted, string(ActorAdmin), tx.Now())
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	slog.Info("request completed", "request_id", requestID, "user_id", userID, "kind", kind)
	return requestID, nil
}

// CompleteByID closes out a pending or accepted request by id. Completed and
// expired requests yield ErrAlreadyResolved.
func (m *Manager) CompleteByID(ctx context.Context, requestID string) (store.Request, error) {
	return m.transition(ctx, requestID, store.StatusCompleted, ActorAdmin, func(req store.Request) error {
		if req.Status != store.StatusPending && req.Status != store.StatusAccepted {
			return ErrAlreadyResolved
		}
		return nil
	})
}

// ExpireSweep expires every pending request older than threshold and frees
// its slot. The returned slice holds the expired requests.
func (m *Manager) ExpireSweep(ctx context.Context, threshold time.Duration) ([]store.Request, error) {
	var expired []store.Request
	err := m.store.Mutate(ctx, func(tx *store.Tx) error {
		cutoff := tx.Now().Add(-threshold)
		for _, id := range tx.IDs() {
			peek, _ := tx.Peek(id)
			if !hasStalePending(peek, cutoff) {
				continue
			}
			u, _ := tx.User(id)
			for i := range u.History {
				req := &u.History[i]
				if req.Status != store.StatusPending || !req.CreatedAt.Before(cutoff) {
					continue
				}
				req.Resolve(store.StatusExpired, string(ActorSystem), tx.Now())
				if u.ActiveRequests[req.Kind] == req.ID {
					delete(u.ActiveRequests, req.Kind)
				}
				expired = append(expired, *req)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		slog.Info("expired stale requests", "count", len(expired), "threshold", threshold)
	}
	return expired, nil
}

// Lookup finds a request and its owner by request id.
func (m *Manager) Lookup(ctx context.Context, requestID string) (int64, store.Request, error) {
	requestID = strings.TrimSpace(requestID)
	if err := ctx.Err(); err != nil {
		return 0, store.Request{}, err
	}

	var (
		owner int64
		found store.Request
		ok    bool
	)
	_ = m.store.View(func(sn store.Snapshot) error {
		for _, id := range sn.IDs() {
			u, _ := sn.User(id)
			if idx := u.FindRequest(requestID); idx >= 0 {
				owner, found, ok = id, u.History[idx], true
				return nil
			}
		}
		return nil
	})
	if !ok {
		return 0, store.Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return owner, found, nil
}

// HasActive reports which kind, if any, occupies the user's request slot.
func (m *Manager) HasActive(ctx context.Context, userID int64) (store.Kind, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		kind store.Kind
		ok   bool
	)
	_ = m.store.View(func(sn store.Snapshot) error {
		if u, exists := sn.User(userID); exists {
			kind, _, ok = u.ActiveKind()
		}
		return nil
	})
	return kind, ok, nil
}

// Pending returns every pending request ordered by creation time.
func (m *Manager) Pending(ctx context.Context) ([]store.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pending []store.Request
	_ = m.store.View(func(sn store.Snapshot) error {
		for _, id := range sn.IDs() {
			u, _ := sn.User(id)
			for _, req := range u.History {
				if req.Status == store.StatusPending {
					pending = append(pending, req)
				}
			}
		}
		return nil
	})
	slices.SortFunc(pending, func(a, b store.Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return pending, nil
}

func (m *Manager) transition(ctx context.Context, requestID string, to store.Status, actor Actor, check func(store.Request) error) (store.Request, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return store.Request{}, fmt.Errorf("%w: empty request id", ErrNotFound)
	}

	var out store.Request
	err := m.store.Mutate(ctx, func(tx *store.Tx) error {
		ownerID, idx, ok := tx.FindRequest(requestID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		peek, _ := tx.Peek(ownerID)
		if err := check(peek.History[idx]); err != nil {
			out = peek.History[idx]
			return err
		}

		u, _ := tx.User(ownerID)
		req := &u.History[idx]
		req.Resolve(to, string(actor), tx.Now())
		if u.ActiveRequests[req.Kind] == req.ID {
			delete(u.ActiveRequests, req.Kind)
		}
		out = *req
		return nil
	})
	if err != nil {
		return out, err
	}

	slog.Info("request transitioned", "request_id", requestID, "user_id", out.OwnerID, "status", to, "actor", actor)
	return out, nil
}

func hasStalePending(u *store.UserRecord, cutoff time.Time) bool {
	for _, req := range u.History {
		if req.Status == store.StatusPending && req.CreatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// newRequestID derives <kind>_<user>_<unix> and appends -N when that id is
// already present in the user's history.
func newRequestID(u *store.UserRecord, kind store.Kind, now time.Time) string {
	base := fmt.Sprintf("%s_%d_%d", kind, u.ID, now.Unix())
	id := base
	for n := 2; u.FindRequest(id) >= 0; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}
