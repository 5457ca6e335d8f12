package store

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind is the reward category of a gift request.
type Kind string

const (
	KindStars   Kind = "stars"
	KindPremium Kind = "premium"
)

// Kinds lists every request kind in a stable order.
var Kinds = []Kind{KindStars, KindPremium}

// ParseKind normalizes user or operator input into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStars:
		return KindStars, nil
	case KindPremium:
		return KindPremium, nil
	default:
		return "", fmt.Errorf("unknown request kind %q", s)
	}
}

// Status is the lifecycle state of a gift request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Payload carries the kind-specific details supplied at submission time.
// It is never mutated after the request is created.
type Payload struct {
	Amount          int    `json:"amount,omitempty"`
	TargetHandle    string `json:"username,omitempty"`
	DurationMonths  int    `json:"duration,omitempty"`
	DurationName    string `json:"duration_name,omitempty"`
	DeliverAt       string `json:"datetime,omitempty"`
	RequesterHandle string `json:"user_username,omitempty"`
}

// Request is one submitted gift request. ResolvedAt and ResolvedBy record
// the first transition out of pending and are never rewritten; CompletedAt
// is set by the administrative closeout.
type Request struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"type"`
	OwnerID     int64     `json:"user_id"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Payload     Payload   `json:"data"`
}

// Resolve moves the request to status at now. Only the first transition out
// of pending stamps ResolvedAt and ResolvedBy.
func (r *Request) Resolve(to Status, by string, now time.Time) {
	if r.Status == StatusPending {
		r.ResolvedAt = now
		r.ResolvedBy = by
	}
	if to == StatusCompleted {
		r.CompletedAt = now
	}
	r.Status = to
}

// Referral counts the users a record has invited.
type Referral struct {
	Count           int     `json:"count"`
	ReferredUserIDs []int64 `json:"referred_users"`
}

// Contains reports whether userID was already referred.
func (r Referral) Contains(userID int64) bool {
	return slices.Contains(r.ReferredUserIDs, userID)
}

// UserRecord is the durable state kept for one end user.
type UserRecord struct {
	ID             int64           `json:"id"`
	Handle         string          `json:"username,omitempty"`
	FirstSeenAt    time.Time       `json:"first_seen"`
	InvitedBy      *int64          `json:"invited_by"`
	Referral       Referral        `json:"referrals"`
	ActiveRequests map[Kind]string `json:"active_requests"`
	History        []Request       `json:"requests_history"`
}

func newUserRecord(id int64, now time.Time) *UserRecord {
	return &UserRecord{
		ID:          id,
		FirstSeenAt: now.UTC(),
		Referral: Referral{
			ReferredUserIDs: []int64{},
		},
		ActiveRequests: map[Kind]string{},
		History:        []Request{},
	}
}

// ActiveKind returns the kind occupying the user's request slot, if any.
func (u *UserRecord) ActiveKind() (Kind, string, bool) {
	for _, kind := range Kinds {
		if id := u.ActiveRequests[kind]; id != "" {
			return kind, id, true
		}
	}
	return "", "", false
}

// FindRequest returns the index of the request with the given id in History.
func (u *UserRecord) FindRequest(id string) int {
	for i := range u.History {
		if u.History[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the record.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	cp := *u
	if u.InvitedBy != nil {
		v := *u.InvitedBy
		cp.InvitedBy = &v
	}
	cp.Referral.ReferredUserIDs = append([]int64{}, u.Referral.ReferredUserIDs...)
	cp.ActiveRequests = make(map[Kind]string, len(u.ActiveRequests))
	for k, v := range u.ActiveRequests {
		cp.ActiveRequests[k] = v
	}
	cp.History = append([]Request{}, u.History...)
	return &cp
}

func (u *UserRecord) normalize() {
	if u.ActiveRequests == nil {
		u.ActiveRequests = map[Kind]string{}
	}
	for k, v := range u.ActiveRequests {
		if v == "" {
			delete(u.ActiveRequests, k)
		}
	}
	if u.History == nil {
		u.History = []Request{}
	}
	if u.Referral.ReferredUserIDs == nil {
		u.Referral.ReferredUserIDs = []int64{}
	}
}

// Patch is a partial update applied by Store.Update. Nil fields are left
// untouched and nested structs are merged field by field. Request slots and
// history are not patchable; they change only through lifecycle transitions.
type Patch struct {
	Handle    *string
	InvitedBy *int64
	Referral  *ReferralPatch
}

// ReferralPatch merges into UserRecord.Referral field by field.
type ReferralPatch struct {
	Count           *int
	ReferredUserIDs []int64
}

func (p Patch) apply(u *UserRecord) {
	if p.Handle != nil {
		u.Handle = strings.TrimSpace(*p.Handle)
	}
	if p.InvitedBy != nil {
		v := *p.InvitedBy
		u.InvitedBy = &v
	}
	if p.Referral != nil {
		if p.Referral.Count != nil {
			u.Referral.Count = *p.Referral.Count
		}
		if p.Referral.ReferredUserIDs != nil {
			u.Referral.ReferredUserIDs = append([]int64{}, p.Referral.ReferredUserIDs...)
		}
	}
}
