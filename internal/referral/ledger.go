package referral

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MEKXH/giftbot/internal/store"
)

// StartPrefix marks a referral payload in a /start deep link.
const StartPrefix = "ref_"

// Goal is the number of referrals a user is asked to bring.
const Goal = 2

// Ledger credits inviters for the users they bring in.
type Ledger struct {
	store *store.Store
}

// NewLedger creates a ledger backed by s.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// RecordReferral credits the user whose handle is inviterHandle with
// newUserID. It returns false without changing anything when the handle is
// unknown, when the inviter is the new user, or when the new user was already
// counted.
func (l *Ledger) RecordReferral(ctx context.Context, inviterHandle string, newUserID int64) (bool, error) {
	handle := NormalizeHandle(inviterHandle)
	if handle == "" {
		return false, nil
	}

	var added bool
	err := l.store.Mutate(ctx, func(tx *store.Tx) error {
		inviterID, ok := tx.FindByHandle(handle)
		if !ok || inviterID == newUserID {
			return nil
		}
		peek, _ := tx.Peek(inviterID)
		if peek.Referral.Contains(newUserID) {
			return nil
		}

		inviter, _ := tx.User(inviterID)
		inviter.Referral.Count++
		inviter.Referral.ReferredUserIDs = append(inviter.Referral.ReferredUserIDs, newUserID)

		invitee := tx.GetOrCreate(newUserID)
		if invitee.InvitedBy == nil {
			id := inviterID
			invitee.InvitedBy = &id
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record referral: %w", err)
	}
	if added {
		slog.Info("referral recorded", "inviter", handle, "user_id", newUserID)
	}
	return added, nil
}

// ParseStartParam extracts the inviter handle from a "ref_<handle>" start
// parameter.
func ParseStartParam(param string) (string, bool) {
	param = strings.TrimSpace(param)
	if !strings.HasPrefix(param, StartPrefix) {
		return "", false
	}
	handle := NormalizeHandle(strings.TrimPrefix(param, StartPrefix))
	return handle, handle != ""
}

// Link builds the deep link that credits handle when followed.
func Link(botName, handle string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%s", NormalizeHandle(botName), StartPrefix, NormalizeHandle(handle))
}

// NormalizeHandle trims whitespace and a leading '@'.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}
