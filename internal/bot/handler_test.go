package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/gifts"
	"github.com/MEKXH/giftbot/internal/state"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminID   = int64(1)
	channelID = int64(-100500)
)

type outbox struct {
	mu   sync.Mutex
	msgs []*bus.OutboundMessage
}

func (o *outbox) PublishOutbound(msg *bus.OutboundMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *outbox) take() []*bus.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = nil
	return out
}

func (o *outbox) last(t *testing.T) *bus.OutboundMessage {
	t.Helper()
	msgs := o.take()
	require.NotEmpty(t, msgs, "expected a reply")
	return msgs[len(msgs)-1]
}

type fakePlatform struct {
	members map[int64]bool
	err     error
}

func (p *fakePlatform) IsMember(_ context.Context, chID, userID int64) (bool, error) {
	if chID != channelID {
		return false, errors.New("unexpected channel")
	}
	if p.err != nil {
		return false, p.err
	}
	return p.members[userID], nil
}

func (p *fakePlatform) BotUsername() string { return "gift_bot" }

type botHarness struct {
	h        *Handler
	svc      *gifts.Service
	out      *outbox
	platform *fakePlatform
	clock    *clockwork.FakeClock
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.Open(context.Background(), store.NewFileBackend(filepath.Join(t.TempDir(), "users.json")), store.WithClock(clock))
	require.NoError(t, err)

	svc := gifts.NewService(s, nil, gifts.Options{Clock: clock, DisableAutoAccept: true})
	t.Cleanup(svc.Close)

	platform := &fakePlatform{members: map[int64]bool{}}
	out := &outbox{}
	h := New(svc, platform, state.NewManager("", time.Hour, clock), out, Options{
		AdminID:           adminID,
		RequiredChannel:   "@gifts_news",
		RequiredChannelID: channelID,
		MaxStars:          100,
		AutoAcceptDelay:   time.Minute,
		Clock:             clock,
		Location:          time.UTC,
	})
	return &botHarness{h: h, svc: svc, out: out, platform: platform, clock: clock}
}

func (bh *botHarness) text(userID int64, handle, text string) {
	bh.h.Handle(context.Background(), &bus.InboundMessage{
		Channel:   "telegram",
		SenderID:  userID,
		ChatID:    userID,
		Handle:    handle,
		Text:      text,
		RequestID: "trace",
	})
}

func (bh *botHarness) press(userID int64, data string) {
	bh.h.Handle(context.Background(), &bus.InboundMessage{
		Channel:      "telegram",
		SenderID:     userID,
		ChatID:       userID,
		CallbackData: data,
		CallbackID:   "cb",
		MessageID:    99,
	})
}

func (bh *botHarness) submitStars(t *testing.T, userID int64, handle string) store.Request {
	t.Helper()
	bh.text(userID, handle, ButtonStars)
	bh.text(userID, handle, "50")
	bh.text(userID, handle, "friend")
	bh.text(userID, handle, "02.05.2026 18:30")
	reply := bh.out.last(t)
	require.Contains(t, reply.Content, "Request sent")

	kind, ok, err := bh.svc.HasActive(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.KindStars, kind)

	user, err := bh.svc.User(context.Background(), userID)
	require.NoError(t, err)
	return user.History[len(user.History)-1]
}

func TestStartRecordsUserAndReferral(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[10] = true
	bh.platform.members[11] = true

	bh.text(10, "alice", "/start")
	reply := bh.out.last(t)
	assert.Equal(t, DefaultTexts().Start, reply.Content)
	require.NotNil(t, reply.Keyboard)
	assert.Equal(t, [][]string{{ButtonStars}, {ButtonPremium}, {ButtonAbout}}, reply.Keyboard.Reply)

	bh.text(11, "bob", "/start ref_alice")
	msgs := bh.out.take()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "friend's link")

	alice, err := bh.svc.User(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.Handle)
	assert.Equal(t, 1, alice.Referral.Count)

	bob, err := bh.svc.User(context.Background(), 11)
	require.NoError(t, err)
	require.NotNil(t, bob.InvitedBy)
	assert.Equal(t, int64(10), *bob.InvitedBy)

	// Following the link again does not count twice.
	bh.text(11, "bob", "/start ref_alice")
	assert.Len(t, bh.out.take(), 1)
}

func TestStartIgnoresSelfReferralAndFallsBackHandle(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[12] = true

	bh.text(12, "", "/start ref_user_12")
	assert.Len(t, bh.out.take(), 1)

	u, err := bh.svc.User(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, "user_12", u.Handle)
	assert.Zero(t, u.Referral.Count)
}

func TestMembershipGate(t *testing.T) {
	bh := newBotHarness(t)

	bh.text(20, "carol", ButtonStars)
	reply := bh.out.last(t)
	assert.Contains(t, reply.Content, "@gifts_news")
	assert.Equal(t, state.StepIdle, bh.h.convs.Get(20).Step)

	bh.text(adminID, "admin", ButtonAbout)
	assert.Equal(t, DefaultTexts().About, bh.out.last(t).Content)

	bh.platform.err = errors.New("telegram down")
	bh.text(20, "carol", ButtonStars)
	assert.Contains(t, bh.out.last(t).Content, "How many stars")
}

func TestStarsWizardSubmitsRequest(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[30] = true

	req := bh.submitStars(t, 30, "dave")
	assert.Equal(t, store.StatusPending, req.Status)
	assert.Equal(t, 50, req.Payload.Amount)
	assert.Equal(t, "@friend", req.Payload.TargetHandle)
	assert.Equal(t, "02.05.2026 18:30", req.Payload.DeliverAt)
	assert.Equal(t, "dave", req.Payload.RequesterHandle)
	assert.Equal(t, state.StepIdle, bh.h.convs.Get(30).Step)
}

func TestStarsWizardValidatesInput(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[31] = true

	bh.text(31, "erin", ButtonStars)
	bh.out.take()

	bh.text(31, "erin", "lots")
	assert.Equal(t, "❌ Enter a number", bh.out.last(t).Content)
	bh.text(31, "erin", "101")
	assert.Equal(t, "❌ From 1 to 100", bh.out.last(t).Content)
	bh.text(31, "erin", "0")
	assert.Equal(t, "❌ From 1 to 100", bh.out.last(t).Content)

	bh.text(31, "erin", "100")
	bh.text(31, "erin", "@pal")
	bh.out.take()

	bh.text(31, "erin", "2026-05-02 10:00")
	assert.Equal(t, dateErrorText(ErrDateFormat), bh.out.last(t).Content)
	bh.text(31, "erin", "31.02.2026 10:00")
	assert.Equal(t, dateErrorText(ErrDateNotExist), bh.out.last(t).Content)
	bh.text(31, "erin", "30.04.2026 10:00")
	assert.Equal(t, dateErrorText(ErrDateInPast), bh.out.last(t).Content)

	_, active, err := bh.svc.HasActive(context.Background(), 31)
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, state.StepStarsDate, bh.h.convs.Get(31).Step)
}

func TestSecondRequestRejectedWhileActive(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[32] = true
	bh.submitStars(t, 32, "frank")

	bh.text(32, "frank", ButtonPremium)
	assert.Contains(t, bh.out.last(t).Content, "already have an active request")

	bh.press(32, "premium_3")
	assert.Contains(t, bh.out.last(t).Content, "already have an active request")
}

func TestPremiumWizard(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[40] = true

	bh.text(40, "gina", ButtonPremium)
	reply := bh.out.last(t)
	require.NotNil(t, reply.Keyboard)
	require.Len(t, reply.Keyboard.Inline, 3)
	assert.Equal(t, "premium_12", reply.Keyboard.Inline[2][0].Data)

	bh.text(40, "gina", "3 months please")
	assert.Contains(t, bh.out.last(t).Content, "buttons")

	bh.press(40, "premium_7")
	assert.Contains(t, bh.out.last(t).Content, "Unknown duration")

	bh.press(40, "premium_3")
	edit := bh.out.last(t)
	assert.Equal(t, 99, edit.EditMessageID)
	assert.Equal(t, "cb", edit.CallbackID)
	assert.Contains(t, edit.Content, "Selected: 3 months")

	bh.text(40, "gina", "01.06.2026 12:00")
	assert.Contains(t, bh.out.last(t).Content, "auto in 60 sec")

	u, err := bh.svc.User(context.Background(), 40)
	require.NoError(t, err)
	req := u.History[0]
	assert.Equal(t, store.KindPremium, req.Kind)
	assert.Equal(t, 3, req.Payload.DurationMonths)
	assert.Equal(t, "3 months", req.Payload.DurationName)
}

func TestAcceptCallback(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[50] = true
	req := bh.submitStars(t, 50, "hank")

	bh.press(50, acceptPrefix+req.ID)
	assert.Contains(t, bh.out.last(t).Content, "Admin only")

	bh.press(adminID, acceptPrefix+req.ID)
	assert.Contains(t, bh.out.last(t).Content, "accepted!")

	_, got, err := bh.svc.Lookup(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAccepted, got.Status)
	assert.Equal(t, "manual", got.ResolvedBy)

	bh.press(adminID, acceptPrefix+req.ID)
	assert.Contains(t, bh.out.last(t).Content, "already accepted (manual)")

	bh.press(adminID, acceptPrefix+"stars_0_0")
	assert.Contains(t, bh.out.last(t).Content, "not found")
}

func TestDellCommand(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[60] = true
	req := bh.submitStars(t, 60, "ivy")

	bh.text(60, "ivy", "/dell "+req.ID)
	assert.Contains(t, bh.out.last(t).Content, "Admin only")

	bh.text(adminID, "admin", "/dell")
	assert.Contains(t, bh.out.last(t).Content, "/dell REQUEST_ID")

	bh.text(adminID, "admin", "/dell "+req.ID)
	assert.Contains(t, bh.out.last(t).Content, "closed")

	_, active, err := bh.svc.HasActive(context.Background(), 60)
	require.NoError(t, err)
	assert.False(t, active)

	bh.text(adminID, "admin", "/dell "+req.ID)
	assert.Contains(t, bh.out.last(t).Content, "already completed")

	bh.text(adminID, "admin", "/dell nope")
	assert.Contains(t, bh.out.last(t).Content, "not found")
}

func TestStatusCommand(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[70] = true
	bh.platform.members[71] = true

	bh.text(70, "jack", "/start")
	bh.text(71, "kate", "/start ref_jack")
	bh.out.take()

	bh.text(70, "jack", "/status")
	reply := bh.out.last(t)
	assert.Contains(t, reply.Content, "Invited: 1 of 2")
	assert.Contains(t, reply.Content, "❌ None")
	assert.Contains(t, reply.Content, "https://t.me/gift_bot?start=ref_jack")

	bh.submitStars(t, 70, "jack")
	bh.text(70, "jack", "/status@gift_bot")
	assert.Contains(t, bh.out.last(t).Content, "✅ Yes (⭐️)")
}

func TestCancelClearsWizard(t *testing.T) {
	bh := newBotHarness(t)
	bh.platform.members[80] = true

	bh.text(80, "liz", ButtonStars)
	bh.text(80, "liz", "/cancel")
	assert.Equal(t, "Cancelled.", bh.out.last(t).Content)
	assert.Equal(t, state.StepIdle, bh.h.convs.Get(80).Step)

	bh.text(80, "liz", "hello")
	assert.Contains(t, bh.out.last(t).Content, "menu buttons")
}

func TestRunHandlesUntilClosed(t *testing.T) {
	bh := newBotHarness(t)
	in := make(chan *bus.InboundMessage, 3)
	for _, id := range []int64{adminID, adminID, adminID} {
		in <- &bus.InboundMessage{Channel: "telegram", SenderID: id, ChatID: id, Text: ButtonAbout}
	}
	close(in)

	require.NoError(t, bh.h.Run(context.Background(), in))
	msgs := bh.out.take()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.True(t, strings.HasPrefix(m.Content, "ℹ️"))
	}
}

func TestParseDeliveryDate(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	got, err := ParseDeliveryDate("29.02.2028 23:59", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2028, 2, 29, 23, 59, 0, 0, time.UTC), got)

	_, err = ParseDeliveryDate("01.05.2026 09:00", now, time.UTC)
	assert.NoError(t, err, "now itself is not in the past")

	for input, want := range map[string]error{
		"1.5.2026 10:00":    ErrDateFormat,
		"01.05.2026 9:00":   ErrDateFormat,
		" 01.05.2026 10:00": ErrDateFormat,
		"29.02.2027 10:00":  ErrDateNotExist,
		"01.13.2026 10:00":  ErrDateNotExist,
		"01.05.2026 24:00":  ErrDateNotExist,
		"01.05.2026 08:59":  ErrDateInPast,
	} {
		_, err := ParseDeliveryDate(input, now, time.UTC)
		assert.ErrorIs(t, err, want, input)
	}
}
