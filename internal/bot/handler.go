package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/lifecycle"
	"github.com/MEKXH/giftbot/internal/referral"
	"github.com/MEKXH/giftbot/internal/state"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// GiftService is the lifecycle facade the dialogue drives.
type GiftService interface {
	Submit(ctx context.Context, userID int64, kind store.Kind, payload store.Payload) (store.Request, error)
	Resolve(ctx context.Context, requestID string, actor lifecycle.Actor) (store.Request, bool, error)
	CompleteByID(ctx context.Context, requestID string) (store.Request, error)
	HasActive(ctx context.Context, userID int64) (store.Kind, bool, error)
	RecordReferral(ctx context.Context, inviterHandle string, newUserID int64) (bool, error)
	TouchUser(ctx context.Context, userID int64, handle string) (store.UserRecord, error)
	User(ctx context.Context, userID int64) (store.UserRecord, error)
}

// Platform answers chat-platform questions the dialogue cannot.
type Platform interface {
	IsMember(ctx context.Context, channelID, userID int64) (bool, error)
	BotUsername() string
}

// Outbox queues replies.
type Outbox interface {
	PublishOutbound(msg *bus.OutboundMessage)
}

// Options configures a Handler.
type Options struct {
	AdminID int64
	// RequiredChannel is shown to non-members; RequiredChannelID is checked.
	// A zero id disables the membership gate.
	RequiredChannel   string
	RequiredChannelID int64
	MaxStars          int
	PremiumOptions    []int
	// AutoAcceptDelay is quoted to users after submission. Zero means
	// requests wait for the operator.
	AutoAcceptDelay time.Duration
	Texts           Texts
	Clock           clockwork.Clock
	// Location interprets typed delivery dates. Defaults to time.Local.
	Location *time.Location
	// Workers bounds concurrently handled messages.
	Workers int
}

const lockShards = 64

// Handler turns inbound chat messages into lifecycle operations and replies.
// Messages from one user are handled one at a time.
type Handler struct {
	svc      GiftService
	platform Platform
	convs    *state.Manager
	out      Outbox
	opts     Options

	locks [lockShards]sync.Mutex
}

// New creates a dialogue handler.
func New(svc GiftService, platform Platform, convs *state.Manager, out Outbox, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxStars <= 0 {
		opts.MaxStars = 100
	}
	if len(opts.PremiumOptions) == 0 {
		opts.PremiumOptions = []int{1, 3, 12}
	}
	if opts.Texts == (Texts{}) {
		opts.Texts = DefaultTexts()
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	return &Handler{
		svc:      svc,
		platform: platform,
		convs:    convs,
		out:      out,
		opts:     opts,
	}
}

// Run handles messages from in until ctx is done or in is closed, then waits
// for messages already being handled.
func (h *Handler) Run(ctx context.Context, in <-chan *bus.InboundMessage) error {
	var g errgroup.Group
	g.SetLimit(h.opts.Workers)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if msg == nil {
				continue
			}
			g.Go(func() error {
				h.Handle(ctx, msg)
				return nil
			})
		}
	}
}

// Handle processes one inbound message.
func (h *Handler) Handle(ctx context.Context, msg *bus.InboundMessage) {
	lock := &h.locks[uint64(msg.SenderID)%lockShards]
	lock.Lock()
	defer lock.Unlock()

	if msg.RequestID != "" {
		ctx = bus.WithRequestID(ctx, msg.RequestID)
	}
	log := slog.With("user_id", msg.SenderID, "trace_id", msg.RequestID)

	if msg.IsCallback() {
		h.handleCallback(ctx, log, msg)
		return
	}
	if name, args, ok := msg.Command(); ok {
		h.handleCommand(ctx, log, msg, name, args)
		return
	}
	h.handleText(ctx, log, msg)
}

func (h *Handler) handleCommand(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage, name string, args []string) {
	switch name {
	case "start":
		h.start(ctx, log, msg, args)
	case "status":
		if !h.gate(ctx, log, msg) {
			return
		}
		h.status(ctx, log, msg)
	case "dell":
		h.closeRequest(ctx, log, msg, args)
	case "cancel":
		if err := h.convs.Clear(msg.SenderID); err != nil {
			log.Warn("clear conversation failed", "error", err)
		}
		h.reply(msg, "Cancelled.", mainKeyboard())
	default:
		h.reply(msg, "Use the menu buttons 👆", nil)
	}
}

func (h *Handler) handleText(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage) {
	if !h.gate(ctx, log, msg) {
		return
	}

	switch strings.TrimSpace(msg.Text) {
	case ButtonStars:
		h.startStars(ctx, log, msg)
		return
	case ButtonPremium:
		h.startPremium(ctx, log, msg)
		return
	case ButtonAbout:
		h.reply(msg, h.opts.Texts.About, nil)
		return
	}

	conv := h.convs.Get(msg.SenderID)
	switch conv.Step {
	case state.StepStarsAmount:
		h.starsAmount(log, msg, conv)
	case state.StepStarsTarget:
		h.starsTarget(log, msg, conv)
	case state.StepStarsDate:
		h.submit(ctx, log, msg, conv, store.KindStars)
	case state.StepPremiumDate:
		h.submit(ctx, log, msg, conv, store.KindPremium)
	case state.StepPremiumDuration:
		h.reply(msg, "Choose the duration with the buttons above 👆", nil)
	default:
		h.reply(msg, "Use the menu buttons 👆", nil)
	}
}

// gate enforces channel membership. Lookup failures let the user through.
func (h *Handler) gate(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage) bool {
	if h.opts.RequiredChannelID == 0 || h.platform == nil || msg.SenderID == h.opts.AdminID {
		return true
	}
	ok, err := h.platform.IsMember(ctx, h.opts.RequiredChannelID, msg.SenderID)
	if err != nil {
		log.Error("membership check failed", "error", err)
		return true
	}
	if !ok {
		h.reply(msg, h.opts.Texts.Subscription(html.EscapeString(h.opts.RequiredChannel)), nil)
	}
	return ok
}

func (h *Handler) start(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage, args []string) {
	if !h.gate(ctx, log, msg) {
		return
	}

	handle := userHandle(msg)
	if _, err := h.svc.TouchUser(ctx, msg.SenderID, handle); err != nil {
		log.Error("touch user failed", "error", err)
		h.reply(msg, storeUnavailableText, nil)
		return
	}

	if len(args) > 0 {
		if inviter, ok := referral.ParseStartParam(args[0]); ok && !strings.EqualFold(inviter, handle) {
			added, err := h.svc.RecordReferral(ctx, inviter, msg.SenderID)
			if err != nil {
				log.Error("record referral failed", "inviter", inviter, "error", err)
			} else if added {
				h.reply(msg, "🤝 You came via a friend's link!", nil)
			}
		}
	}

	h.reply(msg, h.opts.Texts.Start, mainKeyboard())
}

func (h *Handler) status(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage) {
	user, err := h.svc.User(ctx, msg.SenderID)
	if err != nil {
		log.Error("load user failed", "error", err)
		h.reply(msg, storeUnavailableText, nil)
		return
	}
	kind, active, err := h.svc.HasActive(ctx, msg.SenderID)
	if err != nil {
		log.Error("check active request failed", "error", err)
		h.reply(msg, storeUnavailableText, nil)
		return
	}

	activeText := "❌ None"
	if active {
		activeText = fmt.Sprintf("✅ Yes (%s)", kindIcon(kind))
	}
	handle := user.Handle
	if handle == "" {
		handle = userHandle(msg)
	}

	var b strings.Builder
	b.WriteString("📊 <b>Status</b>\n\n")
	fmt.Fprintf(&b, "👥 Invited: %d of %d\n\n", user.Referral.Count, referral.Goal)
	fmt.Fprintf(&b, "<b>Request:</b> %s\n\n", activeText)
	fmt.Fprintf(&b, "<b>Link:</b>\n%s", html.EscapeString(referral.Link(h.botUsername(), handle)))
	h.reply(msg, b.String(), nil)
}

func (h *Handler) closeRequest(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage, args []string) {
	if msg.SenderID != h.opts.AdminID {
		h.reply(msg, "⛔️ Admin only!", nil)
		return
	}
	if len(args) == 0 {
		h.reply(msg, "❌ /dell REQUEST_ID", nil)
		return
	}

	requestID := args[0]
	req, err := h.svc.CompleteByID(ctx, requestID)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		h.reply(msg, "❌ Request not found", nil)
	case errors.Is(err, lifecycle.ErrAlreadyResolved):
		h.reply(msg, fmt.Sprintf("ℹ️ Request %s is already %s", html.EscapeString(requestID), req.Status), nil)
	case err != nil:
		log.Error("close request failed", "request_id", requestID, "error", err)
		h.reply(msg, storeUnavailableText, nil)
	default:
		log.Info("request closed by admin", "request_id", requestID)
		h.reply(msg, fmt.Sprintf("✅ Request %s closed", html.EscapeString(requestID)), nil)
	}
}

func (h *Handler) startStars(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage) {
	if h.hasActive(ctx, log, msg) {
		return
	}
	if err := h.convs.Set(msg.SenderID, state.Conversation{Step: state.StepStarsAmount}); err != nil {
		log.Warn("save conversation failed", "error", err)
	}
	h.reply(msg, fmt.Sprintf("How many stars? (1-%d)", h.opts.MaxStars), nil)
}

func (h *Handler) starsAmount(log *slog.Logger, msg *bus.InboundMessage, conv state.Conversation) {
	amount, err := strconv.Atoi(strings.TrimSpace(msg.Text))
	if err != nil {
		h.reply(msg, "❌ Enter a number", nil)
		return
	}
	if amount <= 0 || amount > h.opts.MaxStars {
		h.reply(msg, fmt.Sprintf("❌ From 1 to %d", h.opts.MaxStars), nil)
		return
	}
	conv.Step = state.StepStarsTarget
	conv.Draft.Amount = amount
	if err := h.convs.Set(msg.SenderID, conv); err != nil {
		log.Warn("save conversation failed", "error", err)
	}
	h.reply(msg, "Recipient @username:", nil)
}

func (h *Handler) starsTarget(log *slog.Logger, msg *bus.InboundMessage, conv state.Conversation) {
	target := referral.NormalizeHandle(msg.Text)
	if target == "" || strings.ContainsAny(target, " \t\n") {
		h.reply(msg, "❌ Send a single @username", nil)
		return
	}
	conv.Step = state.StepStarsDate
	conv.Draft.TargetHandle = "@" + target
	if err := h.convs.Set(msg.SenderID, conv); err != nil {
		log.Warn("save conversation failed", "error", err)
	}
	h.reply(msg, datePrompt, nil)
}

func (h *Handler) startPremium(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage) {
	if h.hasActive(ctx, log, msg) {
		return
	}
	if err := h.convs.Set(msg.SenderID, state.Conversation{Step: state.StepPremiumDuration}); err != nil {
		log.Warn("save conversation failed", "error", err)
	}
	h.reply(msg, "Premium duration?", premiumKeyboard(h.opts.PremiumOptions))
}

func (h *Handler) submit(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage, conv state.Conversation, kind store.Kind) {
	text := strings.TrimSpace(msg.Text)
	if _, err := ParseDeliveryDate(text, h.opts.Clock.Now().In(h.opts.Location), h.opts.Location); err != nil {
		h.reply(msg, dateErrorText(err), nil)
		return
	}

	payload := store.Payload{
		DeliverAt:       text,
		RequesterHandle: userHandle(msg),
	}
	switch kind {
	case store.KindStars:
		payload.Amount = conv.Draft.Amount
		payload.TargetHandle = conv.Draft.TargetHandle
	case store.KindPremium:
		payload.DurationMonths = conv.Draft.DurationMonths
		payload.DurationName = conv.Draft.DurationName
	}

	req, err := h.svc.Submit(ctx, msg.SenderID, kind, payload)
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyActive):
		h.clearConversation(log, msg.SenderID)
		h.reply(msg, "⚠️ You already have an active request!", mainKeyboard())
		return
	case err != nil:
		// The draft is kept so the user can resend the date.
		log.Error("submit request failed", "kind", kind, "error", err)
		h.reply(msg, storeUnavailableText, nil)
		return
	}

	h.clearConversation(log, msg.SenderID)
	log.Info("request submitted", "request_id", req.ID, "kind", kind)

	confirmation := "✅ Request sent! Please wait for approval."
	if h.opts.AutoAcceptDelay > 0 {
		confirmation = fmt.Sprintf("✅ Request sent! Please wait (auto in %d sec)", int(h.opts.AutoAcceptDelay.Seconds()))
	}
	h.reply(msg, confirmation, mainKeyboard())
}

func (h *Handler) handleCallback(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage) {
	switch data := msg.CallbackData; {
	case strings.HasPrefix(data, acceptPrefix):
		h.acceptCallback(ctx, log, msg, strings.TrimPrefix(data, acceptPrefix))
	case strings.HasPrefix(data, premiumPrefix):
		h.premiumCallback(ctx, log, msg, strings.TrimPrefix(data, premiumPrefix))
	default:
		h.answer(msg, "")
	}
}

func (h *Handler) premiumCallback(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage, raw string) {
	_, active, err := h.svc.HasActive(ctx, msg.SenderID)
	if err != nil {
		log.Error("check active request failed", "error", err)
		h.answer(msg, storeUnavailableText)
		return
	}
	if active {
		h.answer(msg, "❌ You already have an active request")
		return
	}

	months, err := strconv.Atoi(raw)
	if err != nil || !slices.Contains(h.opts.PremiumOptions, months) {
		h.answer(msg, "❌ Unknown duration")
		return
	}

	name := DurationName(months)
	conv := state.Conversation{
		Step:  state.StepPremiumDate,
		Draft: state.Draft{DurationMonths: months, DurationName: name},
	}
	if err := h.convs.Set(msg.SenderID, conv); err != nil {
		log.Warn("save conversation failed", "error", err)
	}
	h.answer(msg, fmt.Sprintf("Selected: %s\n\n%s", name, datePrompt))
}

func (h *Handler) acceptCallback(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage, requestID string) {
	if msg.SenderID != h.opts.AdminID {
		h.answer(msg, "⛔️ Admin only!")
		return
	}

	log.Info("manual accept", "request_id", requestID)
	req, won, err := h.svc.Resolve(ctx, requestID, lifecycle.ActorManual)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		h.answer(msg, "❌ Request not found")
	case err != nil:
		log.Error("manual accept failed", "request_id", requestID, "error", err)
		h.answer(msg, fmt.Sprintf("❌ Error: %s", html.EscapeString(err.Error())))
	case won:
		h.answer(msg, fmt.Sprintf("✅ Request %s accepted!", html.EscapeString(requestID)))
	default:
		by := ""
		if req.ResolvedBy != "" {
			by = " (" + req.ResolvedBy + ")"
		}
		h.answer(msg, fmt.Sprintf("ℹ️ Request %s is already %s%s", html.EscapeString(requestID), req.Status, by))
	}
}

func (h *Handler) hasActive(ctx context.Context, log *slog.Logger, msg *bus.InboundMessage) bool {
	_, active, err := h.svc.HasActive(ctx, msg.SenderID)
	if err != nil {
		log.Error("check active request failed", "error", err)
		h.reply(msg, storeUnavailableText, nil)
		return true
	}
	if active {
		h.reply(msg, "⚠️ You already have an active request!", nil)
	}
	return active
}

func (h *Handler) clearConversation(log *slog.Logger, userID int64) {
	if err := h.convs.Clear(userID); err != nil {
		log.Warn("clear conversation failed", "error", err)
	}
}

func (h *Handler) botUsername() string {
	if h.platform == nil {
		return ""
	}
	return h.platform.BotUsername()
}

func (h *Handler) reply(msg *bus.InboundMessage, text string, kb *bus.Keyboard) {
	h.out.PublishOutbound(&bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   text,
		HTML:      true,
		Keyboard:  kb,
		RequestID: msg.RequestID,
	})
}

// answer acknowledges a button press by rewriting the message that carried
// the button.
func (h *Handler) answer(msg *bus.InboundMessage, text string) {
	out := &bus.OutboundMessage{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Content:    text,
		HTML:       true,
		CallbackID: msg.CallbackID,
		RequestID:  msg.RequestID,
	}
	if msg.MessageID != 0 {
		out.EditMessageID = msg.MessageID
	}
	h.out.PublishOutbound(out)
}

const (
	datePrompt           = "Date and time (DD.MM.YYYY HH:MM):"
	storeUnavailableText = "⚠️ Something went wrong, please try again later."
)

func userHandle(msg *bus.InboundMessage) string {
	if h := referral.NormalizeHandle(msg.Handle); h != "" {
		return h
	}
	return "user_" + strconv.FormatInt(msg.SenderID, 10)
}
