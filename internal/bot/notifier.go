package bot

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/lifecycle"
	"github.com/MEKXH/giftbot/internal/referral"
	"github.com/MEKXH/giftbot/internal/store"
)

// UserSource looks up user records for notifications.
type UserSource interface {
	User(ctx context.Context, userID int64) (store.UserRecord, error)
}

// Notifier turns lifecycle events into chat messages: new requests go to the
// admin with an accept button, accepted requests send the user their
// conditions.
type Notifier struct {
	users    UserSource
	platform Platform
	out      Outbox
	channel  string
	adminID  int64
	texts    Texts
}

// NewNotifier creates a notifier that sends through out on channel.
func NewNotifier(users UserSource, platform Platform, out Outbox, channel string, adminID int64, texts Texts) *Notifier {
	if texts == (Texts{}) {
		texts = DefaultTexts()
	}
	return &Notifier{
		users:    users,
		platform: platform,
		out:      out,
		channel:  channel,
		adminID:  adminID,
		texts:    texts,
	}
}

// Run consumes events until ctx is done or events is closed.
func (n *Notifier) Run(ctx context.Context, events <-chan bus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.Notify(ctx, ev)
		}
	}
}

// Notify sends the messages for one event.
func (n *Notifier) Notify(ctx context.Context, ev bus.Event) {
	switch ev.Type {
	case bus.EventRequestCreated:
		if n.adminID == 0 {
			return
		}
		n.send(n.adminID, newRequestText(ev), acceptKeyboard(ev.RequestID), ev.TraceID)

	case bus.EventRequestResolved:
		user, err := n.users.User(ctx, ev.UserID)
		if err != nil {
			slog.Error("load user for conditions failed", "request_id", ev.RequestID, "user_id", ev.UserID, "error", err)
			return
		}
		handle := user.Handle
		if handle == "" {
			handle = fmt.Sprintf("user_%d", ev.UserID)
		}
		link := referral.Link(n.botUsername(), handle)
		n.send(ev.UserID, n.texts.Conditions(ev.Kind, html.EscapeString(link)), nil, ev.TraceID)

		if ev.Actor == string(lifecycle.ActorAuto) && n.adminID != 0 {
			n.send(n.adminID, fmt.Sprintf("✅ Request %s accepted automatically", html.EscapeString(ev.RequestID)), nil, ev.TraceID)
		}

	case bus.EventRequestExpired:
		n.send(ev.UserID, fmt.Sprintf("⌛ Your request %s expired without review. You can submit a new one.", html.EscapeString(ev.RequestID)), nil, ev.TraceID)

	case bus.EventRequestCompleted:
		slog.Debug("request completed", "request_id", ev.RequestID, "user_id", ev.UserID)
	}
}

func (n *Notifier) botUsername() string {
	if n.platform == nil {
		return ""
	}
	return n.platform.BotUsername()
}

func (n *Notifier) send(chatID int64, text string, kb *bus.Keyboard, traceID string) {
	n.out.PublishOutbound(&bus.OutboundMessage{
		Channel:   n.channel,
		ChatID:    chatID,
		Content:   text,
		HTML:      true,
		Keyboard:  kb,
		RequestID: traceID,
	})
}

func newRequestText(ev bus.Event) string {
	p := ev.Payload
	var b strings.Builder
	if ev.Kind == store.KindPremium {
		b.WriteString("🔔 <b>NEW REQUEST (PREMIUM)</b>\n")
	} else {
		b.WriteString("🔔 <b>NEW REQUEST (STARS)</b>\n")
	}
	fmt.Fprintf(&b, "From: @%s\n", html.EscapeString(p.RequesterHandle))
	if ev.Kind == store.KindPremium {
		fmt.Fprintf(&b, "Duration: %s\n", html.EscapeString(p.DurationName))
	} else {
		fmt.Fprintf(&b, "Amount: %d ⭐️\n", p.Amount)
		fmt.Fprintf(&b, "Username: %s\n", html.EscapeString(p.TargetHandle))
	}
	fmt.Fprintf(&b, "Time: %s\n", html.EscapeString(p.DeliverAt))
	fmt.Fprintf(&b, "ID: <code>%s</code>", html.EscapeString(ev.RequestID))
	return b.String()
}
