package bot

import (
	"fmt"
	"strings"

	"github.com/MEKXH/giftbot/internal/config"
	"github.com/MEKXH/giftbot/internal/store"
)

// Menu button labels. Incoming text is matched against them verbatim.
const (
	ButtonStars   = "Stars 🎁"
	ButtonPremium = "TG Premium ⭐️"
	ButtonAbout   = "About ℹ️"
)

// Callback data prefixes for inline buttons.
const (
	acceptPrefix  = "accept_"
	premiumPrefix = "premium_"
)

// Texts are the long user-facing messages. They are HTML.
type Texts struct {
	Start string
	About string
	// StarsConditions and PremiumConditions may contain {referral_link}.
	StarsConditions   string
	PremiumConditions string
	// SubscriptionRequired may contain {channel}.
	SubscriptionRequired string
}

// DefaultTexts returns the built-in messages.
func DefaultTexts() Texts {
	return Texts{
		Start: "👋 Welcome!\n\nPick a gift from the menu below and submit a request.",
		About: "ℹ️ <b>About</b>\n\n" +
			"This bot hands out Telegram Stars and Telegram Premium.\n" +
			"Submit a request, wait for approval, then follow the conditions you receive.",
		StarsConditions: "🎉 <b>Your Stars request is approved!</b>\n\n" +
			"To receive the gift, invite 2 friends with your personal link:\n{referral_link}\n\n" +
			"Check your progress with /status.",
		PremiumConditions: "🎉 <b>Your Premium request is approved!</b>\n\n" +
			"To receive Telegram Premium, invite 2 friends with your personal link:\n{referral_link}\n\n" +
			"Check your progress with /status.",
		SubscriptionRequired: "📢 To use the bot, subscribe to {channel} and then send /start again.",
	}
}

// TextsFromConfig overlays configured texts on the defaults.
func TextsFromConfig(cfg config.GiftsConfig) Texts {
	t := DefaultTexts()
	if cfg.StartText != "" {
		t.Start = cfg.StartText
	}
	if cfg.AboutText != "" {
		t.About = cfg.AboutText
	}
	if cfg.StarsConditions != "" {
		t.StarsConditions = cfg.StarsConditions
	}
	if cfg.PremiumConditions != "" {
		t.PremiumConditions = cfg.PremiumConditions
	}
	return t
}

// Conditions renders the post-approval message for kind.
func (t Texts) Conditions(kind store.Kind, referralLink string) string {
	tmpl := t.StarsConditions
	if kind == store.KindPremium {
		tmpl = t.PremiumConditions
	}
	return strings.ReplaceAll(tmpl, "{referral_link}", referralLink)
}

// Subscription renders the membership prompt for channel.
func (t Texts) Subscription(channel string) string {
	return strings.ReplaceAll(t.SubscriptionRequired, "{channel}", channel)
}

// DurationName labels a Premium duration.
func DurationName(months int) string {
	if months == 1 {
		return "1 month"
	}
	return fmt.Sprintf("%d months", months)
}

func kindIcon(kind store.Kind) string {
	if kind == store.KindPremium {
		return "🎁"
	}
	return "⭐️"
}
