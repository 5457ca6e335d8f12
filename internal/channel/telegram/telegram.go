package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/channel"
	"github.com/MEKXH/giftbot/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Name is the channel name used on the message bus.
const Name = "telegram"

var tagRe = regexp.MustCompile(`<[^>]+>`)

// botAPI is the subset of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Channel implements Telegram bot
type Channel struct {
	channel.BaseChannel
	cfg *config.TelegramConfig

	mu       sync.RWMutex
	bot      botAPI
	username string
}

// New creates a Telegram channel
func New(cfg *config.TelegramConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channel.BaseChannel{Bus: msgBus},
		cfg:         cfg,
	}
}

func (c *Channel) Name() string { return Name }

// Connect authenticates with the bot token. Start calls it when needed.
func (c *Channel) Connect() error {
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	c.mu.Lock()
	c.bot = bot
	c.username = bot.Self.UserName
	c.mu.Unlock()
	slog.Info("telegram bot connected", "username", bot.Self.UserName)
	return nil
}

func (c *Channel) api() botAPI {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot
}

// BotUsername returns the configured override or the name reported by
// Telegram.
func (c *Channel) BotUsername() string {
	if c.cfg.BotUsername != "" {
		return c.cfg.BotUsername
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Channel) Start(ctx context.Context) error {
	if c.api() == nil {
		if err := c.Connect(); err != nil {
			return err
		}
	}
	bot := c.api()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.cfg.PollTimeout
	if u.Timeout <= 0 {
		u.Timeout = 30
	}
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case update.Message != nil:
				c.handleMessage(update.Message)
			case update.CallbackQuery != nil:
				c.handleCallback(update.CallbackQuery)
			}
		}
	}
}

func (c *Channel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	if !msg.Chat.IsPrivate() {
		slog.Debug("ignoring non-private chat", "chat_id", msg.Chat.ID)
		return
	}

	c.PublishInbound(&bus.InboundMessage{
		Channel:   Name,
		SenderID:  msg.From.ID,
		ChatID:    msg.Chat.ID,
		Handle:    msg.From.UserName,
		Text:      msg.Text,
		MessageID: msg.MessageID,
		Timestamp: msg.Time(),
		RequestID: bus.NewRequestID(),
	})
}

func (c *Channel) handleCallback(q *tgbotapi.CallbackQuery) {
	if q.From == nil || q.Data == "" {
		return
	}
	in := &bus.InboundMessage{
		Channel:      Name,
		SenderID:     q.From.ID,
		ChatID:       q.From.ID,
		Handle:       q.From.UserName,
		CallbackData: q.Data,
		CallbackID:   q.ID,
		Timestamp:    time.Now(),
		RequestID:    bus.NewRequestID(),
	}
	if q.Message != nil {
		in.MessageID = q.Message.MessageID
		if q.Message.Chat != nil {
			in.ChatID = q.Message.Chat.ID
		}
	}
	c.PublishInbound(in)
}

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	bot := c.api()
	if bot == nil {
		return fmt.Errorf("bot not initialized")
	}

	if msg.CallbackID != "" {
		if _, err := bot.Request(tgbotapi.NewCallback(msg.CallbackID, "")); err != nil {
			slog.Debug("answer callback failed", "callback_id", msg.CallbackID, "error", err)
		}
	}
	if msg.Content == "" {
		return nil
	}

	parseMode := ""
	if msg.HTML {
		parseMode = tgbotapi.ModeHTML
	}
	_, err := bot.Send(buildChattable(msg, msg.Content, parseMode))
	if err != nil && msg.HTML {
		slog.Debug("html send failed, retrying as plain text", "chat_id", msg.ChatID, "error", err)
		_, err = bot.Send(buildChattable(msg, plainText(msg.Content), ""))
	}
	return err
}

// IsMember reports whether userID belongs to channelID.
func (c *Channel) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	bot := c.api()
	if bot == nil {
		return false, fmt.Errorf("bot not initialized")
	}
	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: channelID, UserID: userID},
	})
	if err != nil {
		return false, fmt.Errorf("get chat member: %w", err)
	}
	switch member.Status {
	case "member", "administrator", "creator":
		return true, nil
	default:
		return false, nil
	}
}

func (c *Channel) Stop(ctx context.Context) error {
	if bot := c.api(); bot != nil {
		bot.StopReceivingUpdates()
	}
	return nil
}

func buildChattable(msg *bus.OutboundMessage, text, parseMode string) tgbotapi.Chattable {
	if msg.EditMessageID != 0 {
		edit := tgbotapi.NewEditMessageText(msg.ChatID, msg.EditMessageID, text)
		edit.ParseMode = parseMode
		if msg.Keyboard != nil && len(msg.Keyboard.Inline) > 0 {
			markup := inlineMarkup(msg.Keyboard.Inline)
			edit.ReplyMarkup = &markup
		}
		return edit
	}

	out := tgbotapi.NewMessage(msg.ChatID, text)
	out.ParseMode = parseMode
	out.DisableWebPagePreview = true
	if kb := msg.Keyboard; kb != nil {
		switch {
		case kb.Remove:
			out.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
		case len(kb.Inline) > 0:
			out.ReplyMarkup = inlineMarkup(kb.Inline)
		case len(kb.Reply) > 0:
			rows := make([][]tgbotapi.KeyboardButton, 0, len(kb.Reply))
			for _, row := range kb.Reply {
				buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
				for _, label := range row {
					buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
				}
				rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
			}
			reply := tgbotapi.NewReplyKeyboard(rows...)
			reply.ResizeKeyboard = true
			out.ReplyMarkup = reply
		}
	}
	return out
}

func inlineMarkup(rows [][]bus.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

func plainText(content string) string {
	return html.UnescapeString(tagRe.ReplaceAllString(content, ""))
}
