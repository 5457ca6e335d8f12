package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	sent      []tgbotapi.Chattable
	requests  []tgbotapi.Chattable
	sendErrs  []error
	member    tgbotapi.ChatMember
	memberErr error
	gotMember tgbotapi.GetChatMemberConfig
	updates   chan tgbotapi.Update
	stopped   bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetChatMember(cfg tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	f.gotMember = cfg
	return f.member, f.memberErr
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() { f.stopped = true }

func newTestChannel(bot *fakeBot) (*Channel, *bus.MessageBus) {
	msgBus := bus.NewMessageBus(4)
	ch := New(&config.TelegramConfig{}, msgBus)
	ch.bot = bot
	ch.username = "gift_bot"
	return ch, msgBus
}

func TestSend_ReplyKeyboardAsHTML(t *testing.T) {
	bot := &fakeBot{}
	ch, _ := newTestChannel(bot)

	err := ch.Send(context.Background(), &bus.OutboundMessage{
		ChatID:   10,
		Content:  "<b>menu</b>",
		HTML:     true,
		Keyboard: &bus.Keyboard{Reply: [][]string{{"Stars", "Premium"}, {"About"}}},
	})
	require.NoError(t, err)
	require.Len(t, bot.sent, 1)

	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(10), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	markup, ok := msg.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok)
	assert.True(t, markup.ResizeKeyboard)
	require.Len(t, markup.Keyboard, 2)
	assert.Equal(t, "Premium", markup.Keyboard[0][1].Text)
}

func TestSend_InlineKeyboard(t *testing.T) {
	bot := &fakeBot{}
	ch, _ := newTestChannel(bot)

	err := ch.Send(context.Background(), &bus.OutboundMessage{
		ChatID:   1,
		Content:  "new request",
		Keyboard: &bus.Keyboard{Inline: [][]bus.Button{{{Text: "Accept", Data: "accept_x"}}}},
	})
	require.NoError(t, err)

	msg := bot.sent[0].(tgbotapi.MessageConfig)
	assert.Empty(t, msg.ParseMode)
	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.NotNil(t, markup.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "accept_x", *markup.InlineKeyboard[0][0].CallbackData)
}

func TestSend_EditAndAnswerCallback(t *testing.T) {
	bot := &fakeBot{}
	ch, _ := newTestChannel(bot)

	err := ch.Send(context.Background(), &bus.OutboundMessage{
		ChatID:        1,
		Content:       "accepted",
		EditMessageID: 77,
		CallbackID:    "cb-1",
	})
	require.NoError(t, err)

	require.Len(t, bot.requests, 1)
	answer, ok := bot.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "cb-1", answer.CallbackQueryID)

	edit, ok := bot.sent[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, 77, edit.MessageID)
	assert.Equal(t, "accepted", edit.Text)
}

func TestSend_CallbackOnly(t *testing.T) {
	bot := &fakeBot{}
	ch, _ := newTestChannel(bot)

	require.NoError(t, ch.Send(context.Background(), &bus.OutboundMessage{ChatID: 1, CallbackID: "cb"}))
	assert.Len(t, bot.requests, 1)
	assert.Empty(t, bot.sent)
}

func TestSend_FallsBackToPlainText(t *testing.T) {
	bot := &fakeBot{sendErrs: []error{errors.New("can't parse entities")}}
	ch, _ := newTestChannel(bot)

	err := ch.Send(context.Background(), &bus.OutboundMessage{ChatID: 1, Content: "<b>5 &amp; more</b>", HTML: true})
	require.NoError(t, err)
	require.Len(t, bot.sent, 2)

	retry := bot.sent[1].(tgbotapi.MessageConfig)
	assert.Empty(t, retry.ParseMode)
	assert.Equal(t, "5 & more", retry.Text)
}

func TestSend_NotInitialized(t *testing.T) {
	ch := New(&config.TelegramConfig{}, bus.NewMessageBus(1))
	assert.Error(t, ch.Send(context.Background(), &bus.OutboundMessage{ChatID: 1, Content: "hi"}))
}

func TestIsMember(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"member", true},
		{"administrator", true},
		{"creator", true},
		{"left", false},
		{"kicked", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			bot := &fakeBot{member: tgbotapi.ChatMember{Status: tt.status}}
			ch, _ := newTestChannel(bot)

			got, err := ch.IsMember(context.Background(), -100123, 42)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, int64(-100123), bot.gotMember.ChatID)
			assert.Equal(t, int64(42), bot.gotMember.UserID)
		})
	}
}

func TestIsMember_Error(t *testing.T) {
	bot := &fakeBot{memberErr: errors.New("chat not found")}
	ch, _ := newTestChannel(bot)

	ok, err := ch.IsMember(context.Background(), -1, 42)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestStart_PublishesMessagesAndCallbacks(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update, 3)}
	ch, msgBus := newTestChannel(bot)

	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 3,
		From:      &tgbotapi.User{ID: 42, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      "/start ref_bob",
		Date:      1767225600,
	}}
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 43},
		Chat: &tgbotapi.Chat{ID: -5, Type: "group"},
		Text: "ignored",
	}}
	bot.updates <- tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-9",
		From:    &tgbotapi.User{ID: 7, UserName: "admin"},
		Message: &tgbotapi.Message{MessageID: 11, Chat: &tgbotapi.Chat{ID: 7}},
		Data:    "accept_stars_1_1",
	}}
	close(bot.updates)

	require.NoError(t, ch.Start(context.Background()))

	first := <-msgBus.Inbound()
	assert.Equal(t, int64(42), first.SenderID)
	assert.Equal(t, "alice", first.Handle)
	assert.Equal(t, "/start ref_bob", first.Text)
	assert.Equal(t, 3, first.MessageID)
	assert.NotEmpty(t, first.RequestID)

	second := <-msgBus.Inbound()
	assert.True(t, second.IsCallback())
	assert.Equal(t, "cb-9", second.CallbackID)
	assert.Equal(t, 11, second.MessageID)
	assert.Equal(t, int64(7), second.ChatID)

	require.NoError(t, ch.Stop(context.Background()))
	assert.True(t, bot.stopped)
}

func TestBotUsernameOverride(t *testing.T) {
	ch, _ := newTestChannel(&fakeBot{})
	assert.Equal(t, "gift_bot", ch.BotUsername())

	ch.cfg.BotUsername = "other_bot"
	assert.Equal(t, "other_bot", ch.BotUsername())
}
