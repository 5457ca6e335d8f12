package bus

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// InboundMessage received from a channel. Either Text or CallbackData is set.
type InboundMessage struct {
	Channel      string
	SenderID     int64
	ChatID       int64
	Handle       string
	Text         string
	CallbackData string
	CallbackID   string
	// MessageID is the platform id of the message, or of the message that
	// carried the pressed button.
	MessageID    int
	Timestamp    time.Time
	RequestID    string
}

// SessionKey returns unique session identifier
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + strconv.FormatInt(m.ChatID, 10)
}

// IsCallback reports whether the message is an inline button press.
func (m *InboundMessage) IsCallback() bool {
	return m.CallbackData != ""
}

// Command splits a "/cmd arg..." text into its command name and arguments.
// A "@botname" suffix on the command is dropped.
func (m *InboundMessage) Command() (string, []string, bool) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(name), fields[1:], true
}

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// Keyboard attaches either a reply keyboard (persistent menu rows) or an
// inline keyboard to an outbound message. Remove hides a reply keyboard.
type Keyboard struct {
	Reply  [][]string
	Inline [][]Button
	Remove bool
}

// OutboundMessage to send to a channel. A non-zero EditMessageID replaces
// the text of that message instead of sending a new one. CallbackID
// acknowledges a button press.
type OutboundMessage struct {
	Channel       string
	ChatID        int64
	Content       string
	HTML          bool
	Keyboard      *Keyboard
	EditMessageID int
	CallbackID    string
	RequestID     string
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// MessageBus carries chat traffic between channels and the dialogue handler.
// After Close, publishes that cannot be queued are dropped instead of
// blocking.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage

	done      chan struct{}
	closeOnce sync.Once
}

// NewMessageBus creates a bus with the given channel buffer size.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 1
	}
	return &MessageBus{
		inbound:  make(chan *InboundMessage, buffer),
		outbound: make(chan *OutboundMessage, buffer),
		done:     make(chan struct{}),
	}
}

// PublishInbound queues a message from a channel.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	select {
	case b.inbound <- msg:
	case <-b.done:
		slog.Debug("message bus closed, dropping inbound message", "chat_id", msg.ChatID)
	}
}

// Inbound returns the channel the dialogue handler reads from.
func (b *MessageBus) Inbound() <-chan *InboundMessage {
	return b.inbound
}

// PublishOutbound queues a message for delivery. It blocks while the queue is
// full and the bus is open.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	select {
	case b.outbound <- msg:
	case <-b.done:
		slog.Warn("message bus closed, dropping outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// Outbound returns the channel the channel manager reads from.
func (b *MessageBus) Outbound() <-chan *OutboundMessage {
	return b.outbound
}

// Close releases publishers blocked on a full queue. The queues themselves
// stay open so late publishers never panic.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
