package channel

import (
	"context"

	"github.com/MEKXH/giftbot/internal/bus"
)

// Channel interface for chat platforms
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// BaseChannel provides common functionality
type BaseChannel struct {
	Bus *bus.MessageBus
}

// PublishInbound sends message to bus
func (b *BaseChannel) PublishInbound(msg *bus.InboundMessage) {
	b.Bus.PublishInbound(msg)
}
