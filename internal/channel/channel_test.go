package channel

import (
	"testing"

	"github.com/MEKXH/giftbot/internal/bus"
)

func TestBaseChannel_PublishInbound(t *testing.T) {
	msgBus := bus.NewMessageBus(1)
	base := &BaseChannel{Bus: msgBus}

	base.PublishInbound(&bus.InboundMessage{Channel: "mock", SenderID: 5, ChatID: 5, Text: "/start"})

	got := <-msgBus.Inbound()
	if got.SenderID != 5 || got.Text != "/start" {
		t.Fatalf("unexpected inbound message: %+v", got)
	}
}
