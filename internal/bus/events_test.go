package bus

import (
	"context"
	"testing"
	"time"

	"github.com/MEKXH/giftbot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundMessage_SessionKey(t *testing.T) {
	msg := &InboundMessage{
		Channel: "telegram",
		ChatID:  12345,
	}

	expected := "telegram:12345"
	if got := msg.SessionKey(); got != expected {
		t.Errorf("SessionKey() = %q, want %q", got, expected)
	}
}

func TestInboundMessage_Command(t *testing.T) {
	msg := &InboundMessage{Text: "/dell@gift_bot stars_1_2 extra"}
	name, args, ok := msg.Command()
	require.True(t, ok)
	assert.Equal(t, "dell", name)
	assert.Equal(t, []string{"stars_1_2", "extra"}, args)

	_, _, ok = (&InboundMessage{Text: "hello"}).Command()
	assert.False(t, ok)
	_, _, ok = (&InboundMessage{Text: "/"}).Command()
	assert.False(t, ok)
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
}

func TestEventBus_FanOutInOrder(t *testing.T) {
	b := NewEventBus()
	a := b.Subscribe("a", 4)
	c := b.Subscribe("c", 4)

	ctx := WithRequestID(context.Background(), "trace-1")
	req := store.Request{ID: "stars_1_1", OwnerID: 1, Kind: store.KindStars}
	require.NoError(t, b.Publish(ctx, NewEvent(ctx, EventRequestCreated, req, "", time.Now())))
	require.NoError(t, b.Publish(ctx, NewEvent(ctx, EventRequestResolved, req, "auto", time.Now())))

	for _, ch := range []<-chan Event{a, c} {
		first := <-ch
		second := <-ch
		assert.Equal(t, EventRequestCreated, first.Type)
		assert.Equal(t, EventRequestResolved, second.Type)
		assert.Equal(t, "auto", second.Actor)
		assert.Equal(t, "trace-1", first.TraceID)
		assert.NotEqual(t, first.ID, second.ID)
	}
}

func TestEventBus_CloseUnblocksAndRejects(t *testing.T) {
	b := NewEventBus()
	ch := b.Subscribe("slow", 0)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Publish(context.Background(), Event{Type: EventRequestCreated})
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("publish did not return after close")
	}

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(context.Background(), Event{}), ErrClosed)

	late := b.Subscribe("late", 1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestEventBus_PublishHonorsContext(t *testing.T) {
	b := NewEventBus()
	defer b.Close()
	_ = b.Subscribe("stuck", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, Event{Type: EventRequestExpired})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageBus_RoundTrip(t *testing.T) {
	b := NewMessageBus(2)
	b.PublishInbound(&InboundMessage{Text: "hi"})
	b.PublishOutbound(&OutboundMessage{Content: "hello"})

	assert.Equal(t, "hi", (<-b.Inbound()).Text)
	assert.Equal(t, "hello", (<-b.Outbound()).Content)
}

func TestMessageBus_CloseReleasesBlockedPublishers(t *testing.T) {
	b := NewMessageBus(1)
	b.PublishOutbound(&OutboundMessage{Content: "queued"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.PublishOutbound(&OutboundMessage{Content: "blocked"})
		b.PublishInbound(&InboundMessage{Text: "fills"})
		b.PublishInbound(&InboundMessage{Text: "blocked"})
	}()

	select {
	case <-done:
		t.Fatal("publish should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	b.Close()
	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close should release blocked publishers")
	}
	assert.Equal(t, "queued", (<-b.Outbound()).Content)
	assert.Len(t, b.Outbound(), 0)
}
