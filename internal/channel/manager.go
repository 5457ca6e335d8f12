package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/metrics"
)

// Manager coordinates all channels
type Manager struct {
	channels      map[string]Channel
	bus           *bus.MessageBus
	sendSem       chan struct{}
	inflight      sync.WaitGroup
	runtimeMetric *metrics.RuntimeMetrics
	mu            sync.RWMutex
}

const defaultMaxConcurrentSends = 16

// NewManager creates a channel manager
func NewManager(msgBus *bus.MessageBus) *Manager {
	return NewManagerWithLimit(msgBus, defaultMaxConcurrentSends)
}

// NewManagerWithLimit creates a channel manager with bounded outbound send concurrency.
func NewManagerWithLimit(msgBus *bus.MessageBus, maxConcurrentSends int) *Manager {
	if maxConcurrentSends <= 0 {
		maxConcurrentSends = 1
	}
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		sendSem:  make(chan struct{}, maxConcurrentSends),
	}
}

// Register adds a channel
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// SetRuntimeMetrics attaches a recorder used for outbound send metrics.
func (m *Manager) SetRuntimeMetrics(recorder *metrics.RuntimeMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimeMetric = recorder
}

// Names returns registered channel names
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll runs every channel until ctx is cancelled or one of them fails.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.RUnlock()

	errCh := make(chan error, len(chans))
	for name, ch := range chans {
		go func(n string, c Channel) {
			slog.Info("starting channel", "name", n)
			err := c.Start(ctx)
			if err != nil {
				slog.Error("channel error", "name", n, "error", err)
			}
			errCh <- err
		}(name, ch)
	}

	for range chans {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// RouteOutbound sends outbound messages to appropriate channels until ctx
// is done, then waits for sends already in flight.
func (m *Manager) RouteOutbound(ctx context.Context) {
	defer m.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.bus.Outbound():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			m.mu.RLock()
			ch, found := m.channels[msg.Channel]
			metricRecorder := m.runtimeMetric
			m.mu.RUnlock()
			if !found {
				slog.Warn("outbound message for unknown channel", "channel", msg.Channel, "chat_id", msg.ChatID)
				continue
			}

			select {
			case m.sendSem <- struct{}{}:
				m.inflight.Add(1)
				go func(c Channel, outbound *bus.OutboundMessage, recorder *metrics.RuntimeMetrics) {
					defer m.inflight.Done()
					defer func() { <-m.sendSem }()
					err := c.Send(ctx, outbound)

					if recorder != nil {
						snapshot, recordErr := recorder.RecordChannelSend(err == nil)
						if recordErr != nil {
							slog.Warn("record runtime metrics failed", "scope", "channel", "error", recordErr)
						} else if err != nil {
							slog.Error("send outbound failed",
								"trace_id", outbound.RequestID,
								"channel", outbound.Channel,
								"chat_id", outbound.ChatID,
								"error", err,
								"channel_send_attempts", snapshot.Channel.SendAttempts,
								"channel_send_failure_ratio", snapshot.Channel.FailureRatio(),
							)
							return
						}
					}

					if err != nil {
						slog.Error("send outbound failed", "trace_id", outbound.RequestID, "channel", outbound.Channel, "chat_id", outbound.ChatID, "error", err)
					}
				}(ch, msg, metricRecorder)
			case <-ctx.Done():
				return
			}
		}
	}
}

// StopAll stops all channels
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		_ = ch.Stop(ctx)
	}
}
