package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const runtimeMetricsFileName = "runtime_metrics.json"

// RuntimeSnapshot aggregates lifecycle, store and channel activity. It is
// persisted so offline commands can report on a running bot.
type RuntimeSnapshot struct {
	UpdatedAt time.Time    `json:"updated_at"`
	Requests  RequestStats `json:"requests"`
	Store     StoreStats   `json:"store"`
	Channel   ChannelStats `json:"channel"`
}

// RequestStats counts lifecycle events.
type RequestStats struct {
	Created           int64            `json:"created"`
	Resolved          int64            `json:"resolved"`
	ResolvedByActor   map[string]int64 `json:"resolved_by_actor,omitempty"`
	Completed         int64            `json:"completed"`
	Expired           int64            `json:"expired"`
	DuplicateResolves int64            `json:"duplicate_resolves"`
}

// AutoRatio returns the share of resolutions performed by the timer.
func (r RequestStats) AutoRatio() float64 {
	if r.Resolved <= 0 {
		return 0
	}
	return float64(r.ResolvedByActor["auto"]) / float64(r.Resolved)
}

// StoreStats tracks record store writes.
type StoreStats struct {
	Writes        int64 `json:"writes"`
	Failures      int64 `json:"failures"`
	LastLatencyMs int64 `json:"last_latency_ms"`
	MaxLatencyMs  int64 `json:"max_latency_ms"`
}

// ChannelStats tracks outbound channel send metrics.
type ChannelStats struct {
	SendAttempts int64 `json:"send_attempts"`
	SendFailures int64 `json:"send_failures"`
}

// FailureRatio returns failures/attempts in [0,1].
func (c ChannelStats) FailureRatio() float64 {
	if c.SendAttempts <= 0 {
		return 0
	}
	return float64(c.SendFailures) / float64(c.SendAttempts)
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Requests.Created > 0 || s.Requests.Resolved > 0 || s.Store.Writes > 0 || s.Channel.SendAttempts > 0
}

// RuntimeMetrics records lifecycle, store and channel metrics. Every
// observation updates both the Prometheus collectors and the persisted
// snapshot.
type RuntimeMetrics struct {
	path string

	registry       *prometheus.Registry
	events         *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	storeWrites    *prometheus.CounterVec
	storeLatency   prometheus.Histogram
	channelSends   *prometheus.CounterVec
	pendingTimers  prometheus.GaugeFunc
	pendingTimerFn func() int

	mu   sync.Mutex
	snap RuntimeSnapshot

	fileMu sync.Mutex
}

// NewRuntimeMetrics creates a recorder persisting to
// <workspace>/state/runtime_metrics.json. An empty workspace disables the
// snapshot file.
func NewRuntimeMetrics(workspacePath string) *RuntimeMetrics {
	m := &RuntimeMetrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftbot_request_events_total",
			Help: "Lifecycle events by type, kind and actor",
		}, []string{"type", "kind", "actor"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftbot_duplicate_resolves_total",
			Help: "Resolve calls that found the request already resolved",
		}, []string{"actor"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftbot_store_writes_total",
			Help: "Record store writes by status",
		}, []string{"status"}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "giftbot_store_write_duration_seconds",
			Help:    "Record store persist latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		channelSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftbot_channel_sends_total",
			Help: "Outbound chat messages by status",
		}, []string{"status"}),
	}
	if strings.TrimSpace(workspacePath) != "" {
		m.path = runtimeMetricsPath(workspacePath)
	}
	m.pendingTimers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "giftbot_auto_accept_timers",
		Help: "Armed auto-accept timers",
	}, func() float64 {
		m.mu.Lock()
		fn := m.pendingTimerFn
		m.mu.Unlock()
		if fn == nil {
			return 0
		}
		return float64(fn())
	})

	m.registry.MustRegister(
		m.events,
		m.duplicates,
		m.storeWrites,
		m.storeLatency,
		m.channelSends,
		m.pendingTimers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry holding every collector.
func (m *RuntimeMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *RuntimeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackPendingTimers reports fn() as the armed timer gauge.
func (m *RuntimeMetrics) TrackPendingTimers(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingTimerFn = fn
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.snap)
}

// ObserveEvent counts a published lifecycle event.
func (m *RuntimeMetrics) ObserveEvent(ev bus.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Type), string(ev.Kind), ev.Actor).Inc()

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	switch ev.Type {
	case bus.EventRequestCreated:
		m.snap.Requests.Created++
	case bus.EventRequestResolved:
		m.snap.Requests.Resolved++
		if m.snap.Requests.ResolvedByActor == nil {
			m.snap.Requests.ResolvedByActor = map[string]int64{}
		}
		m.snap.Requests.ResolvedByActor[ev.Actor]++
	case bus.EventRequestCompleted:
		m.snap.Requests.Completed++
	case bus.EventRequestExpired:
		m.snap.Requests.Expired++
	}
	snapshot := cloneSnapshot(m.snap)
	m.mu.Unlock()

	m.persist(snapshot)
}

// ObserveDuplicateResolve counts a resolve that lost the race.
func (m *RuntimeMetrics) ObserveDuplicateResolve(actor string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(actor).Inc()

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	m.snap.Requests.DuplicateResolves++
	snapshot := cloneSnapshot(m.snap)
	m.mu.Unlock()

	m.persist(snapshot)
}

// ObserveStoreWrite records one persist attempt. The snapshot file is not
// rewritten here; the next event flushes it.
func (m *RuntimeMetrics) ObserveStoreWrite(duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.storeWrites.WithLabelValues(status).Inc()
	m.storeLatency.Observe(duration.Seconds())

	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.UpdatedAt = time.Now().UTC()
	m.snap.Store.Writes++
	if err != nil {
		m.snap.Store.Failures++
	}
	m.snap.Store.LastLatencyMs = latencyMs
	if latencyMs > m.snap.Store.MaxLatencyMs {
		m.snap.Store.MaxLatencyMs = latencyMs
	}
}

// RecordChannelSend updates outbound channel send metrics and persists the snapshot.
func (m *RuntimeMetrics) RecordChannelSend(success bool) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	status := "ok"
	if !success {
		status = "error"
	}
	m.channelSends.WithLabelValues(status).Inc()

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	m.snap.Channel.SendAttempts++
	if !success {
		m.snap.Channel.SendFailures++
	}
	snapshot := cloneSnapshot(m.snap)
	m.mu.Unlock()

	return snapshot, m.write(snapshot)
}

// Close flushes the latest snapshot to disk.
func (m *RuntimeMetrics) Close() error {
	if m == nil {
		return nil
	}
	return m.write(m.Snapshot())
}

func (m *RuntimeMetrics) persist(snapshot RuntimeSnapshot) {
	if err := m.write(snapshot); err != nil {
		slog.Warn("persist runtime metrics failed", "error", err)
	}
}

func (m *RuntimeMetrics) write(snapshot RuntimeSnapshot) error {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	return persistRuntimeSnapshot(m.path, snapshot)
}

// ReadRuntimeSnapshot reads the persisted snapshot from workspace state.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(workspacePath string) (RuntimeSnapshot, error) {
	path := runtimeMetricsPath(workspacePath)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(workspacePath string) string {
	return filepath.Join(workspacePath, "state", runtimeMetricsFileName)
}

func cloneSnapshot(s RuntimeSnapshot) RuntimeSnapshot {
	if s.Requests.ResolvedByActor != nil {
		byActor := make(map[string]int64, len(s.Requests.ResolvedByActor))
		for k, v := range s.Requests.ResolvedByActor {
			byActor[k] = v
		}
		s.Requests.ResolvedByActor = byActor
	}
	return s
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}
