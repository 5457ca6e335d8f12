package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
)

const (
	auditFileMode = 0644
	auditDirMode  = 0755
)

// Event is one audit record written as a single JSON line.
type Event struct {
	Time      time.Time `json:"time"`
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// FromBusEvent converts a lifecycle event into its audit record.
func FromBusEvent(ev bus.Event) Event {
	return Event{
		Time:      ev.At,
		Type:      string(ev.Type),
		RequestID: ev.RequestID,
		UserID:    ev.UserID,
		Kind:      string(ev.Kind),
		Actor:     ev.Actor,
		TraceID:   ev.TraceID,
	}
}

// Writer appends audit events to <workspace>/state/audit.jsonl.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates an append-only audit writer rooted at workspace state.
func NewWriter(workspace string) *Writer {
	return &Writer{
		path: auditPath(workspace),
	}
}

// Path returns the audit file location.
func (w *Writer) Path() string { return w.path }

// Append writes one event as one JSONL line.
func (w *Writer) Append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

// Consume appends every event from events until the channel closes or ctx
// is done. Write failures are logged and do not stop the loop.
func (w *Writer) Consume(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := w.Append(FromBusEvent(ev)); err != nil {
				slog.Warn("audit append failed", "request_id", ev.RequestID, "type", ev.Type, "error", err)
			}
		}
	}
}

// ReadForRequest returns the audit trail of one request in file order. A
// missing file yields no events.
func ReadForRequest(workspace, requestID string) ([]Event, error) {
	file, err := os.Open(auditPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	var out []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.RequestID == requestID {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return out, nil
}

func auditPath(workspace string) string {
	return filepath.Join(workspace, "state", "audit.jsonl")
}
