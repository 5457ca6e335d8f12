package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/store"
)

func TestWriter_AppendEvent(t *testing.T) {
	workspace := t.TempDir()
	writer := NewWriter(workspace)

	firstTime := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	secondTime := firstTime.Add(60 * time.Second)

	if err := writer.Append(Event{
		Time:      firstTime,
		Type:      "request_created",
		RequestID: "stars_1_1",
		UserID:    1,
		Kind:      "stars",
	}); err != nil {
		t.Fatalf("Append first event error: %v", err)
	}

	if err := writer.Append(Event{
		Time:      secondTime,
		Type:      "request_resolved",
		RequestID: "stars_1_1",
		UserID:    1,
		Kind:      "stars",
		Actor:     "auto",
	}); err != nil {
		t.Fatalf("Append second event error: %v", err)
	}

	file, err := os.Open(writer.Path())
	if err != nil {
		t.Fatalf("Open audit file error: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lines := make([]string, 0, 2)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit file error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 jsonl lines, got %d", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line error: %v", err)
	}
	if !first.Time.Equal(firstTime) {
		t.Fatalf("expected first time %s, got %s", firstTime, first.Time)
	}
	if first.Type != "request_created" || first.Actor != "" {
		t.Fatalf("unexpected first event: %+v", first)
	}

	var second Event
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line error: %v", err)
	}
	if second.Actor != "auto" || second.UserID != 1 {
		t.Fatalf("unexpected second event: %+v", second)
	}
}

func TestWriter_AppendEvent_MkdirAllFailure(t *testing.T) {
	workspace := t.TempDir()
	statePath := filepath.Join(workspace, "state")
	if err := os.WriteFile(statePath, []byte("not-a-dir"), 0644); err != nil {
		t.Fatalf("WriteFile state blocker error: %v", err)
	}

	writer := NewWriter(workspace)
	err := writer.Append(Event{Time: time.Now().UTC(), Type: "request_created"})
	if err == nil {
		t.Fatal("expected append error when state path is a file")
	}
}

func TestWriter_AppendEvent_Concurrent(t *testing.T) {
	workspace := t.TempDir()
	writer := NewWriter(workspace)

	const total = 20
	var wg sync.WaitGroup
	errCh := make(chan error, total)
	wg.Add(total)
	for i := 0; i < total; i++ {
		go func() {
			defer wg.Done()
			if err := writer.Append(Event{
				Time:      time.Date(2026, 2, 15, 9, 0, i, 0, time.UTC),
				Type:      "request_created",
				RequestID: fmt.Sprintf("stars_%d_1", i),
			}); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("append failed in concurrent path: %v", err)
	}

	file, err := os.Open(writer.Path())
	if err != nil {
		t.Fatalf("Open audit file error: %v", err)
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		count++
	}
	if count != total {
		t.Fatalf("expected %d lines, got %d", total, count)
	}
}

func TestWriter_ConsumeBusEvents(t *testing.T) {
	workspace := t.TempDir()
	writer := NewWriter(workspace)

	eb := bus.NewEventBus()
	events := eb.Subscribe("audit", 4)
	done := make(chan struct{})
	go func() {
		writer.Consume(context.Background(), events)
		close(done)
	}()

	req := store.Request{ID: "premium_7_1", OwnerID: 7, Kind: store.KindPremium}
	ctx := context.Background()
	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	if err := eb.Publish(ctx, bus.NewEvent(ctx, bus.EventRequestCreated, req, "", at)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := eb.Publish(ctx, bus.NewEvent(ctx, bus.EventRequestResolved, req, "manual", at.Add(time.Second))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	other := store.Request{ID: "stars_8_1", OwnerID: 8, Kind: store.KindStars}
	if err := eb.Publish(ctx, bus.NewEvent(ctx, bus.EventRequestCreated, other, "", at)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eb.Close()
	<-done

	trail, err := ReadForRequest(workspace, "premium_7_1")
	if err != nil {
		t.Fatalf("ReadForRequest: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 events for request, got %d", len(trail))
	}
	if trail[1].Actor != "manual" || trail[1].Type != string(bus.EventRequestResolved) {
		t.Fatalf("unexpected resolution record: %+v", trail[1])
	}

	none, err := ReadForRequest(t.TempDir(), "premium_7_1")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty trail for missing file, got %v %v", none, err)
	}
}
