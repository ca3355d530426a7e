package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu   sync.Mutex
	ids  []string
	wg   sync.WaitGroup
}

func (r *fireRecorder) dispatch(ctx context.Context, entry Entry) error {
	defer r.wg.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, entry.ID)
	return nil
}

func TestAddCronComputesNextBeatAt(t *testing.T) {
	s := New(func(ctx context.Context, entry Entry) error { return nil })
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Add(Entry{ID: "daily", Kind: TriggerCron, CronExpr: "0 9 * * *"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entry, ok := s.Get("daily")
	if !ok {
		t.Fatal("expected entry present")
	}
	if entry.NextBeatAt.Hour() != 9 {
		t.Fatalf("expected next beat at 09:00, got %v", entry.NextBeatAt)
	}
}

func TestAddRejectsInvalidCronExpr(t *testing.T) {
	s := New(func(ctx context.Context, entry Entry) error { return nil })
	if err := s.Add(Entry{ID: "bad", Kind: TriggerCron, CronExpr: "not a cron expr"}); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestTickFiresDueHeartbeatAndAdvancesNextBeat(t *testing.T) {
	recorder := &fireRecorder{}
	recorder.wg.Add(1)
	s := New(recorder.dispatch)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Add(Entry{ID: "poll", Kind: TriggerHeartbeat, IntervalMinutes: 5})
	// force it due right now
	s.mu.Lock()
	s.entries["poll"].NextBeatAt = fixed
	s.mu.Unlock()

	s.Tick(context.Background())
	recorder.wg.Wait()

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.ids) != 1 || recorder.ids[0] != "poll" {
		t.Fatalf("expected poll to fire once, got %v", recorder.ids)
	}

	entry, _ := s.Get("poll")
	if !entry.NextBeatAt.After(fixed) {
		t.Fatalf("expected next_beat_at pre-advanced past current tick, got %v", entry.NextBeatAt)
	}
}

func TestTickSkipsHeartbeatOutsideActiveWindow(t *testing.T) {
	recorder := &fireRecorder{}
	s := New(recorder.dispatch)
	fixed := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC) // 3am, outside 9-17 window
	s.now = func() time.Time { return fixed }

	s.Add(Entry{ID: "business-hours", Kind: TriggerHeartbeat, IntervalMinutes: 5, Window: ActiveWindow{Hours: []int{9, 10, 11, 12, 13, 14, 15, 16, 17}}})
	s.mu.Lock()
	s.entries["business-hours"].NextBeatAt = fixed
	s.mu.Unlock()

	s.Tick(context.Background())
	time.Sleep(10 * time.Millisecond)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.ids) != 0 {
		t.Fatalf("expected no fire outside active window, got %v", recorder.ids)
	}
}

func TestRunNowFiresImmediatelyInBackground(t *testing.T) {
	recorder := &fireRecorder{}
	recorder.wg.Add(1)
	s := New(recorder.dispatch)
	s.Add(Entry{ID: "manual", Kind: TriggerHeartbeat, IntervalMinutes: 60})

	if err := s.RunNow(context.Background(), "manual"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	recorder.wg.Wait()

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.ids) != 1 || recorder.ids[0] != "manual" {
		t.Fatalf("expected manual fire recorded, got %v", recorder.ids)
	}
}

func TestRunNowUnknownEntryErrors(t *testing.T) {
	s := New(func(ctx context.Context, entry Entry) error { return nil })
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown entry id")
	}
}
