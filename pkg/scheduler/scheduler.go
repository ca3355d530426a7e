// Package scheduler implements the cron and heartbeat trigger engine (C9):
// cron entries use standard 5-field expressions with timezone support via
// github.com/robfig/cron/v3 (the same dependency the rest of the retrieval
// pack reaches for whenever a repo needs scheduled triggers); heartbeats
// are a fixed-interval poll with optional active-hours/active-days
// windows, implemented as plain time arithmetic since no dependency in the
// pack does anything beyond that for a window check.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/starkbot/backend/pkg/starkerr"
)

// TriggerKind names whether an Entry is cron- or heartbeat-driven.
type TriggerKind string

const (
	TriggerCron      TriggerKind = "cron"
	TriggerHeartbeat TriggerKind = "heartbeat"
)

// ActiveWindow restricts a heartbeat to certain local hours and weekdays.
// A nil Hours/Days means "always active" for that dimension.
type ActiveWindow struct {
	Hours []int // 0-23
	Days  []time.Weekday
}

func (w ActiveWindow) includes(t time.Time) bool {
	if len(w.Hours) > 0 && !intIn(t.Hour(), w.Hours) {
		return false
	}
	if len(w.Days) > 0 && !dayIn(t.Weekday(), w.Days) {
		return false
	}
	return true
}

func intIn(v int, set []int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func dayIn(v time.Weekday, set []time.Weekday) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// Entry is one scheduled trigger (spec §4.9).
type Entry struct {
	ID               string
	Kind             TriggerKind
	CronExpr         string        // 5-field expression + optional CRON_TZ=... prefix, TriggerCron only
	IntervalMinutes  int           // TriggerHeartbeat only
	Window           ActiveWindow  // TriggerHeartbeat only
	ChannelID        string
	NextBeatAt       time.Time
	LastBeatAt       time.Time
	schedule         cron.Schedule // parsed CronExpr, cached
}

// Dispatch sends a synthetic normalized message into C8 for channelID when
// a trigger fires (spec §4.9 step "dispatch into C8 as a synthetic
// normalized message").
type Dispatch func(ctx context.Context, entry Entry) error

// Scheduler owns the entry table and a background tick loop.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*Entry
	dispatch Dispatch
	now     func() time.Time
}

// New builds a Scheduler that calls dispatch for every due entry.
func New(dispatch Dispatch) *Scheduler {
	return &Scheduler{entries: map[string]*Entry{}, dispatch: dispatch, now: time.Now}
}

// Add registers or replaces an entry, computing its initial NextBeatAt.
func (s *Scheduler) Add(entry Entry) error {
	if entry.Kind == TriggerCron {
		schedule, err := cron.ParseStandard(entry.CronExpr)
		if err != nil {
			return starkerr.Wrap(starkerr.InvalidInput, "scheduler: parse cron expression", err)
		}
		entry.schedule = schedule
		entry.NextBeatAt = schedule.Next(s.now())
	} else {
		entry.NextBeatAt = s.now().Add(time.Duration(entry.IntervalMinutes) * time.Minute)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = &entry
	return nil
}

// Remove deletes an entry by id.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Tick evaluates every entry once, firing dispatch for each due one. Per
// spec §4.9: next_beat_at is pre-updated before execution (preventing
// double-fire on an overlapping tick), then only last_beat_at is written
// after execution; next_beat_at keeps the value set before execution.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due := s.dueEntries(now)
	for _, entry := range due {
		go s.fire(ctx, entry, now)
	}
}

func (s *Scheduler) dueEntries(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for id, entry := range s.entries {
		if now.Before(entry.NextBeatAt) {
			continue
		}
		if entry.Kind == TriggerHeartbeat && !entry.Window.includes(now) {
			// Outside the active window: still pre-advance next_beat_at so
			// the tick doesn't busy-fire every cycle until the window opens.
			entry.NextBeatAt = now.Add(time.Duration(entry.IntervalMinutes) * time.Minute)
			continue
		}
		snapshot := *entry
		due = append(due, snapshot)
		s.preAdvance(entry, now)
		_ = id
	}
	return due
}

func (s *Scheduler) preAdvance(entry *Entry, now time.Time) {
	if entry.Kind == TriggerCron && entry.schedule != nil {
		entry.NextBeatAt = entry.schedule.Next(now)
	} else {
		entry.NextBeatAt = now.Add(time.Duration(entry.IntervalMinutes) * time.Minute)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry Entry, firedAt time.Time) {
	_ = s.dispatch(ctx, entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	if live, ok := s.entries[entry.ID]; ok {
		live.LastBeatAt = firedAt
	}
}

// RunNow triggers entry immediately in the background and returns without
// waiting for completion (spec §4.9: "A 'run now' API returns immediately;
// execution is background").
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return starkerr.New(starkerr.InvalidInput, "scheduler: unknown entry "+id)
	}
	snapshot := *entry
	s.mu.Unlock()

	go s.fire(ctx, snapshot, s.now())
	return nil
}

// Get returns a copy of the current entry state, for status reporting.
func (s *Scheduler) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}
