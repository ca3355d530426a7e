package backup

import (
	"context"
	"testing"
)

type fakeTarget struct {
	known   []string
	applied map[string]Entity
}

func newFakeTarget(known ...string) *fakeTarget {
	return &fakeTarget{known: known, applied: map[string]Entity{}}
}

func (f *fakeTarget) Upsert(_ context.Context, e Entity) error {
	f.applied[e.ID] = e
	return nil
}

func (f *fakeTarget) KnownFields() []string { return f.known }

func TestRestoreUpsertsByID(t *testing.T) {
	channels := newFakeTarget("name", "enabled")
	snap := Snapshot{
		Version: SnapshotVersion,
		Channels: []Entity{
			{ID: "discord-1", Fields: map[string]any{"name": "general", "enabled": true}},
		},
	}

	report, err := Restore(context.Background(), snap, Targets{Channels: channels})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.Restored["channels"] != 1 {
		t.Fatalf("expected 1 channel restored, got %d", report.Restored["channels"])
	}
	if channels.applied["discord-1"].Fields["name"] != "general" {
		t.Fatalf("expected channel entity applied, got %+v", channels.applied)
	}
}

func TestRestoreCollisionUpdatesInPlace(t *testing.T) {
	channels := newFakeTarget("name")
	channels.applied["discord-1"] = Entity{ID: "discord-1", Fields: map[string]any{"name": "stale"}}

	snap := Snapshot{Channels: []Entity{{ID: "discord-1", Fields: map[string]any{"name": "fresh"}}}}
	if _, err := Restore(context.Background(), snap, Targets{Channels: channels}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if channels.applied["discord-1"].Fields["name"] != "fresh" {
		t.Fatalf("expected in-place update, got %+v", channels.applied["discord-1"])
	}
	if len(channels.applied) != 1 {
		t.Fatalf("expected collision to update in place rather than duplicate, got %d entries", len(channels.applied))
	}
}

func TestRestoreDropsUnknownFieldsButKeepsEntity(t *testing.T) {
	skills := newFakeTarget("name")
	snap := Snapshot{Skills: []Entity{{ID: "researcher", Fields: map[string]any{"name": "researcher", "future_field": "x"}}}}

	report, err := Restore(context.Background(), snap, Targets{Skills: skills})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	applied := skills.applied["researcher"]
	if _, present := applied.Fields["future_field"]; present {
		t.Fatal("expected unknown field dropped before Upsert")
	}
	if applied.Fields["name"] != "researcher" {
		t.Fatal("expected known field preserved")
	}
	if got := report.SkippedFields["researcher"]; len(got) != 1 || got[0] != "future_field" {
		t.Fatalf("expected unknown field logged in report, got %v", got)
	}
}

func TestRestoreSectionWithoutTargetIsSkippedNotFailed(t *testing.T) {
	snap := Snapshot{APIKeys: []Entity{{ID: "k1", Fields: map[string]any{"provider": "openai"}}}}

	report, err := Restore(context.Background(), snap, Targets{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(report.Unsupported) != 1 || report.Unsupported[0] != "api_keys" {
		t.Fatalf("expected api_keys reported unsupported, got %v", report.Unsupported)
	}
}
