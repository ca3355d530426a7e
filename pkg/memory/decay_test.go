package memory

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestDecayedImportanceHalvesAtHalfLife(t *testing.T) {
	policy := DefaultDecayPolicy()
	decayed := decayedImportance(1.0, policy.HalfLifeDays, policy)
	if decayed < 0.49 || decayed > 0.51 {
		t.Fatalf("expected ~0.5 at one half-life, got %v", decayed)
	}
}

func TestDecayedImportanceAppliesRecentBoost(t *testing.T) {
	policy := DefaultDecayPolicy()
	decayed := decayedImportance(0.1, 0.5, policy)
	withoutBoost := 0.1 * math.Pow(2, -0.5/policy.HalfLifeDays)
	if decayed <= withoutBoost {
		t.Fatalf("expected boost applied for age < 1 day, got decayed=%v without=%v", decayed, withoutBoost)
	}
}

func TestRunDecayPrunesBelowThresholdAndExemptsConfiguredTypes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	stale, _ := store.Create(ctx, Record{Type: TypeFact, Content: "stale fact", Importance: 0.01}, nil)
	fresh, _ := store.Create(ctx, Record{Type: TypeFact, Content: "fresh fact", Importance: 0.9}, nil)
	pref, _ := store.Create(ctx, Record{Type: TypePreference, Content: "always exempt", Importance: 0.01}, nil)

	backdate(t, store, stale.ID, -30)
	backdate(t, store, pref.ID, -30)

	pruned, err := store.RunDecay(ctx, DefaultDecayPolicy())
	if err != nil {
		t.Fatalf("RunDecay: %v", err)
	}
	prunedSet := map[string]bool{}
	for _, id := range pruned {
		prunedSet[id] = true
	}
	if !prunedSet[stale.ID] {
		t.Fatalf("expected stale low-importance record pruned, got %v", pruned)
	}
	if prunedSet[pref.ID] {
		t.Fatalf("expected exempt preference type to survive, got %v", pruned)
	}
	if prunedSet[fresh.ID] {
		t.Fatalf("expected fresh high-importance record to survive, got %v", pruned)
	}
}

func TestRunDecayUsesLastAccessedNotCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, _ := store.Create(ctx, Record{Type: TypeFact, Content: "old but just recalled", Importance: 0.01}, nil)

	oldCreated := time.Now().UTC().AddDate(0, 0, -90).Format(time.RFC3339Nano)
	recentAccess := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := store.db.Exec(`UPDATE memories SET created_at = ?, last_accessed = ? WHERE id = ?`, oldCreated, recentAccess, rec.ID); err != nil {
		t.Fatalf("set created/accessed: %v", err)
	}

	pruned, err := store.RunDecay(ctx, DefaultDecayPolicy())
	if err != nil {
		t.Fatalf("RunDecay: %v", err)
	}
	for _, id := range pruned {
		if id == rec.ID {
			t.Fatalf("expected record recalled just now to survive decay despite a 90-day-old created_at, got pruned: %v", pruned)
		}
	}
}

// backdate rewrites both created_at and last_accessed, simulating a record
// that was created and never revisited since.
func backdate(t *testing.T, store *Store, id string, days int) {
	t.Helper()
	ts := time.Now().UTC().AddDate(0, 0, days).Format(time.RFC3339Nano)
	if _, err := store.db.Exec(`UPDATE memories SET created_at = ?, last_accessed = ? WHERE id = ?`, ts, ts, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}
