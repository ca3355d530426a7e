package memory

import (
	"context"
	"testing"
)

func TestRelatedTraversesOneHop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, _ := store.Create(ctx, Record{Type: TypeFact, Content: "a", Importance: 0.5}, nil)
	b, _ := store.Create(ctx, Record{Type: TypeFact, Content: "b", Importance: 0.5}, nil)
	store.Associate(ctx, Association{SourceID: a.ID, TargetID: b.ID, Type: AssocRelated})

	related, err := store.Related(ctx, a.ID, 1)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(related) != 1 || related[0].ID != b.ID {
		t.Fatalf("expected [b], got %+v", related)
	}
}

func TestRelatedDefaultDepthReachesTwoHops(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, _ := store.Create(ctx, Record{Type: TypeFact, Content: "a", Importance: 0.5}, nil)
	b, _ := store.Create(ctx, Record{Type: TypeFact, Content: "b", Importance: 0.5}, nil)
	c, _ := store.Create(ctx, Record{Type: TypeFact, Content: "c", Importance: 0.5}, nil)
	store.Associate(ctx, Association{SourceID: a.ID, TargetID: b.ID, Type: AssocRelated})
	store.Associate(ctx, Association{SourceID: b.ID, TargetID: c.ID, Type: AssocRelated})

	related, err := store.Related(ctx, a.ID, 0) // 0 -> DefaultTraversalDepth
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range related {
		ids[r.ID] = true
	}
	if !ids[b.ID] || !ids[c.ID] {
		t.Fatalf("expected both b and c reachable within default depth, got %+v", related)
	}
}

func TestRelatedHandlesCycleWithoutInfiniteLoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, _ := store.Create(ctx, Record{Type: TypeFact, Content: "a", Importance: 0.5}, nil)
	b, _ := store.Create(ctx, Record{Type: TypeFact, Content: "b", Importance: 0.5}, nil)
	store.Associate(ctx, Association{SourceID: a.ID, TargetID: b.ID, Type: AssocRelated})
	store.Associate(ctx, Association{SourceID: b.ID, TargetID: a.ID, Type: AssocRelated})

	related, err := store.Related(ctx, a.ID, 5)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(related) != 1 || related[0].ID != b.ID {
		t.Fatalf("expected cycle to resolve to just [b], got %+v", related)
	}
}
