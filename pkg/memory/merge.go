package memory

import (
	"context"

	"github.com/starkbot/backend/pkg/starkerr"
)

// MergeStrategy names how Merge combines two records' content (spec §4.6
// Merge).
type MergeStrategy string

const (
	MergeAppend           MergeStrategy = "append"
	MergeReplaceWithNewer MergeStrategy = "replace_with_newer"
	MergeCustom           MergeStrategy = "custom"
)

// Merge creates a new record from a and b under strategy, adds a related
// edge from it to each distinct record that Related(a or b, 1) returns (the
// original association types are not carried over), and writes supersedes
// edges a->new and b->new. Create and each Associate run as separate
// writes, not one transaction. The originals remain readable by id (Get) but are excluded from
// default search once superseded (spec §4.6 Merge semantics).
//
// customText is required when strategy == MergeCustom and ignored
// otherwise.
func (s *Store) Merge(ctx context.Context, aID, bID string, strategy MergeStrategy, customText string) (Record, error) {
	a, ok := s.Get(ctx, aID)
	if !ok {
		return Record{}, starkerr.New(starkerr.InvalidInput, "memory: unknown record "+aID)
	}
	b, ok := s.Get(ctx, bID)
	if !ok {
		return Record{}, starkerr.New(starkerr.InvalidInput, "memory: unknown record "+bID)
	}

	var content string
	switch strategy {
	case MergeAppend:
		content = a.Content + "\n" + b.Content
	case MergeReplaceWithNewer:
		if b.CreatedAt.After(a.CreatedAt) {
			content = b.Content
		} else {
			content = a.Content
		}
	case MergeCustom:
		if customText == "" {
			return Record{}, starkerr.New(starkerr.InvalidInput, "memory: custom merge requires customText")
		}
		content = customText
	default:
		return Record{}, starkerr.New(starkerr.InvalidInput, "memory: unknown merge strategy "+string(strategy))
	}

	importance := a.Importance
	if b.Importance > importance {
		importance = b.Importance
	}
	merged := Record{
		Type:       a.Type,
		Content:    content,
		Importance: importance,
		Category:   a.Category,
		Tags:       unionTags(a.Tags, b.Tags),
		Identity:   a.Identity,
		Session:    a.Session,
	}
	merged, err := s.Create(ctx, merged, nil)
	if err != nil {
		return Record{}, err
	}

	seen := map[string]bool{}
	for _, src := range []string{aID, bID} {
		related, err := s.Related(ctx, src, 1)
		if err != nil {
			return Record{}, err
		}
		for _, rel := range related {
			if rel.ID == merged.ID || seen[rel.ID] {
				continue
			}
			seen[rel.ID] = true
			if err := s.Associate(ctx, Association{SourceID: merged.ID, TargetID: rel.ID, Type: AssocRelated}); err != nil {
				return Record{}, err
			}
		}
	}

	if err := s.Associate(ctx, Association{SourceID: aID, TargetID: merged.ID, Type: AssocSupersedes}); err != nil {
		return Record{}, err
	}
	if err := s.Associate(ctx, Association{SourceID: bID, TargetID: merged.ID, Type: AssocSupersedes}); err != nil {
		return Record{}, err
	}
	if err := s.markSuperseded(ctx, aID, merged.ID); err != nil {
		return Record{}, err
	}
	if err := s.markSuperseded(ctx, bID, merged.ID); err != nil {
		return Record{}, err
	}
	return merged, nil
}

func (s *Store) markSuperseded(ctx context.Context, id, supersededBy string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET superseded_by = ? WHERE id = ?`, supersededBy, id)
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "memory: mark superseded", err)
	}
	return nil
}

func unionTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
