package memory

import (
	"context"

	"github.com/starkbot/backend/pkg/starkerr"
)

// DefaultTraversalDepth bounds Related's breadth-first walk (spec §4.6,
// "Avoiding cyclic ownership": the graph may contain cycles, so traversal
// tracks visited ids rather than relying on acyclicity).
const DefaultTraversalDepth = 2

// Associate records a directed edge from sourceID to targetID.
func (s *Store) Associate(ctx context.Context, a Association) error {
	if a.Strength == 0 {
		a.Strength = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO associations(source_id, target_id, type, strength) VALUES (?, ?, ?, ?)`,
		a.SourceID, a.TargetID, string(a.Type), a.Strength)
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "memory: insert association", err)
	}
	return nil
}

// Related returns every record reachable from id by following outgoing
// associations, breadth-first, up to maxDepth hops (0 means
// DefaultTraversalDepth). A visited set guards against cycles; id itself is
// never included in the result.
func (s *Store) Related(ctx context.Context, id string, maxDepth int) ([]Record, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultTraversalDepth
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Record

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, current := range frontier {
			rows, err := s.db.QueryContext(ctx, `SELECT target_id FROM associations WHERE source_id = ?`, current)
			if err != nil {
				return nil, starkerr.Wrap(starkerr.Internal, "memory: query associations", err)
			}
			var targets []string
			for rows.Next() {
				var target string
				if err := rows.Scan(&target); err != nil {
					rows.Close()
					return nil, starkerr.Wrap(starkerr.Internal, "memory: scan association target", err)
				}
				targets = append(targets, target)
			}
			rows.Close()

			for _, target := range targets {
				if visited[target] {
					continue
				}
				visited[target] = true
				next = append(next, target)
				if rec, ok := s.Get(ctx, target); ok {
					out = append(out, rec)
				}
			}
		}
		frontier = next
	}
	return out, nil
}
