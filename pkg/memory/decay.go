package memory

import (
	"context"
	"math"
	"time"

	"github.com/starkbot/backend/pkg/starkerr"
)

// DecayPolicy parameterizes the periodic importance-decay pass (spec §4.6).
type DecayPolicy struct {
	HalfLifeDays     float64
	RecentBoost      float64 // added when age < 1 day
	PruneThreshold   float64
	MaxAgeDays       float64
	ExemptTypes      map[RecordType]bool
}

// DefaultDecayPolicy mirrors the spec's worked example: a one-week half
// life, a same-day recall boost, and a hard age ceiling of 180 days.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{
		HalfLifeDays:   7,
		RecentBoost:    0.1,
		PruneThreshold: 0.05,
		MaxAgeDays:     180,
		ExemptTypes:    map[RecordType]bool{TypePreference: true},
	}
}

// decayedImportance computes decayed = importance * 2^(-ageDays/halfLife) +
// boost(if ageDays < 1) per spec §4.6.
func decayedImportance(importance, ageDays float64, policy DecayPolicy) float64 {
	decayed := importance * math.Pow(2, -ageDays/policy.HalfLifeDays)
	if ageDays < 1 {
		decayed += policy.RecentBoost
	}
	return decayed
}

// RunDecay applies policy to every non-superseded record: records whose
// type isn't exempt and whose decayed importance falls below the prune
// threshold, or whose age reaches MaxAgeDays, are deleted. Each record is
// evaluated and (if pruned) deleted in its own transaction so one failure
// doesn't abort the whole pass.
func (s *Store) RunDecay(ctx context.Context, policy DecayPolicy) (prunedIDs []string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, importance, created_at, last_accessed FROM memories WHERE superseded_by = '' OR superseded_by IS NULL`)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "memory: decay scan", err)
	}
	type candidate struct {
		id           string
		typ          RecordType
		importance   float64
		lastAccessed time.Time
	}
	var candidates []candidate
	now := time.Now().UTC()
	for rows.Next() {
		var id, typ, createdAt, lastAccessed string
		var importance float64
		if err := rows.Scan(&id, &typ, &importance, &createdAt, &lastAccessed); err != nil {
			rows.Close()
			return nil, starkerr.Wrap(starkerr.Internal, "memory: decay row scan", err)
		}
		// last_accessed is always populated (defaults to created_at on
		// insert), but fall back explicitly if it's ever empty.
		ageSource := lastAccessed
		if ageSource == "" {
			ageSource = createdAt
		}
		t, perr := time.Parse(time.RFC3339Nano, ageSource)
		if perr != nil {
			continue
		}
		candidates = append(candidates, candidate{id: id, typ: RecordType(typ), importance: importance, lastAccessed: t})
	}
	rows.Close()

	for _, c := range candidates {
		if policy.ExemptTypes[c.typ] {
			continue
		}
		ageDays := now.Sub(c.lastAccessed).Hours() / 24
		decayed := decayedImportance(c.importance, ageDays, policy)
		if decayed < policy.PruneThreshold || ageDays >= policy.MaxAgeDays {
			if delErr := s.Delete(ctx, c.id); delErr != nil {
				continue
			}
			prunedIDs = append(prunedIDs, c.id)
		}
	}
	return prunedIDs, nil
}
