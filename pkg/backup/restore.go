package backup

import (
	"context"

	"go.uber.org/zap"

	"github.com/starkbot/backend/pkg/starkerr"
)

// Target applies one snapshot section's entities back into the store that
// owns that section. Upsert must be idempotent on Entity.ID: a collision
// with an existing unique key updates that record in place rather than
// duplicating it. KnownFields reports which Fields keys the destination
// understands, so Restore can log (and the target can skip) the rest
// without failing the whole entity — spec §4.10's "unknown-entity fields
// are logged and skipped".
type Target interface {
	Upsert(ctx context.Context, e Entity) error
	KnownFields() []string
}

// Targets names which Target restores each snapshot section. A nil entry
// leaves that section's entities unrestored (logged, not applied).
type Targets struct {
	APIKeys      Target
	Channels     Target
	Skills       Target
	ImpulseNodes Target
	ModuleData   Target
}

// Report summarizes a completed Restore for audit logging.
type Report struct {
	Restored      map[string]int
	SkippedFields map[string][]string // entity id -> unknown field names logged and dropped
	Unsupported   []string            // section names with no configured Target
}

// Restore applies every section of snap against targets, upserting each
// entity idempotently on its ID. Sections without a configured Target are
// logged and skipped entirely; within a restored entity, fields the target
// doesn't recognize are logged and dropped rather than failing the entity.
func Restore(ctx context.Context, snap Snapshot, targets Targets) (Report, error) {
	logUnknownVersion(snap.Version)

	report := Report{Restored: map[string]int{}, SkippedFields: map[string][]string{}}

	sections := []struct {
		name     string
		entities []Entity
		target   Target
	}{
		{"api_keys", snap.APIKeys, targets.APIKeys},
		{"channels", snap.Channels, targets.Channels},
		{"skills", snap.Skills, targets.Skills},
		{"impulse_nodes", snap.ImpulseNodes, targets.ImpulseNodes},
		{"module_data", snap.ModuleData, targets.ModuleData},
	}

	for _, section := range sections {
		if len(section.entities) == 0 {
			continue
		}
		if section.target == nil {
			zap.L().Warn("backup: restore section has no target, skipping", zap.String("section", section.name))
			report.Unsupported = append(report.Unsupported, section.name)
			continue
		}

		known := fieldSet(section.target.KnownFields())
		for _, entity := range section.entities {
			restorable := pruneUnknownFields(entity, known, &report)
			if err := section.target.Upsert(ctx, restorable); err != nil {
				return report, starkerr.Wrap(starkerr.Internal, "backup: restore "+section.name+" entity "+entity.ID, err)
			}
			report.Restored[section.name]++
		}
	}
	return report, nil
}

func fieldSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func pruneUnknownFields(entity Entity, known map[string]bool, report *Report) Entity {
	if len(known) == 0 {
		return entity
	}
	pruned := Entity{ID: entity.ID, Fields: map[string]any{}}
	for key, value := range entity.Fields {
		if known[key] {
			pruned.Fields[key] = value
			continue
		}
		report.SkippedFields[entity.ID] = append(report.SkippedFields[entity.ID], key)
		zap.L().Info("backup: dropping unknown field during restore",
			zap.String("entity_id", entity.ID), zap.String("field", key))
	}
	return pruned
}
