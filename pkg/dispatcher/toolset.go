// Package dispatcher implements the skill/tool dispatcher (C8): the agent
// turn loop. Tool-set resolution and dispatch follow the teacher's
// "resolve discriminator, look up handler" idiom from pkg/sdk/service.go
// (there: select a payment strategy, then route calls through it) — here
// generalized to resolving a tool set and dispatching tool calls by name
// through a single handler table, with meta-tools as ordinary entries
// distinguished by a Meta flag rather than a separate type hierarchy.
package dispatcher

import (
	"os/exec"

	"github.com/starkbot/backend/pkg/catalog"
)

// SubtypeProfile names which tool groups an agent subtype may use (spec
// §4.8 step 2, GLOSSARY "Subtype").
type SubtypeProfile struct {
	Name          string
	AllowedGroups []string
}

func (p SubtypeProfile) allows(group string) bool {
	for _, g := range p.AllowedGroups {
		if g == group {
			return true
		}
	}
	return false
}

// BuildToolSet computes the callable tool-name set for one turn: the union
// of tools whose group the subtype profile allows, the active skill's
// force-included requires_tools, and any role-grant tool names (spec §4.8
// step 2: "requires_tools force-includes tools irrespective of profile
// restrictions"). It is a pure function of its inputs, matching spec.md
// §9's design note that BuildToolSet have no hidden state.
func BuildToolSet(registry []catalog.ToolDescriptor, profile SubtypeProfile, activeSkill *catalog.Skill, roleGrants []catalog.RoleGrant) map[string]bool {
	set := map[string]bool{}
	for _, tool := range registry {
		if profile.allows(tool.Group) {
			set[tool.Name] = true
		}
	}
	if activeSkill != nil {
		for _, name := range activeSkill.RequiresTools {
			set[name] = true
		}
	}
	for _, grant := range roleGrants {
		for _, name := range grant.ToolNames {
			set[name] = true
		}
	}
	return set
}

// FilterSafeMode narrows toolSet to tools whose SafetyLevel is SafeMode,
// except for tools named explicitly by a role grant's ToolNames (spec §4.8
// "Safe mode": "special-role grants may extend this allowlist by exact
// tool and skill name only").
func FilterSafeMode(toolSet map[string]bool, registry []catalog.ToolDescriptor, roleGrants []catalog.RoleGrant) map[string]bool {
	safetyByName := map[string]catalog.SafetyLevel{}
	for _, tool := range registry {
		safetyByName[tool.Name] = tool.SafetyLevel
	}
	allowlisted := map[string]bool{}
	for _, grant := range roleGrants {
		for _, name := range grant.ToolNames {
			allowlisted[name] = true
		}
	}

	filtered := map[string]bool{}
	for name := range toolSet {
		if safetyByName[name] == catalog.SafetyLevelSafeMode || allowlisted[name] {
			filtered[name] = true
		}
	}
	return filtered
}

// PreflightResult reports missing prerequisites for activating a skill
// (spec §4.8 "Pre-flight").
type PreflightResult struct {
	OK              bool
	MissingBinaries []string
	MissingAPIKeys  []string
}

// Message returns a human-readable description of what is missing, or ""
// when OK.
func (r PreflightResult) Message() string {
	if r.OK {
		return ""
	}
	msg := "cannot activate skill:"
	if len(r.MissingBinaries) > 0 {
		msg += " missing binaries: " + joinComma(r.MissingBinaries) + ";"
	}
	if len(r.MissingAPIKeys) > 0 {
		msg += " missing API keys: " + joinComma(r.MissingAPIKeys) + ";"
	}
	return msg
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}

// LookPath abstracts binary discovery so tests can stub it without
// touching the real PATH.
type LookPath func(binary string) (string, error)

// HasAPIKey reports whether a named API key is configured.
type HasAPIKey func(name string) bool

// Preflight verifies a skill's declared binaries are on PATH and its
// declared API keys are configured (spec §4.8 "Pre-flight"). A nil
// lookPath defaults to exec.LookPath against the real PATH.
func Preflight(skill catalog.Skill, lookPath LookPath, hasKey HasAPIKey) PreflightResult {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	result := PreflightResult{OK: true}
	for _, binary := range skill.RequiredBinary {
		if _, err := lookPath(binary); err != nil {
			result.OK = false
			result.MissingBinaries = append(result.MissingBinaries, binary)
		}
	}
	for _, key := range skill.RequiredAPIKeys {
		if hasKey == nil || !hasKey(key) {
			result.OK = false
			result.MissingAPIKeys = append(result.MissingAPIKeys, key)
		}
	}
	return result
}
