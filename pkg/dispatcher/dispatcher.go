package dispatcher

import (
	"context"

	"github.com/starkbot/backend/pkg/catalog"
	"github.com/starkbot/backend/pkg/starkerr"
)

// Meta-tool names, always available regardless of tool set (spec §4.8).
const (
	ToolUseSkill           = "use_skill"
	ToolDefineTasks        = "define_tasks"
	ToolAskUser            = "ask_user"
	ToolSayToUser          = "say_to_user"
	ToolTaskFullyCompleted = "task_fully_completed"
	ToolSetAgentSubtype    = "set_agent_subtype"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolResult is the structured, never-raising outcome of a tool call (spec
// §7 propagation rule: "every tool returns a structured result").
type ToolResult struct {
	Success  bool
	Content  string
	Error    string
	Metadata map[string]any
}

// ToolHandler executes a ToolCall and returns a structured ToolResult. It
// must not return a Go error for ordinary tool failures — only for
// infrastructure faults the dispatcher should treat as fatal.
type ToolHandler func(ctx context.Context, call ToolCall) (ToolResult, error)

// Tool pairs a catalog descriptor with its handler. Meta marks the six
// always-available meta-tools; they are ordinary table entries, not a
// separate type (spec §9 design note: avoid a special-cased class
// hierarchy for meta-tools).
type Tool struct {
	Descriptor catalog.ToolDescriptor
	Meta       bool
	Handler    ToolHandler
}

// TranscriptEntry is one turn's record (model tool call + its result).
type TranscriptEntry struct {
	Call   ToolCall
	Result ToolResult
}

// Counters track per-task dispatcher statistics (spec §4.8 step 5).
type Counters struct {
	TotalIterations int
	ActualToolCalls int
	NoToolWarnings  int
}

// State is the mutable per-task dispatcher state threaded through Run's
// iterations.
type State struct {
	ActiveSkill        string
	AgentSubtype       string
	Tasks              []string
	WaitingForUser     bool
	Terminal           bool
	TerminalContent    string
	Transcript         []TranscriptEntry
	Counters           Counters
}

// PlanInFlight reports whether a task queue exists, which drives the
// tool_choice=any discipline (spec §4.8 step 3).
func (s *State) PlanInFlight() bool { return len(s.Tasks) > 0 }

// ModelClient abstracts the LLM call that selects the next tool invocation
// for a turn.
type ModelClient interface {
	// NextToolCall returns the model's chosen tool call for this turn, or
	// (nil, nil) when the model answered without invoking any tool (only
	// meaningful when toolChoiceAny is true, where it is recorded as a
	// no_tool_warning rather than treated as an error).
	NextToolCall(ctx context.Context, availableTools map[string]bool, transcript []TranscriptEntry, toolChoiceAny bool) (*ToolCall, error)
}

// Engine runs the dispatcher's per-task iteration loop (spec §4.8).
type Engine struct {
	Tools         map[string]Tool
	Model         ModelClient
	MaxIterations int
}

// NewEngine builds an Engine from a tool table, defaulting MaxIterations to
// 25 when unset.
func NewEngine(tools map[string]Tool, model ModelClient, maxIterations int) *Engine {
	if maxIterations <= 0 {
		maxIterations = 25
	}
	return &Engine{Tools: tools, Model: model, MaxIterations: maxIterations}
}

// Run drives the iteration loop (spec §4.8 steps 3-5) until a terminal
// meta-tool fires, ask_user is invoked, or MaxIterations is reached.
// toolSet restricts which non-meta tools are callable this task; meta-tools
// are always callable regardless of toolSet.
func (e *Engine) Run(ctx context.Context, toolSet map[string]bool, state *State) (*State, error) {
	for state.Counters.TotalIterations < e.MaxIterations {
		state.Counters.TotalIterations++

		toolChoiceAny := state.PlanInFlight()
		available := availableForModel(e.Tools, toolSet)
		call, err := e.Model.NextToolCall(ctx, available, state.Transcript, toolChoiceAny)
		if err != nil {
			return state, starkerr.Wrap(starkerr.UpstreamTransient, "dispatcher: model call failed", err)
		}
		if call == nil {
			if toolChoiceAny {
				state.Counters.NoToolWarnings++
			}
			continue
		}

		tool, ok := e.resolveTool(call.Name, toolSet)
		var result ToolResult
		if !ok {
			result = ToolResult{Success: false, Error: "tool not available: " + call.Name}
		} else {
			result, err = tool.Handler(ctx, *call)
			if err != nil {
				return state, starkerr.Wrap(starkerr.Internal, "dispatcher: fatal infrastructure error", err)
			}
		}
		state.Counters.ActualToolCalls++
		state.Transcript = append(state.Transcript, TranscriptEntry{Call: *call, Result: result})

		e.applyMetaEffects(*call, result, state)
		if state.Terminal || state.WaitingForUser {
			return state, nil
		}
	}
	return state, nil
}

// resolveTool looks up a tool call by name: meta-tools are always
// resolvable, everything else must be in toolSet.
func (e *Engine) resolveTool(name string, toolSet map[string]bool) (Tool, bool) {
	tool, ok := e.Tools[name]
	if !ok {
		return Tool{}, false
	}
	if tool.Meta || toolSet[name] {
		return tool, true
	}
	return Tool{}, false
}

func availableForModel(tools map[string]Tool, toolSet map[string]bool) map[string]bool {
	available := map[string]bool{}
	for name, tool := range tools {
		if tool.Meta || toolSet[name] {
			available[name] = true
		}
	}
	return available
}

// applyMetaEffects applies meta-tool side effects after the result has been
// recorded into the transcript (spec §4.8: "Their side effects are applied
// after the tool result is recorded").
func (e *Engine) applyMetaEffects(call ToolCall, result ToolResult, state *State) {
	if !result.Success {
		return
	}
	switch call.Name {
	case ToolUseSkill:
		if name, ok := call.Args["skill"].(string); ok {
			state.ActiveSkill = name
		}
	case ToolDefineTasks:
		if tasks, ok := call.Args["tasks"].([]string); ok {
			state.Tasks = tasks
		}
	case ToolSetAgentSubtype:
		if subtype, ok := call.Args["subtype"].(string); ok {
			state.AgentSubtype = subtype
		}
	case ToolSayToUser:
		state.Terminal = true
		state.TerminalContent = result.Content
	case ToolTaskFullyCompleted:
		state.Terminal = true
		state.TerminalContent = result.Content
		state.Tasks = nil
	case ToolAskUser:
		state.WaitingForUser = true
		state.TerminalContent = result.Content
	}
}
