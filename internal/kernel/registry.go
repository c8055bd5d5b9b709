package kernel

import (
	"fmt"
	"strings"
)

// RiskLevel classifies a tool; High risk requires a confirmation handshake
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskHigh:
		return "high"
	case RiskMedium:
		return "medium"
	default:
		return "low"
	}
}

// ToolSpec describes one internal tool; immutable, defined once at startup
type ToolSpec struct {
	Name         string
	Description  string
	RequiredArgs []string
	Risk         RiskLevel
}

// ToolCall is a validated {name, arguments} pair the executor can dispatch
type ToolCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// Arg returns a trimmed argument value
func (c ToolCall) Arg(key string) string {
	return strings.TrimSpace(c.Arguments[key])
}

// Tool names; the registry is the single source of truth for the surface.
const (
	ToolHelp          = "help"
	ToolMemorySummary = "memory.summary"
	ToolAnswer        = "answer"
	ToolRecordSearch  = "record.search"
	ToolRecordCreate  = "record.create"
	ToolRecordAppend  = "record.append"
	ToolRecordReplace = "record.replace"
	ToolRecordDelete  = "record.delete"
	ToolTaskRun       = "task.run"
	ToolSkillRun      = "skill.run"
	ToolSkillCatalog  = "skill.catalog"
)

// Registry is the static table of tool name -> required arguments -> risk
type Registry struct {
	specs map[string]ToolSpec
	order []string
}

// NewRegistry builds the fixed tool surface
func NewRegistry() *Registry {
	specs := []ToolSpec{
		{ToolHelp, "Explain what the assistant can do", nil, RiskLow},
		{ToolMemorySummary, "Summarize the stored core memory", nil, RiskLow},
		{ToolAnswer, "Answer an open-ended question grounded in stored memory", []string{"question"}, RiskLow},
		{ToolRecordSearch, "Full-text search over stored records", []string{"query"}, RiskLow},
		{ToolRecordCreate, "Create a new text record; filename defaults to a date-stamped plan file", []string{"content"}, RiskMedium},
		{ToolRecordAppend, "Append content to an existing text record", []string{"ref", "content"}, RiskMedium},
		{ToolRecordReplace, "Replace the full text of an existing record", []string{"ref", "content"}, RiskHigh},
		{ToolRecordDelete, "Delete a record permanently", []string{"ref"}, RiskHigh},
		{ToolTaskRun, "Run a scheduled task once, immediately", []string{"ref"}, RiskMedium},
		{ToolSkillRun, "Execute a stored skill by name", []string{"ref"}, RiskMedium},
		{ToolSkillCatalog, "List the enabled skills", nil, RiskLow},
	}

	r := &Registry{specs: make(map[string]ToolSpec, len(specs))}
	for _, s := range specs {
		r.specs[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	return r
}

// Lookup returns the spec for a tool name
func (r *Registry) Lookup(name string) (ToolSpec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Specs returns all specs in registration order
func (r *Registry) Specs() []ToolSpec {
	out := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Names returns the tool names in registration order
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Validate checks that a call names a known tool and carries all of its
// required arguments, non-empty.
func (r *Registry) Validate(call ToolCall) error {
	spec, ok := r.specs[call.Name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", call.Name)
	}
	for _, arg := range spec.RequiredArgs {
		if call.Arg(arg) == "" {
			return fmt.Errorf("tool %s missing required argument %q", call.Name, arg)
		}
	}
	return nil
}

// RequiresConfirmation reports whether any call in the set is High risk
func (r *Registry) RequiresConfirmation(calls []ToolCall) bool {
	for _, call := range calls {
		if spec, ok := r.specs[call.Name]; ok && spec.Risk == RiskHigh {
			return true
		}
	}
	return false
}

// IsMutating reports whether a tool changes stored state
func (r *Registry) IsMutating(name string) bool {
	switch name {
	case ToolRecordCreate, ToolRecordAppend, ToolRecordReplace, ToolRecordDelete, ToolTaskRun, ToolSkillRun:
		return true
	default:
		return false
	}
}

// CatalogPrompt renders the tool catalog for the planner's system prompt
func (r *Registry) CatalogPrompt() string {
	var sb strings.Builder
	sb.WriteString("## Tools\n\n")
	for _, name := range r.order {
		spec := r.specs[name]
		sb.WriteString(fmt.Sprintf("- %s (risk: %s): %s\n", spec.Name, spec.Risk, spec.Description))
		if len(spec.RequiredArgs) > 0 {
			sb.WriteString(fmt.Sprintf("  required arguments: %s\n", strings.Join(spec.RequiredArgs, ", ")))
		}
	}
	return sb.String()
}
