package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/kayz/keel/internal/llm"
	"github.com/kayz/keel/internal/logger"
)

// PlannedCalls is the planner's output: either a validated call list or a
// single clarifying question, never both.
type PlannedCalls struct {
	Calls           []ToolCall
	PlannerSource   string // "llm:<model>" or "rule"
	PlannerNote     string
	ToolPlan        []string
	ClarifyQuestion string
}

// Intent is the rule parser's classification of a request
type Intent int

const (
	IntentUnknown Intent = iota
	IntentHelp
	IntentSummarizeCore
	IntentAnswer
	IntentSearch
	IntentCreate
	IntentTaskRun
	IntentSkillRun
	IntentSkillCatalog
	IntentDelete
	IntentAppend
	IntentReplace
)

// DowngradePolicy can veto an LLM plan that degraded a write-intent
// request into a read-only one; it returns the replacement calls and
// whether it fired. The default heuristic is overridable because it may
// misfire on legitimate search-then-answer flows.
type DowngradePolicy func(request string, llmCalls, ruleCalls []ToolCall) ([]ToolCall, bool)

// Planner produces a validated call list from free text: an LLM stage
// first, a deterministic keyword/regex rule stage as fallback.
type Planner struct {
	registry *Registry
	client   llm.Client
	modelID  string
	skills   SkillRepo

	// Override replaces DefaultDowngradeOverride when set
	Override DowngradePolicy

	callTimeout time.Duration
}

// NewPlanner creates a planner; client may be nil (rule-only mode)
func NewPlanner(registry *Registry, client llm.Client, modelID string, skills SkillRepo) *Planner {
	return &Planner{
		registry:    registry,
		client:      client,
		modelID:     modelID,
		skills:      skills,
		Override:    DefaultDowngradeOverride(registry),
		callTimeout: 30 * time.Second,
	}
}

// Plan maps a request to tool calls. A genuinely empty request yields an
// empty plan with no question; otherwise calls are empty iff a clarifying
// question is set.
func (p *Planner) Plan(ctx context.Context, request string, coreContext []ContextItem) PlannedCalls {
	request = strings.TrimSpace(request)
	if request == "" {
		return PlannedCalls{PlannerSource: "rule"}
	}

	ruleCalls, intent := p.rulePlan(request)

	planned, ok := p.llmPlan(ctx, request, coreContext)
	if ok {
		if p.Override != nil {
			if replaced, fired := p.Override(request, planned.Calls, ruleCalls); fired {
				logger.Info("[PLAN] Downgrade override fired, replacing LLM plan")
				planned.Calls = replaced
				planned.PlannerNote = strings.TrimSpace(planned.PlannerNote + " (write intent restored by rule override)")
			}
		}
	} else {
		planned = PlannedCalls{
			Calls:         ruleCalls,
			PlannerSource: "rule",
			ToolPlan:      toolPlanOf(ruleCalls),
			PlannerNote:   intentNote(intent),
		}
	}

	// Minimal-clarification gate: refuse under-specified writes with one
	// specific question rather than guessing.
	if question := p.clarify(request, planned.Calls); question != "" {
		return PlannedCalls{
			PlannerSource:   planned.PlannerSource,
			ClarifyQuestion: question,
		}
	}

	valid := planned.Calls[:0:0]
	for _, call := range planned.Calls {
		if err := p.registry.Validate(call); err != nil {
			logger.Warn("[PLAN] Dropping invalid call: %v", err)
			continue
		}
		valid = append(valid, call)
	}
	planned.Calls = valid
	if len(planned.Calls) == 0 && planned.ClarifyQuestion == "" {
		// Nothing survived validation: ask instead of silently doing nothing.
		planned.ClarifyQuestion = "I could not work out what to do with that request. Could you rephrase it?"
	}
	return planned
}

// ---- LLM stage ----

type llmPlanResponse struct {
	Calls           []ToolCall `json:"calls"`
	ClarifyQuestion string     `json:"clarify_question"`
	ToolPlan        []string   `json:"tool_plan"`
	Note            string     `json:"note"`
}

func (p *Planner) llmPlan(ctx context.Context, request string, coreContext []ContextItem) (PlannedCalls, bool) {
	if p.client == nil {
		return PlannedCalls{}, false
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	raw, err := p.client.Call(callCtx, p.systemPrompt(coreContext), request, p.modelID)
	if err != nil {
		logger.Warn("[PLAN] LLM stage failed, falling back to rules: %v", err)
		return PlannedCalls{}, false
	}

	parsed, err := parsePlanJSON(raw)
	if err != nil {
		logger.Warn("[PLAN] LLM plan unparsable, falling back to rules: %v", err)
		return PlannedCalls{}, false
	}

	if parsed.ClarifyQuestion != "" {
		return PlannedCalls{
			PlannerSource:   "llm:" + p.modelID,
			ClarifyQuestion: parsed.ClarifyQuestion,
			ToolPlan:        parsed.ToolPlan,
			PlannerNote:     parsed.Note,
		}, true
	}

	calls := p.materializeCalls(parsed.Calls, request)
	if len(calls) == 0 && len(parsed.Calls) > 0 {
		// Every call lost a required argument; rules will do better.
		return PlannedCalls{}, false
	}
	return PlannedCalls{
		Calls:         calls,
		PlannerSource: "llm:" + p.modelID,
		ToolPlan:      parsed.ToolPlan,
		PlannerNote:   parsed.Note,
	}, true
}

func (p *Planner) systemPrompt(coreContext []ContextItem) string {
	var sb strings.Builder
	sb.WriteString("You are the planning stage of a task orchestration kernel. ")
	sb.WriteString("Map the user's request to tool calls from the catalog below. ")
	sb.WriteString("Respond with a single JSON object: ")
	sb.WriteString(`{"calls":[{"name":"...","arguments":{"key":"value"}}],"clarify_question":"","tool_plan":["..."],"note":""}. `)
	sb.WriteString("If required information is missing for a mutating tool, return an empty calls list and exactly one clarify_question. Never invent record ids.\n\n")
	sb.WriteString(p.registry.CatalogPrompt())

	if len(coreContext) > 0 {
		sb.WriteString("\n## Relevant memory\n\n")
		for i, item := range coreContext {
			if i >= 5 {
				break
			}
			sb.WriteString("- " + item.Snippet + "\n")
		}
	}

	if p.skills != nil {
		if skills, err := p.skills.FetchEnabledSkills(); err == nil && len(skills) > 0 {
			sb.WriteString("\n## Skills\n\n")
			for _, sk := range skills {
				sb.WriteString(fmt.Sprintf("- %s: %s\n", sk.Name, sk.Description))
			}
		}
	}
	return sb.String()
}

// parsePlanJSON parses the model reply, repairing malformed JSON once
func parsePlanJSON(raw string) (*llmPlanResponse, error) {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "{"); idx > 0 {
		raw = raw[idx:]
	}
	if idx := strings.LastIndex(raw, "}"); idx >= 0 {
		raw = raw[:idx+1]
	}

	var parsed llmPlanResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("plan JSON unparsable: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil, fmt.Errorf("plan JSON unparsable after repair: %w", err)
		}
	}
	if len(parsed.Calls) == 0 && parsed.ClarifyQuestion == "" {
		return nil, fmt.Errorf("plan JSON carries neither calls nor a question")
	}
	return &parsed, nil
}

// materializeCalls backfills missing or placeholder arguments from the
// raw request using the same heuristics as the rule parser. A call
// survives only if every required argument is non-empty afterwards.
// Re-running materialization on an already-complete set is a no-op.
func (p *Planner) materializeCalls(calls []ToolCall, request string) []ToolCall {
	var out []ToolCall
	for _, call := range calls {
		spec, ok := p.registry.Lookup(call.Name)
		if !ok {
			logger.Warn("[PLAN] LLM proposed unknown tool %q", call.Name)
			continue
		}
		if call.Arguments == nil {
			call.Arguments = map[string]string{}
		}
		for _, arg := range spec.RequiredArgs {
			value := call.Arg(arg)
			if value != "" && !isPlaceholder(value) {
				continue
			}
			call.Arguments[arg] = materializeArg(arg, request)
		}
		if err := p.registry.Validate(call); err != nil {
			logger.Debug("[PLAN] Call not materializable: %v", err)
			continue
		}
		out = append(out, call)
	}
	return out
}

func materializeArg(arg, request string) string {
	switch arg {
	case "content":
		return extractCreateContent(request)
	case "filename":
		if date, ok := extractDate(request, time.Now()); ok {
			return dateStampedFilename(date)
		}
		return extractQuoted(request)
	case "ref":
		return extractReference(request)
	case "input":
		return extractColonPayload(request)
	case "query", "question":
		return strings.TrimSpace(request)
	default:
		return ""
	}
}

// ---- rule stage ----

var (
	helpKeywords      = []string{"help", "what can you do", "帮助", "你能做什么"}
	summarizeKeywords = []string{"summarize memory", "memory summary", "总结记忆", "核心记忆总结"}
	catalogKeywords   = []string{"list skills", "what skills", "技能列表", "有哪些技能"}
	deleteKeywords    = []string{"delete", "remove ", "删除", "移除"}
	replaceKeywords   = []string{"replace", "overwrite", "rewrite", "替换", "覆盖", "重写"}
	appendKeywords    = []string{"append", "add to", "追加", "补充", "加上"}
	createKeywords    = []string{"create", "new note", "new record", "新建", "创建", "记一下", "记录一下"}
	taskRunKeywords   = []string{"run task", "trigger task", "执行任务", "运行任务"}
	skillRunKeywords  = []string{"run skill", "use skill", "执行技能", "使用技能", "用技能"}
	searchKeywords    = []string{"search", "find ", "look up", "查找", "搜索", "查询", "找一下"}
	planWords         = []string{"计划", "plan"}
)

// classifyIntent maps a request to exactly one intent
func classifyIntent(request string) Intent {
	switch {
	case containsAny(request, helpKeywords):
		return IntentHelp
	case containsAny(request, summarizeKeywords):
		return IntentSummarizeCore
	case containsAny(request, catalogKeywords):
		return IntentSkillCatalog
	case containsAny(request, deleteKeywords):
		return IntentDelete
	case containsAny(request, replaceKeywords):
		return IntentReplace
	case containsAny(request, appendKeywords):
		return IntentAppend
	case containsAny(request, taskRunKeywords):
		return IntentTaskRun
	case containsAny(request, skillRunKeywords):
		return IntentSkillRun
	case containsAny(request, createKeywords),
		hasDateReference(request) && containsAny(request, planWords):
		return IntentCreate
	case containsAny(request, searchKeywords):
		return IntentSearch
	default:
		return IntentAnswer
	}
}

// rulePlan translates the classified intent 1:1 into a tool call list
func (p *Planner) rulePlan(request string) ([]ToolCall, Intent) {
	intent := classifyIntent(request)

	call := func(name string, args map[string]string) []ToolCall {
		return []ToolCall{{Name: name, Arguments: args}}
	}

	switch intent {
	case IntentHelp:
		return call(ToolHelp, nil), intent
	case IntentSummarizeCore:
		return call(ToolMemorySummary, nil), intent
	case IntentSkillCatalog:
		return call(ToolSkillCatalog, nil), intent
	case IntentDelete:
		return call(ToolRecordDelete, map[string]string{"ref": extractReference(request)}), intent
	case IntentReplace:
		return call(ToolRecordReplace, map[string]string{
			"ref":     extractReference(request),
			"content": extractCreateContent(request),
		}), intent
	case IntentAppend:
		return call(ToolRecordAppend, map[string]string{
			"ref":     extractReference(request),
			"content": extractCreateContent(request),
		}), intent
	case IntentTaskRun:
		return call(ToolTaskRun, map[string]string{"ref": extractReference(request)}), intent
	case IntentSkillRun:
		return call(ToolSkillRun, map[string]string{
			"ref":   extractReference(request),
			"input": extractColonPayload(request),
		}), intent
	case IntentCreate:
		filename := ""
		if date, ok := extractDate(request, time.Now()); ok {
			filename = dateStampedFilename(date)
		} else if q := extractQuoted(request); q != "" {
			filename = q
		}
		return call(ToolRecordCreate, map[string]string{
			"filename": filename,
			"content":  extractCreateContent(request),
		}), intent
	case IntentSearch:
		return call(ToolRecordSearch, map[string]string{"query": stripKeywords(request, searchKeywords)}), intent
	default:
		return call(ToolAnswer, map[string]string{"question": request}), IntentAnswer
	}
}

// stripKeywords removes intent keywords so the search query keeps only
// the subject
func stripKeywords(request string, keywords []string) string {
	out := request
	for _, kw := range keywords {
		idx := strings.Index(strings.ToLower(out), strings.ToLower(kw))
		if idx >= 0 {
			out = out[:idx] + out[idx+len(kw):]
		}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return request
	}
	return out
}

func intentNote(i Intent) string {
	switch i {
	case IntentHelp:
		return "help"
	case IntentSummarizeCore:
		return "summarize-core"
	case IntentAnswer:
		return "answer"
	case IntentSearch:
		return "search"
	case IntentCreate:
		return "create"
	case IntentTaskRun:
		return "task-run"
	case IntentSkillRun:
		return "skill-run"
	case IntentSkillCatalog:
		return "skills-catalog"
	case IntentDelete:
		return "delete"
	case IntentAppend:
		return "append"
	case IntentReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// ---- override policy ----

// DefaultDowngradeOverride restores write intent when the LLM plan
// degraded a date-anchored create/append or explicit skill invocation
// into a pure search or an empty plan.
func DefaultDowngradeOverride(registry *Registry) DowngradePolicy {
	return func(request string, llmCalls, ruleCalls []ToolCall) ([]ToolCall, bool) {
		wantsWrite := false
		for _, call := range ruleCalls {
			if registry.IsMutating(call.Name) {
				wantsWrite = true
				break
			}
		}
		if !wantsWrite {
			return nil, false
		}

		for _, call := range llmCalls {
			if registry.IsMutating(call.Name) {
				return nil, false
			}
		}
		// LLM plan is empty or read-only while the request asks for a write.
		return ruleCalls, true
	}
}

// ---- clarification gate ----

// clarify returns a single specific question when the plan would mutate
// state without the information it needs
func (p *Planner) clarify(request string, calls []ToolCall) string {
	for _, call := range calls {
		if !p.registry.IsMutating(call.Name) {
			continue
		}
		switch call.Name {
		case ToolRecordCreate:
			if call.Arg("content") == "" {
				return "What should the new record contain?"
			}
		case ToolRecordDelete:
			if call.Arg("ref") == "" {
				return "Which record should I delete? Give its id, name or date."
			}
		case ToolRecordAppend, ToolRecordReplace:
			if call.Arg("ref") == "" {
				return "Which record should I modify? Give its id, name or date."
			}
			if call.Arg("content") == "" {
				return "What content should I write?"
			}
		case ToolTaskRun:
			if call.Arg("ref") == "" {
				return "Which task should I run?"
			}
		case ToolSkillRun:
			if call.Arg("ref") == "" {
				return "Which skill should I run?"
			}
		}
	}
	return ""
}

func toolPlanOf(calls []ToolCall) []string {
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.Name)
	}
	return out
}
