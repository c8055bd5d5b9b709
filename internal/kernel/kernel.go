package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kayz/keel/internal/llm"
	"github.com/kayz/keel/internal/logger"
)

// Result is the full outcome of one request, immutable after return
type Result struct {
	RequestID        string    `json:"request_id"`
	Source           string    `json:"source,omitempty"`
	Request          string    `json:"request"`
	Reply            string    `json:"reply"`
	Intent           string    `json:"intent,omitempty"`
	PlannerSource    string    `json:"planner_source,omitempty"`
	ToolPlan         []string  `json:"tool_plan,omitempty"`
	ClarifyQuestion  string    `json:"clarify_question,omitempty"`
	ConfirmToken     string    `json:"confirm_token,omitempty"`
	ConfirmExpiresAt string    `json:"confirm_expires_at,omitempty"`
	Actions          []string  `json:"actions,omitempty"`
	RelatedRecordIDs []string  `json:"related_record_ids,omitempty"`
	CoreRecordID     string    `json:"core_record_id,omitempty"`
	AuditRecordID    string    `json:"audit_record_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Success          bool      `json:"success"`
}

// Kernel wires planner, confirmation gate, executor and memory writer
// into the single request pipeline.
type Kernel struct {
	registry *Registry
	planner  *Planner
	confirms *ConfirmStore
	executor *Executor
	memory   *MemoryWriter
	now      func() time.Time
}

// Deps bundles the kernel's collaborators. Optional pieces (Tasks,
// Relay, Events, Client) may be nil.
type Deps struct {
	Records  RecordRepo
	Tags     TagRepo
	Skills   SkillRepo
	Tasks    TaskRunner
	Relay    RuntimeRelay
	Events   RecordEventSink
	Client   llm.Client
	ModelID  string
	Confirms ConfirmBackend
}

func New(deps Deps) *Kernel {
	registry := NewRegistry()
	confirms := NewConfirmStore()
	if deps.Confirms != nil {
		confirms = NewPersistentConfirmStore(deps.Confirms)
	}
	return &Kernel{
		registry: registry,
		planner:  NewPlanner(registry, deps.Client, deps.ModelID, deps.Skills),
		confirms: confirms,
		executor: NewExecutor(ExecutorDeps{
			Registry: registry,
			Records:  deps.Records,
			Tags:     deps.Tags,
			Skills:   deps.Skills,
			Tasks:    deps.Tasks,
			Relay:    deps.Relay,
			Events:   deps.Events,
			Client:   deps.Client,
			ModelID:  deps.ModelID,
		}),
		memory: NewMemoryWriter(deps.Records, deps.Tags),
		now:    time.Now,
	}
}

// Registry exposes the tool table, mostly for the CLI help path
func (k *Kernel) Registry() *Registry { return k.registry }

// Executor exposes the executor so the scheduler wiring can reuse its
// skill manifest and context rendering
func (k *Kernel) Executor() *Executor { return k.executor }

// CoreContext returns ranked memory snippets for scheduler payloads
func (k *Kernel) CoreContext(query string, limit int) []string {
	items := CollectContext(k.executor.records, query, limit)
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Snippet)
	}
	return out
}

// HandleRequest is the single entry point for a user turn. Confirmation
// tokens short-circuit planning entirely.
func (k *Kernel) HandleRequest(ctx context.Context, request, source string) *Result {
	started := k.now()
	result := &Result{
		RequestID: strings.ToUpper(uuid.NewString()),
		Source:    source,
		Request:   request,
		StartedAt: started,
	}
	logger.Info("[KERNEL] Request %s from %q", shortID(result.RequestID), source)

	merge, _ := ParseMergeDirective(request)

	if token, ok := ParseConfirmToken(request); ok {
		k.handleConfirm(ctx, token, source, result)
	} else {
		k.handlePlan(ctx, request, source, result)
	}

	// Memory and audit writes happen on every path, including failures.
	outcome := k.memory.Persist(request, result.Reply, result.Actions, result.Success, k.now().Sub(started), merge)
	result.CoreRecordID = outcome.CoreRecordID
	result.AuditRecordID = outcome.AuditRecordID
	if outcome.Conflicted {
		result.Reply += fmt.Sprintf("\n\nNote: this answer differs from an earlier one on a similar request; I kept both (override with %soverwrite or %skeep).", mergePrefix, mergePrefix)
	}

	result.FinishedAt = k.now()
	return result
}

func (k *Kernel) handleConfirm(ctx context.Context, token, source string, result *Result) {
	pending, err := k.confirms.Consume(token, source)
	if err != nil {
		result.Reply = "That confirmation token is unknown, expired or already used. Nothing was changed."
		result.Intent = "confirm"
		return
	}

	coreCtx := CollectContext(k.executor.records, pending.Request, 3)
	exec := k.executor.Execute(ctx, pending.Calls, pending.Request, coreCtx)
	result.Reply = exec.Reply
	result.Actions = exec.Actions
	result.RelatedRecordIDs = exec.RelatedRecordIDs
	result.Intent = "confirm"
	result.ToolPlan = pending.ToolPlan
	result.Success = !hasFailedAction(exec.Actions)
}

func (k *Kernel) handlePlan(ctx context.Context, request, source string, result *Result) {
	coreCtx := CollectContext(k.executor.records, request, 3)
	planned := k.planner.Plan(ctx, request, coreCtx)
	result.PlannerSource = planned.PlannerSource
	result.ToolPlan = planned.ToolPlan
	result.Intent = planned.PlannerNote

	if planned.ClarifyQuestion != "" {
		result.ClarifyQuestion = planned.ClarifyQuestion
		result.Reply = planned.ClarifyQuestion
		result.Success = true
		return
	}
	if len(planned.Calls) == 0 {
		result.Reply = "There is nothing to do."
		result.Success = true
		return
	}

	if k.registry.RequiresConfirmation(planned.Calls) {
		preview := k.previewCalls(planned.Calls, request)
		pending := k.confirms.Save(planned.Calls, planned.ToolPlan, request, preview, source)
		result.ConfirmToken = pending.Token
		result.ConfirmExpiresAt = pending.ExpiresAt.Format(time.RFC3339)
		result.Reply = fmt.Sprintf(
			"This needs confirmation.\n\n%s\n\nReply with %s within %s (expires %s).",
			preview, FormatConfirmToken(pending.Token), ConfirmTTL,
			pending.ExpiresAt.Format("15:04:05"))
		result.Success = true
		return
	}

	exec := k.executor.Execute(ctx, planned.Calls, request, coreCtx)
	result.Reply = exec.Reply
	result.Actions = exec.Actions
	result.RelatedRecordIDs = exec.RelatedRecordIDs
	result.Success = !hasFailedAction(exec.Actions)
}

func (k *Kernel) previewCalls(calls []ToolCall, request string) string {
	var lines []string
	for _, call := range calls {
		lines = append(lines, k.executor.DryRunPreview(call, request))
	}
	return strings.Join(lines, "\n")
}

func hasFailedAction(actions []string) bool {
	for _, a := range actions {
		if strings.HasSuffix(a, ":err") {
			return true
		}
	}
	return false
}
