package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kayz/keel/internal/llm"
	"github.com/kayz/keel/internal/logger"
	"github.com/kayz/keel/internal/store"
)

// llmCallTimeout bounds executor-side model round-trips the same way
// the planner bounds its own call.
const llmCallTimeout = 30 * time.Second

// ExecResult aggregates the outcome of one call list
type ExecResult struct {
	Reply            string
	Actions          []string
	RelatedRecordIDs []string
}

// Executor runs validated tool calls against the stores and runtime.
// Each call is isolated: one failure becomes a line in the reply and
// the rest still run.
type Executor struct {
	registry *Registry
	records  RecordRepo
	tags     TagRepo
	skills   SkillRepo
	tasks    TaskRunner
	relay    RuntimeRelay
	events   RecordEventSink
	resolver *Resolver
	client   llm.Client
	modelID  string
	now      func() time.Time
}

// ExecutorDeps bundles the executor's collaborators; Tasks, Relay,
// Events and Client may be nil and the matching tools degrade politely.
type ExecutorDeps struct {
	Registry *Registry
	Records  RecordRepo
	Tags     TagRepo
	Skills   SkillRepo
	Tasks    TaskRunner
	Relay    RuntimeRelay
	Events   RecordEventSink
	Client   llm.Client
	ModelID  string
}

func NewExecutor(deps ExecutorDeps) *Executor {
	return &Executor{
		registry: deps.Registry,
		records:  deps.Records,
		tags:     deps.Tags,
		skills:   deps.Skills,
		tasks:    deps.Tasks,
		relay:    deps.Relay,
		events:   deps.Events,
		resolver: NewResolver(deps.Records),
		client:   deps.Client,
		modelID:  deps.ModelID,
		now:      time.Now,
	}
}

const (
	searchResultLimit = 8
	previewBytes      = 200
)

// Execute runs the call list in order. An empty list yields a clarify
// style reply, never a silent success.
func (e *Executor) Execute(ctx context.Context, calls []ToolCall, request string, coreCtx []ContextItem) ExecResult {
	if len(calls) == 0 {
		return ExecResult{Reply: "I have nothing actionable to run for that request."}
	}

	var result ExecResult
	var lines []string
	for _, call := range calls {
		line, action, recordIDs := e.runCall(ctx, call, request, coreCtx)
		if line != "" {
			lines = append(lines, line)
		}
		if action != "" {
			result.Actions = append(result.Actions, action)
		}
		result.RelatedRecordIDs = append(result.RelatedRecordIDs, recordIDs...)
	}
	result.Reply = strings.Join(lines, "\n\n")
	return result
}

func (e *Executor) runCall(ctx context.Context, call ToolCall, request string, coreCtx []ContextItem) (line, action string, recordIDs []string) {
	logger.Debug("[EXEC] Running %s", call.Name)
	switch call.Name {
	case ToolHelp:
		return e.registry.CatalogPrompt(), actionTag(call.Name, "", "ok"), nil
	case ToolMemorySummary:
		return e.memorySummary(ctx)
	case ToolAnswer:
		return e.answer(ctx, call.Arg("question"), coreCtx)
	case ToolRecordSearch:
		return e.search(call.Arg("query"))
	case ToolRecordCreate:
		return e.create(call.Arg("filename"), call.Arg("content"), request)
	case ToolRecordAppend:
		return e.appendTo(call.Arg("ref"), call.Arg("content"), request)
	case ToolRecordReplace:
		return e.replace(call.Arg("ref"), call.Arg("content"), request)
	case ToolRecordDelete:
		return e.delete(call.Arg("ref"), request)
	case ToolTaskRun:
		return e.runTask(ctx, call.Arg("ref"))
	case ToolSkillRun:
		return e.runSkill(ctx, call.Arg("ref"), call.Arg("input"), request)
	case ToolSkillCatalog:
		return e.skillCatalog()
	default:
		return fmt.Sprintf("Unknown tool %q.", call.Name), actionTag(call.Name, "", "err"), nil
	}
}

// DryRunPreview describes what a call would do, for the confirmation
// prompt of a high-risk call
func (e *Executor) DryRunPreview(call ToolCall, request string) string {
	switch call.Name {
	case ToolRecordDelete:
		record, err := e.resolver.Resolve(call.Arg("ref"), call.Name, request, "")
		if err != nil {
			return fmt.Sprintf("Would delete record matching %q (currently unresolvable: %v).", call.Arg("ref"), err)
		}
		return fmt.Sprintf("Would permanently delete %q (%s, %d bytes).",
			record.Filename, shortID(record.ID), len(e.records.LoadText(record, contextLoadBytes)))
	case ToolRecordReplace:
		record, err := e.resolver.Resolve(call.Arg("ref"), call.Name, request, call.Arg("content"))
		if err != nil {
			return fmt.Sprintf("Would replace the body of record matching %q (currently unresolvable: %v).", call.Arg("ref"), err)
		}
		return fmt.Sprintf("Would replace the body of %q (%s) with %d bytes:\n%s",
			record.Filename, shortID(record.ID), len(call.Arg("content")),
			truncate(call.Arg("content"), previewBytes))
	default:
		return fmt.Sprintf("Would run %s with %v.", call.Name, call.Arguments)
	}
}

// ---- read tools ----

func (e *Executor) memorySummary(ctx context.Context) (string, string, []string) {
	matches, err := e.records.FetchRecords(store.RecordFilter{TagsAny: []string{TagCore}})
	if err != nil {
		return "Memory is unreadable right now: " + err.Error(), actionTag(ToolMemorySummary, "", "err"), nil
	}
	if len(matches) == 0 {
		return "Core memory is empty.", actionTag(ToolMemorySummary, "", "ok"), nil
	}

	var sb strings.Builder
	var ids []string
	entryCount := 0
	for i, r := range matches {
		ids = append(ids, r.ID)
		entries := parseCoreEntries(e.records.LoadText(r, contextLoadBytes))
		entryCount += len(entries)
		if i < 3 {
			sb.WriteString(fmt.Sprintf("- %s: %d entries\n", r.Filename, len(entries)))
		}
	}
	head := fmt.Sprintf("Core memory spans %d files with %d entries.\n", len(matches), entryCount)

	if e.client != nil {
		summary, err := e.callModel(ctx,
			"Summarize the following assistant memory files in at most five bullet points.",
			head+sb.String())
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary, actionTag(ToolMemorySummary, "", "ok"), ids
		}
		logger.Warn("[EXEC] Memory summary model call failed: %v", err)
	}
	return head + sb.String(), actionTag(ToolMemorySummary, "", "ok"), ids
}

// callModel runs one model round-trip under llmCallTimeout
func (e *Executor) callModel(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()
	return e.client.Call(callCtx, systemPrompt, userPrompt, e.modelID)
}

func (e *Executor) answer(ctx context.Context, question string, coreCtx []ContextItem) (string, string, []string) {
	var ids []string
	for _, item := range coreCtx {
		ids = append(ids, item.RecordID)
	}
	if e.client == nil {
		if len(coreCtx) > 0 {
			return "From memory: " + coreCtx[0].Snippet, actionTag(ToolAnswer, "", "ok"), ids
		}
		return "I cannot answer that without a configured model.", actionTag(ToolAnswer, "", "err"), nil
	}

	var sb strings.Builder
	sb.WriteString("Answer the user's question concisely.")
	if len(coreCtx) > 0 {
		sb.WriteString(" Use this memory where relevant:\n")
		for _, item := range coreCtx {
			sb.WriteString("- " + item.Snippet + "\n")
		}
	}
	reply, err := e.callModel(ctx, sb.String(), question)
	if err != nil {
		return "The model is unavailable: " + err.Error(), actionTag(ToolAnswer, "", "err"), nil
	}
	return reply, actionTag(ToolAnswer, "", "ok"), ids
}

func (e *Executor) search(query string) (string, string, []string) {
	matches, err := e.records.FetchRecords(store.RecordFilter{Search: query})
	if err != nil {
		return "Search failed: " + err.Error(), actionTag(ToolRecordSearch, "", "err"), nil
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No records match %q.", query), actionTag(ToolRecordSearch, "", "ok"), nil
	}

	var sb strings.Builder
	var ids []string
	sb.WriteString(fmt.Sprintf("%d records match %q:\n", len(matches), query))
	for i, r := range matches {
		if i >= searchResultLimit {
			sb.WriteString(fmt.Sprintf("... and %d more\n", len(matches)-searchResultLimit))
			break
		}
		ids = append(ids, r.ID)
		preview := truncate(oneline(e.records.LoadText(r, contextLoadBytes)), 80)
		sb.WriteString(fmt.Sprintf("- %s (%s) %s\n", r.Filename, shortID(r.ID), preview))
	}
	return sb.String(), actionTag(ToolRecordSearch, "", "ok"), ids
}

// ---- write tools ----

func (e *Executor) create(filename, content, request string) (string, string, []string) {
	if filename == "" {
		if date, ok := extractDate(request, e.now()); ok {
			filename = dateStampedFilename(date)
		} else {
			filename = dateStampedFilename(e.now())
		}
	}
	record := &store.Record{
		Filename: filename,
		FileType: fileTypeOf(filename),
		Body:     content,
	}
	if err := e.records.CreateRecord(record); err != nil {
		return "Could not create the record: " + err.Error(), actionTag(ToolRecordCreate, filename, "err"), nil
	}
	if e.events != nil {
		e.events.RecordCreated(record)
	}
	return fmt.Sprintf("Created %q (%s).", record.Filename, shortID(record.ID)),
		actionTag(ToolRecordCreate, shortID(record.ID), "ok"), []string{record.ID}
}

func (e *Executor) appendTo(ref, content, request string) (string, string, []string) {
	record, err := e.resolver.Resolve(ref, ToolRecordAppend, request, content)
	if err != nil {
		return resolveFailureLine("append to", ref, err), actionTag(ToolRecordAppend, ref, "err"), nil
	}
	if !record.IsTextLike() {
		return fmt.Sprintf("%q is not a text record; I cannot append to it.", record.Filename),
			actionTag(ToolRecordAppend, shortID(record.ID), "err"), nil
	}
	body := e.records.LoadText(record, contextLoadBytes)
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	if err := e.records.UpdateRecordText(record.ID, body+content+"\n"); err != nil {
		return "Could not append: " + err.Error(), actionTag(ToolRecordAppend, shortID(record.ID), "err"), nil
	}
	if e.events != nil {
		if fresh, err := e.records.FetchRecord(record.ID); err == nil && fresh != nil {
			e.events.RecordUpdated(fresh)
		}
	}
	return fmt.Sprintf("Appended to %q (%s).", record.Filename, shortID(record.ID)),
		actionTag(ToolRecordAppend, shortID(record.ID), "ok"), []string{record.ID}
}

func (e *Executor) replace(ref, content, request string) (string, string, []string) {
	record, err := e.resolver.Resolve(ref, ToolRecordReplace, request, content)
	if err != nil {
		return resolveFailureLine("replace", ref, err), actionTag(ToolRecordReplace, ref, "err"), nil
	}
	if !record.IsTextLike() {
		return fmt.Sprintf("%q is not a text record; I cannot rewrite it.", record.Filename),
			actionTag(ToolRecordReplace, shortID(record.ID), "err"), nil
	}
	if err := e.records.UpdateRecordText(record.ID, content); err != nil {
		return "Could not replace: " + err.Error(), actionTag(ToolRecordReplace, shortID(record.ID), "err"), nil
	}
	if e.events != nil {
		if fresh, err := e.records.FetchRecord(record.ID); err == nil && fresh != nil {
			e.events.RecordUpdated(fresh)
		}
	}
	return fmt.Sprintf("Replaced the body of %q (%s).", record.Filename, shortID(record.ID)),
		actionTag(ToolRecordReplace, shortID(record.ID), "ok"), []string{record.ID}
}

func (e *Executor) delete(ref, request string) (string, string, []string) {
	record, err := e.resolver.Resolve(ref, ToolRecordDelete, request, "")
	if err != nil {
		return resolveFailureLine("delete", ref, err), actionTag(ToolRecordDelete, ref, "err"), nil
	}
	if err := e.records.DeleteRecord(record.ID); err != nil {
		return "Could not delete: " + err.Error(), actionTag(ToolRecordDelete, shortID(record.ID), "err"), nil
	}
	return fmt.Sprintf("Deleted %q (%s).", record.Filename, shortID(record.ID)),
		actionTag(ToolRecordDelete, shortID(record.ID), "ok"), []string{record.ID}
}

// ---- tasks and skills ----

func (e *Executor) runTask(ctx context.Context, ref string) (string, string, []string) {
	if e.tasks == nil {
		return "No task runner is configured.", actionTag(ToolTaskRun, ref, "err"), nil
	}
	name, err := e.tasks.RunTaskNow(ctx, ref)
	if err != nil {
		return fmt.Sprintf("Task %q failed: %v", ref, err), actionTag(ToolTaskRun, ref, "err"), nil
	}
	return fmt.Sprintf("Task %q ran.", name), actionTag(ToolTaskRun, name, "ok"), nil
}

func (e *Executor) runSkill(ctx context.Context, ref, input, request string) (string, string, []string) {
	if e.skills == nil {
		return "No skills are configured.", actionTag(ToolSkillRun, ref, "err"), nil
	}
	skill, err := e.skills.FetchSkill(ref)
	if err != nil {
		return "Skills are unreadable right now: " + err.Error(), actionTag(ToolSkillRun, ref, "err"), nil
	}
	if skill == nil {
		return fmt.Sprintf("I do not know a skill called %q.", ref), actionTag(ToolSkillRun, ref, "err"), nil
	}
	if !skill.Enabled {
		return fmt.Sprintf("Skill %q is disabled.", skill.Name), actionTag(ToolSkillRun, skill.Name, "err"), nil
	}

	rendered := renderSkillTemplate(skill.Template, input, request, e.now())
	switch skill.ActionKind {
	case store.SkillActionPrompt:
		if e.client == nil {
			return "Skill needs a configured model.", actionTag(ToolSkillRun, skill.Name, "err"), nil
		}
		reply, err := e.callModel(ctx, "You are executing the skill "+skill.Name+".", rendered)
		if err != nil {
			return fmt.Sprintf("Skill %q failed: %v", skill.Name, err), actionTag(ToolSkillRun, skill.Name, "err"), nil
		}
		return reply, actionTag(ToolSkillRun, skill.Name, "ok"), nil
	case store.SkillActionCommand:
		if e.relay == nil {
			return "Skill needs the runtime relay.", actionTag(ToolSkillRun, skill.Name, "err"), nil
		}
		echo, err := e.relay.RelayInstruction(ctx, rendered)
		if err != nil {
			return fmt.Sprintf("Skill %q failed: %v", skill.Name, err), actionTag(ToolSkillRun, skill.Name, "err"), nil
		}
		line := fmt.Sprintf("Skill %q handed off to the runtime.", skill.Name)
		if echo != "" {
			line += " Runtime said: " + truncate(echo, previewBytes)
		}
		return line, actionTag(ToolSkillRun, skill.Name, "ok"), nil
	case store.SkillActionRecordCreate:
		return e.create("", rendered, request)
	case store.SkillActionRecordAppend:
		return e.appendTo(dateStampedFilename(e.now()), rendered, request)
	default:
		return fmt.Sprintf("Skill %q has an unknown action kind %q.", skill.Name, skill.ActionKind),
			actionTag(ToolSkillRun, skill.Name, "err"), nil
	}
}

func (e *Executor) skillCatalog() (string, string, []string) {
	if e.skills == nil {
		return "No skills are configured.", actionTag(ToolSkillCatalog, "", "ok"), nil
	}
	skills, err := e.skills.FetchEnabledSkills()
	if err != nil {
		return "Skills are unreadable right now: " + err.Error(), actionTag(ToolSkillCatalog, "", "err"), nil
	}
	if len(skills) == 0 {
		return "No skills are installed.", actionTag(ToolSkillCatalog, "", "ok"), nil
	}
	var sb strings.Builder
	sb.WriteString("Installed skills:\n")
	for _, sk := range skills {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", sk.Name, sk.Description))
	}
	return sb.String(), actionTag(ToolSkillCatalog, "", "ok"), nil
}

// SkillManifest renders the one-line-per-skill manifest shared with the
// scheduler relay
func (e *Executor) SkillManifest() string {
	reply, _, _ := e.skillCatalog()
	return reply
}

// renderSkillTemplate substitutes the template placeholders; an empty
// template passes the input through
func renderSkillTemplate(template, input, request string, now time.Time) string {
	if strings.TrimSpace(template) == "" {
		if input != "" {
			return input
		}
		return request
	}
	r := strings.NewReplacer(
		"{input}", input,
		"{request}", request,
		"{date}", now.Format("2006-01-02"),
		"{timestamp}", now.Format(time.RFC3339),
	)
	return r.Replace(template)
}

// ---- helpers ----

func actionTag(tool, subject, outcome string) string {
	if subject == "" {
		return tool + "::" + outcome
	}
	return tool + ":" + subject + ":" + outcome
}

func resolveFailureLine(verb, ref string, err error) string {
	switch {
	case errors.Is(err, ErrAmbiguousReference):
		return fmt.Sprintf("Several records match %q; give me the id or a more specific name to %s.", ref, verb)
	case errors.Is(err, ErrNotFound):
		return fmt.Sprintf("I found no record matching %q to %s.", ref, verb)
	default:
		return fmt.Sprintf("Could not %s %q: %v", verb, ref, err)
	}
}

func fileTypeOf(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".md"):
		return "markdown"
	case strings.HasSuffix(filename, ".txt"):
		return "text"
	case strings.HasSuffix(filename, ".json"):
		return "json"
	default:
		return "markdown"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
