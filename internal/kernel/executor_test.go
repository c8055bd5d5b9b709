package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kayz/keel/internal/store"
)

type recordingEventSink struct {
	created []string
	updated []string
}

func (s *recordingEventSink) RecordCreated(r *store.Record) { s.created = append(s.created, r.ID) }
func (s *recordingEventSink) RecordUpdated(r *store.Record) { s.updated = append(s.updated, r.ID) }

func newTestExecutor(t *testing.T) (*Executor, *store.Store, *recordingEventSink) {
	t.Helper()
	s := newTestStore(t)
	sink := &recordingEventSink{}
	e := NewExecutor(ExecutorDeps{
		Registry: NewRegistry(),
		Records:  s,
		Tags:     s,
		Skills:   s,
		Events:   sink,
	})
	return e, s, sink
}

type deadlineCheckingClient struct {
	hadDeadline bool
}

func (c *deadlineCheckingClient) Call(ctx context.Context, systemPrompt, userPrompt, providerModelID string) (string, error) {
	_, c.hadDeadline = ctx.Deadline()
	return "the cadence is weekly", nil
}

func TestAnswerBoundsModelCall(t *testing.T) {
	s := newTestStore(t)
	client := &deadlineCheckingClient{}
	e := NewExecutor(ExecutorDeps{
		Registry: NewRegistry(),
		Records:  s,
		Tags:     s,
		Skills:   s,
		Client:   client,
	})

	result := e.Execute(context.Background(), []ToolCall{{
		Name:      ToolAnswer,
		Arguments: map[string]string{"question": "what's our deploy cadence?"},
	}}, "what's our deploy cadence?", nil)

	if !strings.Contains(result.Reply, "weekly") {
		t.Fatalf("model reply not used: %q", result.Reply)
	}
	if !client.hadDeadline {
		t.Fatal("model call ran without a deadline")
	}
}

func TestExecuteCreateThenSearch(t *testing.T) {
	e, _, sink := newTestExecutor(t)
	ctx := context.Background()

	result := e.Execute(ctx, []ToolCall{{
		Name:      ToolRecordCreate,
		Arguments: map[string]string{"filename": "shopping.md", "content": "buy milk"},
	}}, "new note", nil)

	if len(result.RelatedRecordIDs) != 1 {
		t.Fatalf("related ids: %v", result.RelatedRecordIDs)
	}
	if !strings.Contains(result.Reply, "shopping.md") {
		t.Errorf("reply does not name the record: %q", result.Reply)
	}
	if len(result.Actions) != 1 || !strings.HasSuffix(result.Actions[0], ":ok") {
		t.Errorf("actions: %v", result.Actions)
	}
	if len(sink.created) != 1 {
		t.Errorf("create event not fired: %v", sink.created)
	}

	found := e.Execute(ctx, []ToolCall{{
		Name:      ToolRecordSearch,
		Arguments: map[string]string{"query": "milk"},
	}}, "search milk", nil)
	if !strings.Contains(found.Reply, "shopping.md") {
		t.Errorf("search missed the record: %q", found.Reply)
	}
}

func TestExecuteAppendCreatesDailyRecord(t *testing.T) {
	e, s, sink := newTestExecutor(t)

	// Appending to a date with no existing record is the one implicit
	// create in the system.
	result := e.Execute(context.Background(), []ToolCall{{
		Name:      ToolRecordAppend,
		Arguments: map[string]string{"ref": "tomorrow", "content": "finish the report"},
	}}, "append to tomorrow: finish the report", nil)

	if len(result.Actions) != 1 || !strings.HasSuffix(result.Actions[0], ":ok") {
		t.Fatalf("actions: %v", result.Actions)
	}
	stamp := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	records, _ := s.FetchRecords(store.RecordFilter{Search: stamp})
	if len(records) != 1 {
		t.Fatalf("daily record not created: %v", records)
	}
	if body := s.LoadText(records[0], 0); !strings.Contains(body, "finish the report") {
		t.Errorf("content not appended: %q", body)
	}
	if len(sink.updated) != 1 {
		t.Errorf("update event not fired: %v", sink.updated)
	}
}

func TestExecuteDeleteNotFound(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	result := e.Execute(context.Background(), []ToolCall{{
		Name:      ToolRecordDelete,
		Arguments: map[string]string{"ref": "no-such-record"},
	}}, "delete no-such-record", nil)

	if len(result.Actions) != 1 || !strings.HasSuffix(result.Actions[0], ":err") {
		t.Fatalf("actions: %v", result.Actions)
	}
	if !strings.Contains(result.Reply, "no record matching") {
		t.Errorf("reply: %q", result.Reply)
	}
}

func TestExecuteAppendRejectsBinaryRecord(t *testing.T) {
	e, s, _ := newTestExecutor(t)
	record := &store.Record{Filename: "photo.png", FileType: "image", Body: "binary"}
	if err := s.CreateRecord(record); err != nil {
		t.Fatal(err)
	}

	result := e.Execute(context.Background(), []ToolCall{{
		Name:      ToolRecordAppend,
		Arguments: map[string]string{"ref": record.ID, "content": "caption"},
	}}, "append", nil)

	if !strings.HasSuffix(result.Actions[0], ":err") {
		t.Fatalf("actions: %v", result.Actions)
	}
	if !strings.Contains(result.Reply, "not a text record") {
		t.Errorf("reply: %q", result.Reply)
	}
}

func TestExecuteEmptyCallsNeverSilentSuccess(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	result := e.Execute(context.Background(), nil, "", nil)
	if result.Reply == "" {
		t.Fatal("empty call list must produce an explanatory reply")
	}
	if len(result.Actions) != 0 {
		t.Fatalf("actions: %v", result.Actions)
	}
}

func TestExecuteIsolatesFailures(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	result := e.Execute(context.Background(), []ToolCall{
		{Name: ToolRecordDelete, Arguments: map[string]string{"ref": "missing"}},
		{Name: ToolRecordCreate, Arguments: map[string]string{"filename": "ok.md", "content": "still runs"}},
	}, "mixed", nil)

	if len(result.Actions) != 2 {
		t.Fatalf("actions: %v", result.Actions)
	}
	if !strings.HasSuffix(result.Actions[0], ":err") || !strings.HasSuffix(result.Actions[1], ":ok") {
		t.Fatalf("actions: %v", result.Actions)
	}
}

func TestSkillRunRecordCreate(t *testing.T) {
	e, s, _ := newTestExecutor(t)
	skill := &store.Skill{
		Name:        "standup",
		Description: "Log a standup entry",
		ActionKind:  store.SkillActionRecordCreate,
		Template:    "Standup {date}: {input}",
		Enabled:     true,
	}
	if err := s.SaveSkill(skill); err != nil {
		t.Fatal(err)
	}

	result := e.Execute(context.Background(), []ToolCall{{
		Name:      ToolSkillRun,
		Arguments: map[string]string{"ref": "standup", "input": "shipped the parser"},
	}}, "run skill standup: shipped the parser", nil)

	if len(result.RelatedRecordIDs) != 1 {
		t.Fatalf("no record created: %+v", result)
	}
	record, _ := s.FetchRecord(result.RelatedRecordIDs[0])
	if body := s.LoadText(record, 0); !strings.Contains(body, "shipped the parser") {
		t.Errorf("template not rendered: %q", body)
	}
}

func TestSkillRunDisabled(t *testing.T) {
	e, s, _ := newTestExecutor(t)
	skill := &store.Skill{Name: "old", ActionKind: store.SkillActionPrompt, Enabled: false}
	if err := s.SaveSkill(skill); err != nil {
		t.Fatal(err)
	}

	result := e.Execute(context.Background(), []ToolCall{{
		Name:      ToolSkillRun,
		Arguments: map[string]string{"ref": "old"},
	}}, "run skill old", nil)

	if !strings.Contains(result.Reply, "disabled") {
		t.Errorf("reply: %q", result.Reply)
	}
	if !strings.HasSuffix(result.Actions[0], ":err") {
		t.Errorf("actions: %v", result.Actions)
	}
}

func TestDryRunPreviewNamesTarget(t *testing.T) {
	e, s, _ := newTestExecutor(t)
	record := &store.Record{Filename: "important.md", FileType: "markdown", Body: "keep me"}
	if err := s.CreateRecord(record); err != nil {
		t.Fatal(err)
	}

	preview := e.DryRunPreview(ToolCall{
		Name:      ToolRecordDelete,
		Arguments: map[string]string{"ref": record.ID},
	}, "删除 important")
	if !strings.Contains(preview, "important.md") {
		t.Errorf("preview does not name the target: %q", preview)
	}

	missing := e.DryRunPreview(ToolCall{
		Name:      ToolRecordDelete,
		Arguments: map[string]string{"ref": "ghost"},
	}, "delete ghost")
	if !strings.Contains(missing, "unresolvable") {
		t.Errorf("preview should admit the miss: %q", missing)
	}
}
