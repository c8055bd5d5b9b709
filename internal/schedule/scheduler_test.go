package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kayz/keel/internal/store"
)

func newTestTaskStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type capturedPayload struct {
	mu       sync.Mutex
	payloads []RelayPayload
}

func (c *capturedPayload) add(p RelayPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
}

func (c *capturedPayload) last(t *testing.T) RelayPayload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		t.Fatalf("no payload captured")
	}
	return c.payloads[len(c.payloads)-1]
}

func newRelayServer(t *testing.T, captured *capturedPayload) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p RelayPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		captured.add(p)
		w.Write([]byte("accepted"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type staticContext struct{ items []string }

func (s staticContext) CoreContext(query string, limit int) []string { return s.items }

type staticManifest struct{ text string }

func (s staticManifest) SkillManifest() string { return s.text }

func TestRunTaskNowRelaysInstruction(t *testing.T) {
	captured := &capturedPayload{}
	srv := newRelayServer(t, captured)

	relay := NewRelayClient(srv.URL, "secret", 10*time.Second)
	relay.Interfaces = []string{"record.create", "record.search"}

	s := NewScheduler(newTestTaskStore(t), relay, nil,
		staticContext{items: []string{"deploy cadence is weekly"}},
		staticManifest{text: "- daily-digest"}, time.Minute)

	task := &Task{
		Name:    "morning-brief",
		Trigger: ManualTrigger{},
		Action: RelayInstruction{
			Template:             "Prepare the morning brief for {{date}} ({{task_name}})",
			IncludeCoreMemory:    true,
			IncludeSkillManifest: true,
		},
		Enabled: true,
	}
	if _, err := s.AddTask(task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	out, err := s.RunTaskNow(context.Background(), "morning-brief")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if out != "accepted" {
		t.Fatalf("unexpected echo: %q", out)
	}

	p := captured.last(t)
	if p.Mode != "scheduled" {
		t.Fatalf("unexpected mode: %q", p.Mode)
	}
	if !strings.Contains(p.Instruction, "morning-brief") {
		t.Fatalf("template not rendered: %q", p.Instruction)
	}
	if strings.Contains(p.Instruction, "{{") {
		t.Fatalf("unsubstituted placeholder: %q", p.Instruction)
	}
	if len(p.CoreContext) != 1 || p.CoreContext[0] != "deploy cadence is weekly" {
		t.Fatalf("core context missing: %+v", p.CoreContext)
	}
	if p.SkillsManifest != "- daily-digest" {
		t.Fatalf("manifest missing: %q", p.SkillsManifest)
	}
	if len(p.Interfaces) != 2 {
		t.Fatalf("interfaces missing: %+v", p.Interfaces)
	}

	logs, err := s.store.RunLogsForTask(task.ID, 0)
	if err != nil {
		t.Fatalf("run logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != RunStatusSuccess {
		t.Fatalf("unexpected run logs: %+v", logs)
	}
	if logs[0].FinishedAt == nil {
		t.Fatalf("expected finished time")
	}
}

func TestRunTaskFailureMarksLogAndReschedules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewScheduler(newTestTaskStore(t), NewRelayClient(srv.URL, "", 10*time.Second), nil, nil, nil, time.Minute)

	task := &Task{
		Name:    "flaky",
		Trigger: HeartbeatTrigger{Minutes: 15},
		Action:  RelayInstruction{Template: "check in"},
		Enabled: true,
	}
	if _, err := s.AddTask(task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	if _, err := s.RunTaskNow(context.Background(), "flaky"); err == nil {
		t.Fatalf("expected relay failure")
	}

	logs, _ := s.store.RunLogsForTask(task.ID, 0)
	if len(logs) != 1 || logs[0].Status != RunStatusFailed || logs[0].Error == "" {
		t.Fatalf("expected failed run log, got %+v", logs)
	}

	// A failed run still reschedules.
	got := s.FindTask("flaky")
	if got.NextRunAt == nil {
		t.Fatalf("expected next run scheduled after failure")
	}
}

func TestHeartbeatNextRunRelativeToCompletion(t *testing.T) {
	captured := &capturedPayload{}
	srv := newRelayServer(t, captured)

	s := NewScheduler(newTestTaskStore(t), NewRelayClient(srv.URL, "", 10*time.Second), nil, nil, nil, time.Minute)
	task := &Task{
		Name:    "hb",
		Trigger: HeartbeatTrigger{Minutes: 15},
		Action:  RelayInstruction{Template: "ping"},
		Enabled: true,
	}
	if _, err := s.AddTask(task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	before := time.Now()
	if _, err := s.RunTaskNow(context.Background(), "hb"); err != nil {
		t.Fatalf("run: %v", err)
	}
	after := time.Now()

	got := s.FindTask("hb")
	if got.LastRunAt == nil || got.NextRunAt == nil {
		t.Fatalf("expected run times recorded")
	}
	// Drift is relative to actual completion, not the nominal schedule.
	lo := before.Add(15 * time.Minute)
	hi := after.Add(15 * time.Minute)
	if got.NextRunAt.Before(lo) || got.NextRunAt.After(hi) {
		t.Fatalf("next run %s outside [%s, %s]", got.NextRunAt, lo, hi)
	}
}

type fakeRecords struct{ records map[string]*store.Record }

func (f fakeRecords) FetchRecord(id string) (*store.Record, error) {
	return f.records[id], nil
}

func TestEventTriggerAttachesRecord(t *testing.T) {
	captured := &capturedPayload{}
	srv := newRelayServer(t, captured)

	s := NewScheduler(newTestTaskStore(t), NewRelayClient(srv.URL, "", 10*time.Second), fakeRecords{}, nil, nil, time.Minute)
	task := &Task{
		Name:    "on-inbox",
		Trigger: RecordCreateTrigger{TagFilter: "Inbox"},
		Action: RelayInstruction{
			Template:         "Triage new record {{record_filename}}",
			ContextRecordRef: EventRecordRef,
		},
		Enabled: true,
	}
	if _, err := s.AddTask(task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	record := &store.Record{ID: "R1", Filename: "note.md", Body: "call the vendor", Tags: []string{"Inbox"}}
	s.NotifyRecordEvent(TriggerOnRecordCreate, record)
	s.wg.Wait()

	p := captured.last(t)
	if !strings.Contains(p.Instruction, "note.md") {
		t.Fatalf("event record not rendered: %q", p.Instruction)
	}

	// A record without the filter tag does not fire.
	countBefore := len(captured.payloads)
	s.NotifyRecordEvent(TriggerOnRecordCreate, &store.Record{ID: "R2", Filename: "x", Tags: []string{"Other"}})
	s.wg.Wait()
	if len(captured.payloads) != countBefore {
		t.Fatalf("tag filter ignored")
	}

	// Event tasks stay unscheduled.
	got := s.FindTask("on-inbox")
	if got.NextRunAt != nil {
		t.Fatalf("event task should have no next run")
	}
}

func TestRenderInstructionAppendsContextRecord(t *testing.T) {
	records := fakeRecords{records: map[string]*store.Record{
		"R9": {ID: "R9", Filename: "playbook.md", Body: "step one\nstep two"},
	}}
	s := NewScheduler(newTestTaskStore(t), NewRelayClient("http://unused", "", time.Second), records, nil, nil, time.Minute)

	task := &Task{
		Name:    "playbook",
		Trigger: ManualTrigger{},
		Action:  RelayInstruction{Template: "Follow the playbook", ContextRecordRef: "R9"},
	}
	instruction := s.renderInstruction(task, nil, time.Now())
	if !strings.Contains(instruction, "Follow the playbook") || !strings.Contains(instruction, "step two") {
		t.Fatalf("context record body not appended: %q", instruction)
	}
}

func TestSchedulerSweepSeedsAndRuns(t *testing.T) {
	captured := &capturedPayload{}
	srv := newRelayServer(t, captured)

	st := newTestTaskStore(t)
	s := NewScheduler(st, NewRelayClient(srv.URL, "", 10*time.Second), nil, nil, nil, time.Minute)

	task := &Task{
		Name:    "cronny",
		Trigger: CronTrigger{Expr: "* * * * *"},
		Action:  RelayInstruction{Template: "tick"},
		Enabled: true,
	}
	if _, err := s.AddTask(task); err != nil {
		t.Fatalf("add: %v", err)
	}

	// First sweep seeds nextRunAt without running.
	now := time.Now()
	s.sweep(now)
	got := s.FindTask("cronny")
	if got.NextRunAt == nil || !got.NextRunAt.After(now) {
		t.Fatalf("expected seeded future next run, got %v", got.NextRunAt)
	}
	if len(captured.payloads) != 0 {
		t.Fatalf("seed sweep must not run the task")
	}

	// Sweep past the scheduled time runs it once.
	s.sweep(got.NextRunAt.Add(time.Second))
	s.wg.Wait()
	if len(captured.payloads) != 1 {
		t.Fatalf("expected one run, got %d", len(captured.payloads))
	}
}

func TestTaskStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	st, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	task := &Task{
		Name:    "persisted",
		Trigger: CronTrigger{Expr: "0 9 * * 1-5"},
		Action: RelayInstruction{
			Template:             "daily",
			ContextRecordRef:     EventRecordRef,
			IncludeCoreMemory:    true,
			IncludeSkillManifest: true,
		},
		Enabled: true,
	}
	if err := st.SaveTask(task); err != nil {
		t.Fatalf("save: %v", err)
	}
	st.Close()

	st2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	tasks, err := st2.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Name != "persisted" || !got.Enabled {
		t.Fatalf("unexpected task: %+v", got)
	}
	trig, ok := got.Trigger.(CronTrigger)
	if !ok || trig.Expr != "0 9 * * 1-5" {
		t.Fatalf("trigger not round-tripped: %#v", got.Trigger)
	}
	if !got.Action.IncludeCoreMemory || !got.Action.IncludeSkillManifest || got.Action.ContextRecordRef != EventRecordRef {
		t.Fatalf("action not round-tripped: %+v", got.Action)
	}
}
