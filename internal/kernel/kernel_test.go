package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kayz/keel/internal/store"
)

func newTestKernel(t *testing.T) (*Kernel, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	// No model configured: the rule planner carries every request.
	k := New(Deps{Records: s, Tags: s, Skills: s})
	return k, s
}

func TestHandleRequestCreatesTomorrowPlan(t *testing.T) {
	k, s := newTestKernel(t)

	result := k.HandleRequest(context.Background(), "为明天新建计划：完成周报", "cli")
	if !result.Success {
		t.Fatalf("request failed: %q", result.Reply)
	}
	if len(result.RelatedRecordIDs) != 1 {
		t.Fatalf("related ids: %v", result.RelatedRecordIDs)
	}
	record, err := s.FetchRecord(result.RelatedRecordIDs[0])
	if err != nil || record == nil {
		t.Fatalf("created record missing: %v", err)
	}

	tomorrow := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	if !strings.Contains(record.Filename, tomorrow) {
		t.Errorf("filename %q lacks tomorrow's stamp", record.Filename)
	}
	if body := s.LoadText(record, 0); !strings.Contains(body, "完成周报") {
		t.Errorf("body = %q", body)
	}
	if !strings.Contains(result.Reply, shortID(record.ID)) {
		t.Errorf("reply does not name the record id: %q", result.Reply)
	}
	if result.AuditRecordID == "" || result.CoreRecordID == "" {
		t.Error("memory and audit writes missing")
	}
}

func TestHandleRequestDeleteConfirmFlow(t *testing.T) {
	k, s := newTestKernel(t)
	record := &store.Record{Filename: "old-notes.md", FileType: "markdown", Body: "stale"}
	if err := s.CreateRecord(record); err != nil {
		t.Fatal(err)
	}

	// High-risk call: the gate must intercept instead of executing.
	result := k.HandleRequest(context.Background(), "删除记录 "+record.ID, "cli")
	if result.ConfirmToken == "" {
		t.Fatalf("no confirmation token: %q", result.Reply)
	}
	if !strings.Contains(result.Reply, "old-notes.md") {
		t.Errorf("dry-run preview does not name the target: %q", result.Reply)
	}
	if got, _ := s.FetchRecord(record.ID); got == nil {
		t.Fatal("record deleted before confirmation")
	}

	// Confirming with the token executes the deferred call.
	confirmed := k.HandleRequest(context.Background(), "#CONFIRM:"+result.ConfirmToken, "cli")
	if !confirmed.Success {
		t.Fatalf("confirm failed: %q", confirmed.Reply)
	}
	if len(confirmed.Actions) != 1 || !strings.HasSuffix(confirmed.Actions[0], ":ok") {
		t.Fatalf("actions: %v", confirmed.Actions)
	}
	if got, _ := s.FetchRecord(record.ID); got != nil {
		t.Fatal("record still present after confirmed delete")
	}

	// Token reuse must fail and change nothing.
	replayed := k.HandleRequest(context.Background(), "#CONFIRM:"+result.ConfirmToken, "cli")
	if replayed.Success {
		t.Fatal("replayed token accepted")
	}
	if !strings.Contains(replayed.Reply, "unknown, expired or already used") {
		t.Errorf("reply: %q", replayed.Reply)
	}
}

func TestHandleRequestConfirmedFailureIsNotSuccess(t *testing.T) {
	k, s := newTestKernel(t)
	record := &store.Record{Filename: "doomed.md", FileType: "markdown", Body: "x"}
	if err := s.CreateRecord(record); err != nil {
		t.Fatal(err)
	}

	result := k.HandleRequest(context.Background(), "删除记录 "+record.ID, "cli")
	if result.ConfirmToken == "" {
		t.Fatalf("no confirmation token: %q", result.Reply)
	}

	// The target vanishes during the handshake.
	if err := s.DeleteRecord(record.ID); err != nil {
		t.Fatal(err)
	}

	confirmed := k.HandleRequest(context.Background(), "#CONFIRM:"+result.ConfirmToken, "cli")
	if confirmed.Success {
		t.Fatalf("confirmed call failed but result claims success: %v", confirmed.Actions)
	}
	if len(confirmed.Actions) != 1 || !strings.HasSuffix(confirmed.Actions[0], ":err") {
		t.Fatalf("actions: %v", confirmed.Actions)
	}
}

func TestHandleRequestConfirmWrongSource(t *testing.T) {
	k, s := newTestKernel(t)
	record := &store.Record{Filename: "keep.md", FileType: "markdown", Body: "x"}
	if err := s.CreateRecord(record); err != nil {
		t.Fatal(err)
	}

	result := k.HandleRequest(context.Background(), "删除记录 "+record.ID, "telegram")
	crossed := k.HandleRequest(context.Background(), "#CONFIRM:"+result.ConfirmToken, "cli")
	if crossed.Success {
		t.Fatal("cross-source confirmation accepted")
	}
	if got, _ := s.FetchRecord(record.ID); got == nil {
		t.Fatal("record deleted by cross-source confirmation")
	}
}

func TestHandleRequestClarifies(t *testing.T) {
	k, _ := newTestKernel(t)
	result := k.HandleRequest(context.Background(), "delete the thing", "cli")
	if result.ClarifyQuestion == "" {
		t.Fatalf("expected a question, got %q", result.Reply)
	}
	if len(result.Actions) != 0 {
		t.Fatalf("clarification must not act: %v", result.Actions)
	}
}

func TestHandleRequestWritesMemoryEveryTurn(t *testing.T) {
	k, _ := newTestKernel(t)
	ctx := context.Background()

	first := k.HandleRequest(ctx, "what's our deploy cadence", "cli")
	second := k.HandleRequest(ctx, "为明天新建计划：完成周报", "cli")
	for i, r := range []*Result{first, second} {
		if r.CoreRecordID == "" || r.AuditRecordID == "" {
			t.Errorf("turn %d: memory/audit missing (%+v)", i, r)
		}
	}
	// Same day, same daily files.
	if first.CoreRecordID != second.CoreRecordID {
		t.Error("daily core record not reused")
	}
}

func TestCoreContextRanksByOverlap(t *testing.T) {
	k, s := newTestKernel(t)
	for _, r := range []*store.Record{
		{Filename: "deploy.md", FileType: "markdown", Body: "we deploy every friday afternoon", Tags: []string{TagCore}},
		{Filename: "plants.md", FileType: "markdown", Body: "water the plants on monday", Tags: []string{TagCore}},
	} {
		if err := s.CreateRecord(r); err != nil {
			t.Fatal(err)
		}
	}

	snippets := k.CoreContext("when do we deploy", 2)
	if len(snippets) == 0 {
		t.Fatal("no context found")
	}
	if !strings.Contains(snippets[0], "friday") {
		t.Errorf("best snippet should be the deploy note, got %q", snippets[0])
	}
}
