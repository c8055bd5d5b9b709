package kernel

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kayz/keel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "keel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenizeBilingual(t *testing.T) {
	tokens := tokenize("Deploy 周报 v2 now")
	for _, want := range []string{"deploy", "周", "报", "v2", "now"} {
		if _, ok := tokens[want]; !ok {
			t.Errorf("missing token %q in %v", want, tokens)
		}
	}
}

func TestOverlapScore(t *testing.T) {
	a := tokenize("deploy every friday")
	if got := overlapScore(a, a); got != 1 {
		t.Errorf("self similarity = %v", got)
	}
	if got := overlapScore(a, tokenize("unrelated words entirely")); got != 0 {
		t.Errorf("disjoint similarity = %v", got)
	}
	if got := overlapScore(a, nil); got != 0 {
		t.Errorf("empty set similarity = %v", got)
	}
}

func TestDetectCoreConflict(t *testing.T) {
	stored := []coreEntry{{
		Stamp:   "09:00:00",
		Request: "what's our deploy cadence",
		Reply:   "we deploy every friday afternoon",
	}}

	next := coreEntry{
		Request: "what is our deploy cadence?",
		Reply:   "we now deploy daily at noon",
	}
	idx, conflicted := detectCoreConflict(stored, next)
	if !conflicted || idx != 0 {
		t.Fatalf("contradictory reply should conflict, idx=%d conflicted=%t", idx, conflicted)
	}

	// Same question, same answer: stacking is fine, no conflict.
	agree := coreEntry{
		Request: "what is our deploy cadence?",
		Reply:   "we deploy every friday afternoon",
	}
	if _, conflicted := detectCoreConflict(stored, agree); conflicted {
		t.Fatal("agreeing reply should not conflict")
	}

	// Unrelated question: no conflict regardless of reply.
	other := coreEntry{
		Request: "remind me to water the plants",
		Reply:   "done",
	}
	if _, conflicted := detectCoreConflict(stored, other); conflicted {
		t.Fatal("unrelated request should not conflict")
	}
}

func TestParseMergeDirective(t *testing.T) {
	if mode, ok := ParseMergeDirective("update it #MERGE:overwrite"); !ok || mode != MergeOverwrite {
		t.Errorf("got %q ok=%t", mode, ok)
	}
	if mode, ok := ParseMergeDirective("#MERGE:KEEP please"); !ok || mode != MergeKeep {
		t.Errorf("got %q ok=%t", mode, ok)
	}
	if _, ok := ParseMergeDirective("no directive"); ok {
		t.Error("parsed a directive from plain text")
	}
}

func TestCoreEntriesRoundTrip(t *testing.T) {
	entries := []coreEntry{
		{Stamp: "09:00:00", Request: "first question", Reply: "first answer"},
		{Stamp: "10:30:00", Request: "second question", Reply: "second answer"},
	}
	parsed := parseCoreEntries(renderCoreEntries(entries))
	if len(parsed) != 2 {
		t.Fatalf("parsed %d entries", len(parsed))
	}
	for i := range entries {
		if parsed[i].Stamp != entries[i].Stamp ||
			parsed[i].Request != entries[i].Request ||
			parsed[i].Reply != entries[i].Reply {
			t.Errorf("entry %d mismatch: %+v vs %+v", i, parsed[i], entries[i])
		}
	}
}

func TestPersistVersionedOnConflict(t *testing.T) {
	s := newTestStore(t)
	w := NewMemoryWriter(s, s)
	w.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local) }

	first := w.Persist("what's our deploy cadence", "we deploy every friday afternoon",
		[]string{"answer::ok"}, true, time.Second, "")
	if first.CoreRecordID == "" {
		t.Fatal("no core record created")
	}
	if first.Conflicted {
		t.Fatal("first write cannot conflict")
	}

	w.now = func() time.Time { return time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local) }
	second := w.Persist("what is our deploy cadence?", "we now deploy daily at noon",
		[]string{"answer::ok"}, true, time.Second, "")
	if !second.Conflicted {
		t.Fatal("contradictory exchange should be flagged")
	}
	if second.MergeApplied != MergeVersioned {
		t.Fatalf("merge = %q", second.MergeApplied)
	}

	record, err := s.FetchRecord(first.CoreRecordID)
	if err != nil || record == nil {
		t.Fatalf("core record gone: %v", err)
	}
	body := s.LoadText(record, 0)
	if !strings.Contains(body, "every friday afternoon") || !strings.Contains(body, "daily at noon") {
		t.Fatalf("versioned merge lost history:\n%s", body)
	}
	if !strings.Contains(body, "revision of") {
		t.Fatalf("versioned entry not marked:\n%s", body)
	}
}

func TestPersistConflictAcrossDays(t *testing.T) {
	s := newTestStore(t)
	w := NewMemoryWriter(s, s)

	w.now = func() time.Time { return time.Date(2026, 3, 9, 14, 2, 13, 0, time.Local) }
	first := w.Persist("what's our deploy cadence", "we deploy every friday afternoon",
		nil, true, time.Second, "")
	if first.CoreRecordID == "" {
		t.Fatal("no core record created")
	}

	// The contradiction lives in yesterday's file, not today's.
	w.now = func() time.Time { return time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local) }
	second := w.Persist("what is our deploy cadence?", "we now deploy daily at noon",
		nil, true, time.Second, "")
	if !second.Conflicted {
		t.Fatal("contradiction with a prior day's record not flagged")
	}
	if second.CoreRecordID == first.CoreRecordID {
		t.Fatal("versioned entry should land in today's file")
	}

	record, _ := s.FetchRecord(second.CoreRecordID)
	body := s.LoadText(record, 0)
	if !strings.Contains(body, "revision of 2026-03-09") {
		t.Fatalf("cross-day revision not marked:\n%s", body)
	}

	// Yesterday's record keeps its original text on a versioned merge.
	old, _ := s.FetchRecord(first.CoreRecordID)
	if !strings.Contains(s.LoadText(old, 0), "every friday afternoon") {
		t.Fatal("versioned merge touched the prior day's record")
	}
}

func TestPersistOverwriteAcrossDays(t *testing.T) {
	s := newTestStore(t)
	w := NewMemoryWriter(s, s)

	w.now = func() time.Time { return time.Date(2026, 3, 9, 14, 0, 0, 0, time.Local) }
	first := w.Persist("what's our deploy cadence", "we deploy every friday afternoon",
		nil, true, time.Second, "")

	w.now = func() time.Time { return time.Date(2026, 3, 10, 11, 0, 0, 0, time.Local) }
	second := w.Persist("what is our deploy cadence?", "we now deploy daily at noon",
		nil, true, time.Second, MergeOverwrite)
	if !second.Conflicted {
		t.Fatal("contradiction not flagged")
	}
	if second.CoreRecordID != first.CoreRecordID {
		t.Fatal("overwrite should rewrite the record holding the stale entry")
	}

	record, _ := s.FetchRecord(first.CoreRecordID)
	body := s.LoadText(record, 0)
	if strings.Contains(body, "every friday afternoon") {
		t.Fatalf("overwrite kept the stale reply:\n%s", body)
	}
	if !strings.Contains(body, "daily at noon") {
		t.Fatalf("overwrite lost the new reply:\n%s", body)
	}
}

func TestDetectCoreConflictPicksClosest(t *testing.T) {
	stored := []coreEntry{
		{
			Stamp:   "09:00:00",
			Request: "our deploy cadence for mobile",
			Reply:   "mobile ships tuesdays",
		},
		{
			Stamp:   "10:00:00",
			Request: "what's our deploy cadence",
			Reply:   "we deploy every friday afternoon",
		},
	}
	next := coreEntry{
		Request: "what is our deploy cadence?",
		Reply:   "we now deploy daily at noon",
	}
	idx, conflicted := detectCoreConflict(stored, next)
	if !conflicted {
		t.Fatal("expected a conflict")
	}
	if idx != 1 {
		t.Fatalf("expected the closest request to win, got idx=%d", idx)
	}
}

func TestPersistOverwriteReplacesEntry(t *testing.T) {
	s := newTestStore(t)
	w := NewMemoryWriter(s, s)
	w.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local) }

	first := w.Persist("what's our deploy cadence", "we deploy every friday afternoon",
		nil, true, time.Second, "")
	w.Persist("what is our deploy cadence?", "we now deploy daily at noon",
		nil, true, time.Second, MergeOverwrite)

	record, _ := s.FetchRecord(first.CoreRecordID)
	body := s.LoadText(record, 0)
	if strings.Contains(body, "every friday afternoon") {
		t.Fatalf("overwrite kept the stale reply:\n%s", body)
	}
	if !strings.Contains(body, "daily at noon") {
		t.Fatalf("overwrite lost the new reply:\n%s", body)
	}
}

func TestPersistKeepSkipsCoreButAudits(t *testing.T) {
	s := newTestStore(t)
	w := NewMemoryWriter(s, s)

	outcome := w.Persist("secret scratch request", "reply", nil, true, time.Second, MergeKeep)
	if outcome.CoreRecordID != "" {
		t.Fatal("keep must skip the core write")
	}
	if outcome.AuditRecordID == "" {
		t.Fatal("audit write must still happen")
	}
}

func TestPersistAuditLine(t *testing.T) {
	s := newTestStore(t)
	w := NewMemoryWriter(s, s)

	outcome := w.Persist("delete it", "Deleted foo", []string{"record.delete:ABCD1234:ok"}, true, 1500*time.Millisecond, "")
	record, err := s.FetchRecord(outcome.AuditRecordID)
	if err != nil || record == nil {
		t.Fatalf("audit record missing: %v", err)
	}
	body := s.LoadText(record, 0)
	for _, want := range []string{"record.delete:ABCD1234:ok", "ok=true", "took=1.5s"} {
		if !strings.Contains(body, want) {
			t.Errorf("audit line missing %q:\n%s", want, body)
		}
	}
	if !record.HasTag(TagAuditLog) {
		t.Error("audit record not tagged")
	}
}
