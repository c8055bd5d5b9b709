package kernel

import (
	"testing"
	"time"
)

func TestExtractQuoted(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`create a note "weekly report"`, "weekly report"},
		{"新建记录“周报”", "周报"},
		{"新建记录「待办」", "待办"},
		{"no quotes here", ""},
	}
	for _, c := range cases {
		if got := extractQuoted(c.in); got != c.want {
			t.Errorf("extractQuoted(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExtractColonPayload(t *testing.T) {
	if got := extractColonPayload("为明天新建计划：完成周报"); got != "完成周报" {
		t.Errorf("got %q", got)
	}
	if got := extractColonPayload("remind me at 9:30"); got != "" {
		t.Errorf("time literal should not be a payload, got %q", got)
	}
	if got := extractColonPayload("no separator"); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestExtractDateRelative(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	cases := []struct {
		in     string
		offset int
	}{
		{"为明天新建计划", 1},
		{"create a plan for tomorrow", 1},
		{"后天的安排", 2},
		{"the day after tomorrow", 2},
		{"今天做什么", 0},
	}
	for _, c := range cases {
		got, ok := extractDate(c.in, now)
		if !ok {
			t.Fatalf("extractDate(%q) found nothing", c.in)
		}
		want := now.AddDate(0, 0, c.offset)
		if got.Format("2006-01-02") != want.Format("2006-01-02") {
			t.Errorf("extractDate(%q) = %s, want %s", c.in, got.Format("2006-01-02"), want.Format("2006-01-02"))
		}
	}
}

func TestExtractDateExplicit(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	got, ok := extractDate("删除 2026-04-01 的记录", now)
	if !ok || got.Format("2006-01-02") != "2026-04-01" {
		t.Fatalf("got %v ok=%t", got, ok)
	}
	if _, ok := extractDate("nothing dated", now); ok {
		t.Fatal("expected no date")
	}
}

func TestIsPlaceholder(t *testing.T) {
	for _, s := range []string{"<record id>", "{{ref}}", "[FILENAME]", "RESULT_OF_SEARCH", "tbd", "unknown"} {
		if !isPlaceholder(s) {
			t.Errorf("%q should be a placeholder", s)
		}
	}
	for _, s := range []string{"", "plan-2026-03-10.md", "ABCD1234-1111-2222-3333-444455556666"} {
		if isPlaceholder(s) {
			t.Errorf("%q should not be a placeholder", s)
		}
	}
}

func TestExtractReferencePriority(t *testing.T) {
	id := "abcd1234-1111-2222-3333-444455556666"
	if got := extractReference("删除记录 " + id + " 明天"); got != "ABCD1234-1111-2222-3333-444455556666" {
		t.Errorf("uuid should win, got %q", got)
	}
	if got := extractReference("append to tomorrow's plan"); got != "tomorrow" {
		t.Errorf("got %q", got)
	}
	if got := extractReference(`delete "shopping list"`); got != "shopping list" {
		t.Errorf("got %q", got)
	}
}

func TestExtractCreateContent(t *testing.T) {
	if got := extractCreateContent(`new note "buy milk"`); got != "buy milk" {
		t.Errorf("got %q", got)
	}
	if got := extractCreateContent("为明天新建计划：完成周报"); got != "完成周报" {
		t.Errorf("got %q", got)
	}
	if got := extractCreateContent("create a file with content hello world"); got != "hello world" {
		t.Errorf("got %q", got)
	}
}
