package kernel

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Pure-text extraction heuristics shared by the rule parser and the LLM
// plan materializer. Kept free of planner control flow so fallback
// behavior stays unit-testable without a model.

var (
	uuidPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	datePattern = regexp.MustCompile(`\d{4}-\d{1,2}-\d{1,2}`)

	quotePairs = [][2]string{
		{`"`, `"`},
		{"“", "”"},
		{"『", "』"},
		{"「", "」"},
		{"'", "'"},
	}
)

// extractUUID returns the first UUID-shaped literal, normalized to uppercase
func extractUUID(s string) string {
	return strings.ToUpper(uuidPattern.FindString(s))
}

// extractQuoted returns the first quoted span, quotes stripped
func extractQuoted(s string) string {
	for _, pair := range quotePairs {
		start := strings.Index(s, pair[0])
		if start < 0 {
			continue
		}
		rest := s[start+len(pair[0]):]
		end := strings.Index(rest, pair[1])
		if end <= 0 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}

// extractColonPayload returns the text after the last colon; requests like
// "为明天新建计划：完成周报" carry their payload this way
func extractColonPayload(s string) string {
	idx := strings.LastIndexAny(s, ":：")
	if idx < 0 {
		return ""
	}
	// The full-width colon is three bytes wide; slice past the whole rune.
	_, width := utf8.DecodeRuneInString(s[idx:])
	payload := s[idx+width:]
	// Guard against matching a time literal like "9:30".
	if len(payload) > 0 && payload[0] >= '0' && payload[0] <= '9' {
		return ""
	}
	return strings.TrimSpace(payload)
}

// extractKeyValue returns the value of a "key: value" line
func extractKeyValue(s, key string) string {
	lower := strings.ToLower(s)
	key = strings.ToLower(key)
	for _, sep := range []string{":", "："} {
		marker := key + sep
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		value := s[idx+len(marker):]
		if nl := strings.IndexAny(value, "\n,，;；"); nl >= 0 {
			value = value[:nl]
		}
		return strings.TrimSpace(value)
	}
	return ""
}

// relative-date keywords, longest phrases first
var relativeDates = []struct {
	keyword string
	offset  int
}{
	{"day after tomorrow", 2},
	{"后天", 2},
	{"tomorrow", 1},
	{"明天", 1},
	{"明日", 1},
	{"today", 0},
	{"今天", 0},
	{"今日", 0},
	{"TODAY", 0},
}

// extractDate finds a date reference: relative keywords in either
// language first, then an explicit YYYY-MM-DD literal
func extractDate(s string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(s)
	for _, rd := range relativeDates {
		if strings.Contains(lower, strings.ToLower(rd.keyword)) {
			return now.AddDate(0, 0, rd.offset), true
		}
	}
	if m := datePattern.FindString(s); m != "" {
		if t, err := time.ParseInLocation("2006-1-2", m, now.Location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// hasDateReference reports whether the text anchors to a date at all
func hasDateReference(s string) bool {
	_, ok := extractDate(s, time.Now())
	return ok
}

// isPlaceholder detects markers a language model emits instead of a real
// reference; these are invalid and trigger re-extraction from the request
func isPlaceholder(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		return true
	}
	if strings.HasPrefix(s, "{{") || strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return true
	}
	upper := strings.ToUpper(s)
	switch upper {
	case "RESULT_OF_SEARCH", "SEARCH_RESULT", "UNKNOWN", "TBD", "N/A", "NULL", "NONE":
		return true
	}
	return false
}

// dateStampedFilename names the daily plan record for a date
func dateStampedFilename(t time.Time) string {
	return "plan-" + t.Format("2006-01-02") + ".md"
}

// dailyCoreFilename names the versioned daily core-memory record
func dailyCoreFilename(t time.Time) string {
	return "core-" + t.Format("2006-01-02") + ".md"
}

var createContentMarkers = []string{
	"内容为", "内容是", "写上", "记录",
	"with content", "containing", "that says",
}

// extractCreateContent pulls the payload of a create/append request:
// quoted span first, then trailing-colon payload, then text after an
// explicit content marker
func extractCreateContent(request string) string {
	if q := extractQuoted(request); q != "" {
		return q
	}
	if v := extractKeyValue(request, "content"); v != "" {
		return v
	}
	if p := extractColonPayload(request); p != "" {
		return p
	}
	lower := strings.ToLower(request)
	for _, marker := range createContentMarkers {
		idx := strings.Index(lower, strings.ToLower(marker))
		if idx < 0 {
			continue
		}
		payload := strings.TrimSpace(request[idx+len(marker):])
		if payload != "" {
			return payload
		}
	}
	return ""
}

// extractReference pulls a record/task/skill reference from free text:
// UUID, then an explicit or relative date keyword, then a quoted name
func extractReference(request string) string {
	if id := extractUUID(request); id != "" {
		return id
	}
	lower := strings.ToLower(request)
	for _, rd := range relativeDates {
		if strings.Contains(lower, strings.ToLower(rd.keyword)) {
			return rd.keyword
		}
	}
	if m := datePattern.FindString(request); m != "" {
		return m
	}
	return extractQuoted(request)
}

// containsAny reports whether the lowercased text contains any keyword
func containsAny(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
