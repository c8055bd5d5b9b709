package kernel

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kayz/keel/internal/logger"
	"github.com/kayz/keel/internal/store"
)

// ContextItem is one memory snippet selected for planning context
type ContextItem struct {
	RecordID string
	Snippet  string
	Score    float64
}

const (
	contextSnippetBytes = 400
	contextLoadBytes    = 16 * 1024
)

// CollectContext ranks core-tagged records against the request by token
// overlap and returns the best snippets, most recently updated first on
// ties.
func CollectContext(records RecordRepo, query string, limit int) []ContextItem {
	if limit <= 0 {
		limit = 3
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	matches, err := records.FetchRecords(store.RecordFilter{TagsAny: []string{TagCore}})
	if err != nil {
		logger.Warn("[MEM] Context lookup failed: %v", err)
		return nil
	}

	type scored struct {
		record *store.Record
		body   string
		score  float64
	}
	var candidates []scored
	for _, r := range matches {
		if !r.IsTextLike() {
			continue
		}
		body := records.LoadText(r, contextLoadBytes)
		score := overlapScore(queryTokens, tokenize(body))
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scored{record: r, body: body, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].record.UpdatedAt.After(candidates[j].record.UpdatedAt)
	})

	var out []ContextItem
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		out = append(out, ContextItem{
			RecordID: c.record.ID,
			Snippet:  truncate(strings.TrimSpace(c.body), contextSnippetBytes),
			Score:    c.score,
		})
	}
	return out
}

// tokenize lowercases and splits into ASCII words plus individual Han
// runes, so Chinese text matches without segmentation
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens[strings.ToLower(word.String())] = struct{}{}
			word.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			word.WriteRune(r)
		case unicode.Is(unicode.Han, r):
			flush()
			tokens[string(r)] = struct{}{}
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// overlapScore is the Jaccard similarity of two token sets
func overlapScore(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ---- merge directives ----

// MergeMode controls how a conflicting core entry is reconciled
type MergeMode string

const (
	MergeOverwrite MergeMode = "overwrite"
	MergeKeep      MergeMode = "keep"
	MergeVersioned MergeMode = "versioned"
)

const mergePrefix = "#MERGE:"

// ParseMergeDirective extracts a "#MERGE:<mode>" override from a message
func ParseMergeDirective(text string) (MergeMode, bool) {
	idx := strings.Index(text, mergePrefix)
	if idx < 0 {
		return "", false
	}
	rest := strings.ToLower(text[idx+len(mergePrefix):])
	for _, mode := range []MergeMode{MergeOverwrite, MergeKeep, MergeVersioned} {
		if strings.HasPrefix(rest, string(mode)) {
			return mode, true
		}
	}
	return "", false
}

// ---- core entries and conflict detection ----

// Similar requests with diverging replies signal a contradiction worth
// flagging instead of silently stacking both.
const (
	conflictRequestSim  = 0.34
	conflictReplySim    = 0.62
	conflictCombinedMin = 0.22
)

const entrySeparator = "\n---\n"

type coreEntry struct {
	Stamp   string
	Request string
	Reply   string
}

func (e coreEntry) render() string {
	var sb strings.Builder
	sb.WriteString("### " + e.Stamp + "\n\n")
	sb.WriteString("## Request\n\n" + strings.TrimSpace(e.Request) + "\n\n")
	sb.WriteString("## Reply\n\n" + strings.TrimSpace(e.Reply) + "\n")
	return sb.String()
}

// parseCoreEntries splits a daily core file back into entries. Sections
// it cannot parse are kept verbatim so a rewrite never loses text.
func parseCoreEntries(body string) []coreEntry {
	var entries []coreEntry
	for _, chunk := range strings.Split(body, entrySeparator) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		entry := coreEntry{}
		if rest, ok := strings.CutPrefix(chunk, "### "); ok {
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				entry.Stamp = strings.TrimSpace(rest[:nl])
				chunk = rest[nl:]
			}
		}
		reqIdx := strings.Index(chunk, "## Request")
		repIdx := strings.Index(chunk, "## Reply")
		if reqIdx >= 0 && repIdx > reqIdx {
			entry.Request = strings.TrimSpace(chunk[reqIdx+len("## Request") : repIdx])
			entry.Reply = strings.TrimSpace(chunk[repIdx+len("## Reply"):])
		} else {
			entry.Reply = chunk
		}
		entries = append(entries, entry)
	}
	return entries
}

func renderCoreEntries(entries []coreEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.render())
	}
	return strings.Join(parts, entrySeparator)
}

// detectCoreConflict finds the stored entry whose request is closest to
// the new one while its reply diverges, keeping the highest-scoring
// candidate when several qualify
func detectCoreConflict(entries []coreEntry, next coreEntry) (int, bool) {
	nextReq := tokenize(next.Request)
	nextRep := tokenize(next.Reply)
	best := -1
	bestScore := 0.0
	for i, e := range entries {
		reqSim := overlapScore(nextReq, tokenize(e.Request))
		if reqSim < conflictRequestSim {
			continue
		}
		replySim := overlapScore(nextRep, tokenize(e.Reply))
		if replySim > conflictReplySim {
			continue
		}
		combined := (reqSim + (1 - replySim)) / 2
		if combined >= conflictCombinedMin && combined > bestScore {
			best = i
			bestScore = combined
		}
	}
	return best, best >= 0
}

// ---- writer ----

// PersistOutcome reports what the memory writer did with one exchange
type PersistOutcome struct {
	CoreRecordID  string
	AuditRecordID string
	Conflicted    bool
	MergeApplied  MergeMode
}

// MemoryWriter appends each exchange to the daily core file and an
// append-only audit file
type MemoryWriter struct {
	records RecordRepo
	tags    TagRepo
	now     func() time.Time
}

func NewMemoryWriter(records RecordRepo, tags TagRepo) *MemoryWriter {
	return &MemoryWriter{records: records, tags: tags, now: time.Now}
}

// Persist writes the exchange under the given merge policy. An explicit
// keep skips the core write entirely. The audit append is always
// attempted, even on failed requests, and its own failure never blocks
// the reply.
func (w *MemoryWriter) Persist(request, reply string, actions []string, success bool, duration time.Duration, merge MergeMode) PersistOutcome {
	if merge == "" {
		merge = MergeVersioned
	}
	outcome := PersistOutcome{MergeApplied: merge}

	if merge != MergeKeep {
		coreID, conflicted, err := w.persistCore(request, reply, merge)
		if err != nil {
			logger.Warn("[MEM] Core memory write failed: %v", err)
		} else {
			outcome.CoreRecordID = coreID
			outcome.Conflicted = conflicted
		}
	}

	auditID, err := w.persistAudit(request, reply, actions, success, duration)
	if err != nil {
		logger.Warn("[MEM] Audit write failed: %v", err)
	} else {
		outcome.AuditRecordID = auditID
	}
	return outcome
}

func (w *MemoryWriter) persistCore(request, reply string, merge MergeMode) (string, bool, error) {
	now := w.now()
	next := coreEntry{
		Stamp:   now.Format("15:04:05"),
		Request: request,
		Reply:   reply,
	}
	todayName := dailyCoreFilename(now)

	coreRecords, err := w.records.FetchRecords(store.RecordFilter{TagsAny: []string{TagCore}})
	if err != nil {
		return "", false, err
	}

	// Flatten entries from every text-like core record so a contradiction
	// with a prior day's exchange is caught, not just today's.
	type entryRef struct {
		record *store.Record
		index  int
	}
	var today *store.Record
	var flat []coreEntry
	var refs []entryRef
	parsed := make(map[string][]coreEntry)
	for _, r := range coreRecords {
		if !r.IsTextLike() {
			continue
		}
		entries := parseCoreEntries(w.records.LoadText(r, contextLoadBytes))
		parsed[r.ID] = entries
		if r.Filename == todayName {
			today = r
		}
		for i := range entries {
			flat = append(flat, entries[i])
			refs = append(refs, entryRef{record: r, index: i})
		}
	}

	idx, conflicted := detectCoreConflict(flat, next)
	if conflicted && merge == MergeOverwrite {
		// The corrected exchange replaces the stale entry in place, even
		// when it lives in a prior day's file.
		ref := refs[idx]
		entries := parsed[ref.record.ID]
		entries[ref.index] = next
		if err := w.records.UpdateRecordText(ref.record.ID, renderCoreEntries(entries)); err != nil {
			return "", true, err
		}
		return ref.record.ID, true, nil
	}
	if conflicted {
		label := flat[idx].Stamp
		if ref := refs[idx]; ref.record.Filename != todayName {
			day := strings.TrimSuffix(strings.TrimPrefix(ref.record.Filename, "core-"), ".md")
			label = strings.TrimSpace(day + " " + label)
		}
		next.Stamp += " (revision of " + label + ")"
	}

	if today == nil {
		record := &store.Record{
			Filename: todayName,
			FileType: "markdown",
			Body:     next.render(),
			Tags:     []string{TagCore},
		}
		if err := w.ensureTagged(record, TagCore); err != nil {
			return "", conflicted, err
		}
		if err := w.records.CreateRecord(record); err != nil {
			return "", conflicted, err
		}
		return record.ID, conflicted, nil
	}

	entries := append(parsed[today.ID], next)
	if err := w.records.UpdateRecordText(today.ID, renderCoreEntries(entries)); err != nil {
		return "", conflicted, err
	}
	return today.ID, conflicted, nil
}

func (w *MemoryWriter) persistAudit(request, reply string, actions []string, success bool, duration time.Duration) (string, error) {
	now := w.now()
	var sb strings.Builder
	sb.WriteString("- " + now.Format(time.RFC3339))
	sb.WriteString(fmt.Sprintf(" ok=%t took=%s", success, duration.Round(time.Millisecond)))
	sb.WriteString(" request=" + truncate(oneline(request), 160))
	for _, action := range actions {
		sb.WriteString(" " + action)
	}
	sb.WriteString(" reply=" + truncate(oneline(reply), 160) + "\n")
	line := sb.String()

	filename := fmt.Sprintf("audit-%s.md", now.Format("2006-01-02"))
	record, err := w.fetchDaily(filename, TagAuditLog)
	if err != nil {
		return "", err
	}
	if record == nil {
		record = &store.Record{
			Filename: filename,
			FileType: "markdown",
			Body:     line,
			Tags:     []string{TagAuditLog},
		}
		if err := w.ensureTagged(record, TagAuditLog); err != nil {
			return "", err
		}
		if err := w.records.CreateRecord(record); err != nil {
			return "", err
		}
		return record.ID, nil
	}
	body := w.records.LoadText(record, contextLoadBytes)
	if err := w.records.UpdateRecordText(record.ID, body+line); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (w *MemoryWriter) fetchDaily(filename, tag string) (*store.Record, error) {
	matches, err := w.records.FetchRecords(store.RecordFilter{Search: filename, TagsAny: []string{tag}})
	if err != nil {
		return nil, err
	}
	for _, r := range matches {
		if r.Filename == filename {
			return r, nil
		}
	}
	return nil, nil
}

func (w *MemoryWriter) ensureTagged(r *store.Record, tag string) error {
	if w.tags == nil {
		return nil
	}
	_, err := w.tags.EnsureTag(tag, nil)
	return err
}

func oneline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
