package kernel

import (
	"fmt"
	"strings"
	"time"

	"github.com/kayz/keel/internal/logger"
	"github.com/kayz/keel/internal/store"
)

// Resolver turns free-text reference fragments into stored records
type Resolver struct {
	records RecordRepo
	now     func() time.Time
}

// NewResolver creates a resolver over the record repository
func NewResolver(records RecordRepo) *Resolver {
	return &Resolver{records: records, now: time.Now}
}

// Resolve maps a raw reference to a record. action is the tool about to
// use the reference; content feeds the append auto-create path. Date
// references resolve to the record whose filename carries the date stamp;
// a missing daily record is created on the fly only for an append with
// content, which is the single implicit-create path in the system.
func (r *Resolver) Resolve(raw, action, request, content string) (*store.Record, error) {
	raw = strings.TrimSpace(raw)

	// Placeholder markers from a language model are never used literally;
	// re-extract the real reference from the original request.
	if isPlaceholder(raw) {
		logger.Debug("[RESOLVE] Placeholder %q, re-extracting from request", raw)
		raw = extractReference(request)
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrNotFound)
	}

	// UUID-shaped literal, normalized to uppercase.
	if id := extractUUID(raw); id != "" {
		record, err := r.records.FetchRecord(id)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return record, nil
	}

	// Relative or explicit date reference.
	if date, ok := extractDate(raw, r.now()); ok {
		return r.resolveDate(date, action, content)
	}

	// Plain name: match against filenames.
	return r.resolveByName(raw)
}

func (r *Resolver) resolveDate(date time.Time, action, content string) (*store.Record, error) {
	stamp := date.Format("2006-01-02")
	records, err := r.records.FetchRecords(store.RecordFilter{Search: stamp})
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if strings.Contains(record.Filename, stamp) {
			return record, nil
		}
	}

	if action == ToolRecordAppend && strings.TrimSpace(content) != "" {
		record := &store.Record{
			Filename: dateStampedFilename(date),
			FileType: "markdown",
		}
		if err := r.records.CreateRecord(record); err != nil {
			return nil, err
		}
		logger.Info("[RESOLVE] Created daily record %s (%s)", record.Filename, record.ID)
		return record, nil
	}
	return nil, fmt.Errorf("%w: no record for %s", ErrNotFound, stamp)
}

func (r *Resolver) resolveByName(name string) (*store.Record, error) {
	records, err := r.records.FetchRecords(store.RecordFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*store.Record
	needle := strings.ToLower(name)
	for _, record := range records {
		if strings.Contains(strings.ToLower(record.Filename), needle) {
			matches = append(matches, record)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d records", ErrAmbiguousReference, name, len(matches))
	}
}
