package kernel

import (
	"context"
	"errors"

	"github.com/kayz/keel/internal/store"
)

// Collaborator contracts. The SQLite store satisfies the repositories;
// the scheduler satisfies TaskRunner and RecordEventSink via cmd wiring.

// RecordRepo is the record repository contract
type RecordRepo interface {
	FetchRecords(filter store.RecordFilter) ([]*store.Record, error)
	FetchRecord(id string) (*store.Record, error)
	CreateRecord(r *store.Record) error
	UpdateRecordText(id, body string) error
	DeleteRecord(id string) error
	LoadText(r *store.Record, maxBytes int) string
}

// TagRepo guarantees well-known tags exist
type TagRepo interface {
	EnsureTag(name string, aliases []string) (*store.Tag, error)
}

// SkillRepo is the skill repository contract
type SkillRepo interface {
	FetchSkill(ref string) (*store.Skill, error)
	FetchEnabledSkills() ([]*store.Skill, error)
}

// TaskRunner triggers a scheduled task outside its schedule
type TaskRunner interface {
	RunTaskNow(ctx context.Context, ref string) (string, error)
}

// RecordEventSink receives record-change events for event-triggered tasks
type RecordEventSink interface {
	RecordCreated(r *store.Record)
	RecordUpdated(r *store.Record)
}

// RuntimeRelay hands a rendered instruction to the external execution
// runtime; shell-style skill commands are delegated here, never executed
// in-process.
type RuntimeRelay interface {
	RelayInstruction(ctx context.Context, instruction string) (string, error)
}

var (
	// ErrNotFound means a reference resolved to no stored entity
	ErrNotFound = errors.New("reference not found")
	// ErrAmbiguousReference means a reference matched more than one entity
	ErrAmbiguousReference = errors.New("ambiguous reference")
	// ErrContentTypeMismatch means append/replace targeted a non-text record
	ErrContentTypeMismatch = errors.New("record is not text-like")
	// ErrConfirmationInvalid means an expired, mismatched or unknown token
	ErrConfirmationInvalid = errors.New("confirmation invalid")
)

// Well-known tag names
const (
	TagCore     = "Core"
	TagAuditLog = "AuditLog"
)
