package schedule

import (
	"fmt"
	"strconv"
	"time"
)

// TriggerKind discriminates Trigger variants for (de)serialization
type TriggerKind string

const (
	TriggerManual         TriggerKind = "manual"
	TriggerHeartbeat      TriggerKind = "heartbeat"
	TriggerCron           TriggerKind = "cron"
	TriggerOnRecordCreate TriggerKind = "on_record_create"
	TriggerOnRecordUpdate TriggerKind = "on_record_update"
)

// Trigger is a closed sum type: exactly one implementing type per kind.
type Trigger interface {
	Kind() TriggerKind
	// Recurring reports whether the trigger produces a next-run time
	Recurring() bool
}

// ManualTrigger tasks only run when explicitly requested
type ManualTrigger struct{}

func (ManualTrigger) Kind() TriggerKind { return TriggerManual }
func (ManualTrigger) Recurring() bool   { return false }

// HeartbeatTrigger runs on a fixed interval, drift relative to the actual
// completion time of the previous run
type HeartbeatTrigger struct {
	Minutes int
}

func (HeartbeatTrigger) Kind() TriggerKind { return TriggerHeartbeat }
func (HeartbeatTrigger) Recurring() bool   { return true }

// Next returns the next run time after a completed run
func (h HeartbeatTrigger) Next(from time.Time) time.Time {
	minutes := h.Minutes
	if minutes < 1 {
		minutes = 1
	}
	return from.Add(time.Duration(minutes) * time.Minute)
}

// CronTrigger runs per a 5-field cron expression
type CronTrigger struct {
	Expr string
}

func (CronTrigger) Kind() TriggerKind { return TriggerCron }
func (CronTrigger) Recurring() bool   { return true }

// RecordCreateTrigger fires when a record carrying the tag filter is created
type RecordCreateTrigger struct {
	TagFilter string
}

func (RecordCreateTrigger) Kind() TriggerKind { return TriggerOnRecordCreate }
func (RecordCreateTrigger) Recurring() bool   { return false }

// RecordUpdateTrigger fires when a record carrying the tag filter is updated
type RecordUpdateTrigger struct {
	TagFilter string
}

func (RecordUpdateTrigger) Kind() TriggerKind { return TriggerOnRecordUpdate }
func (RecordUpdateTrigger) Recurring() bool   { return false }

// EncodeTrigger flattens a trigger to (kind, value) for storage
func EncodeTrigger(t Trigger) (kind, value string) {
	switch v := t.(type) {
	case HeartbeatTrigger:
		return string(TriggerHeartbeat), strconv.Itoa(v.Minutes)
	case CronTrigger:
		return string(TriggerCron), v.Expr
	case RecordCreateTrigger:
		return string(TriggerOnRecordCreate), v.TagFilter
	case RecordUpdateTrigger:
		return string(TriggerOnRecordUpdate), v.TagFilter
	default:
		return string(TriggerManual), ""
	}
}

// DecodeTrigger rebuilds a trigger from its stored (kind, value) pair
func DecodeTrigger(kind, value string) (Trigger, error) {
	switch TriggerKind(kind) {
	case TriggerManual, "":
		return ManualTrigger{}, nil
	case TriggerHeartbeat:
		minutes, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid heartbeat minutes %q", value)
		}
		return HeartbeatTrigger{Minutes: minutes}, nil
	case TriggerCron:
		if _, err := ParseCron(value); err != nil {
			return nil, fmt.Errorf("invalid cron trigger: %w", err)
		}
		return CronTrigger{Expr: value}, nil
	case TriggerOnRecordCreate:
		return RecordCreateTrigger{TagFilter: value}, nil
	case TriggerOnRecordUpdate:
		return RecordUpdateTrigger{TagFilter: value}, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// RelayInstruction is the single action kind a task performs: render a
// natural-language instruction and hand it to the external runtime.
type RelayInstruction struct {
	Template             string
	ContextRecordRef     string // record id, or EventRecordRef sentinel
	IncludeCoreMemory    bool
	IncludeSkillManifest bool
}

// EventRecordRef makes a task attach the record that triggered it
const EventRecordRef = "EVENT_RECORD"

// Task is a scheduled unit of relay work
type Task struct {
	ID        string
	Name      string
	Trigger   Trigger
	Action    RelayInstruction
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
}

// Clone creates a deep copy of the task
func (t *Task) Clone() *Task {
	clone := *t
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		clone.LastRunAt = &v
	}
	if t.NextRunAt != nil {
		v := *t.NextRunAt
		clone.NextRunAt = &v
	}
	return &clone
}

// RunStatus is a run log state
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// RunLog records one task run. It is written with status running before
// any side effect so a crash mid-run stays observable.
type RunLog struct {
	ID         string
	TaskID     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Output     string
	Error      string
}
