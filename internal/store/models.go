package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Record is a stored document: a note, a daily plan, an attachment stub.
// Text-like records keep their body inline; other file types only carry
// metadata here (blob storage lives outside this core).
type Record struct {
	ID        string
	Filename  string
	FileType  string // "text" | "markdown" | "image" | "pdf" | ...
	Body      string
	Tags      []string
	Pinned    bool
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTextLike reports whether the record's body can be edited in place
func (r *Record) IsTextLike() bool {
	switch strings.ToLower(r.FileType) {
	case "text", "markdown", "md", "txt", "json", "":
		return true
	default:
		return false
	}
}

// HasTag reports whether the record carries the given tag
func (r *Record) HasTag(name string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// RecordFilter narrows FetchAll results
type RecordFilter struct {
	Search    string
	TagsAny   []string
	TagsAll   []string
	FileTypes []string
	Archived  *bool
	Pinned    *bool
}

// Tag groups records; Ensure guarantees well-known tags exist
type Tag struct {
	ID        string
	Name      string
	Aliases   []string
	CreatedAt time.Time
}

// Skill action kinds
const (
	SkillActionPrompt       = "prompt"
	SkillActionCommand      = "command"
	SkillActionRecordCreate = "record_create"
	SkillActionRecordAppend = "record_append"
)

// Skill is a stored, enable-able action template
type Skill struct {
	ID          string
	Name        string
	Description string
	ActionKind  string
	Template    string
	Enabled     bool
	CreatedAt   time.Time
}

// toJSON converts an object to JSON string
func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// fromJSON parses JSON string into an object
func fromJSON(data string, v any) error {
	if data == "" || data == "[]" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}
