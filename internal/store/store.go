package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists records, tags and skills using SQLite
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens a SQLite-backed store at the given path
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			file_type  TEXT NOT NULL DEFAULT 'text',
			body       TEXT,
			tags       TEXT,
			pinned     INTEGER NOT NULL DEFAULT 0,
			archived   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			aliases    TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skills (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT,
			action_kind TEXT NOT NULL,
			template    TEXT,
			enabled     INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS confirmations (
			token      TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			source     TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	// Schema evolution for existing installations.
	if err := s.ensureColumnExists("records", "pinned", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := s.ensureColumnExists("records", "archived", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func (s *Store) ensureColumnExists(table, column, columnDef string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notnull  int
			defaultV sql.NullString
			primaryK int
		)
		if err := rows.Scan(&cid, &name, &colType, &notnull, &defaultV, &primaryK); err != nil {
			return fmt.Errorf("failed to scan schema row: %w", err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef))
	if err != nil {
		return fmt.Errorf("failed to add column %s to %s: %w", column, table, err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- records ----

// CreateRecord inserts a new record, assigning an id when missing
func (s *Store) CreateRecord(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = strings.ToUpper(uuid.New().String())
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.FileType == "" {
		r.FileType = "text"
	}

	_, err := s.db.Exec(`
		INSERT INTO records (id, filename, file_type, body, tags, pinned, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Filename, r.FileType, r.Body, toJSON(r.Tags),
		boolToInt(r.Pinned), boolToInt(r.Archived),
		r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339))
	return err
}

// FetchRecord returns a record by id, or nil when absent
func (s *Store) FetchRecord(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, filename, file_type, body, tags, pinned, archived, created_at, updated_at
		FROM records WHERE UPPER(id) = UPPER(?)
	`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// FetchRecords returns all records matching the filter, most recently
// updated first
func (s *Store) FetchRecords(filter RecordFilter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, filename, file_type, body, tags, pinned, archived, created_at, updated_at
		FROM records
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if matchesFilter(r, filter) {
			records = append(records, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	if records == nil {
		records = []*Record{}
	}
	return records, nil
}

// UpdateRecordText replaces the body of a text-like record
func (s *Store) UpdateRecordText(id, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE records SET body = ?, updated_at = ? WHERE UPPER(id) = UPPER(?)
	`, body, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("record not found: %s", id)
	}
	return err
}

// DeleteRecord removes a record
func (s *Store) DeleteRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM records WHERE UPPER(id) = UPPER(?)", id)
	return err
}

// LoadText returns the record body truncated to maxBytes (0 = no limit)
func (s *Store) LoadText(r *Record, maxBytes int) string {
	if r == nil {
		return ""
	}
	body := r.Body
	if maxBytes > 0 && len(body) > maxBytes {
		body = body[:maxBytes]
	}
	return body
}

func matchesFilter(r *Record, f RecordFilter) bool {
	if f.Archived != nil && r.Archived != *f.Archived {
		return false
	}
	if f.Pinned != nil && r.Pinned != *f.Pinned {
		return false
	}
	if len(f.FileTypes) > 0 {
		found := false
		for _, ft := range f.FileTypes {
			if strings.EqualFold(ft, r.FileType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.TagsAny) > 0 {
		found := false
		for _, t := range f.TagsAny {
			if r.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range f.TagsAll {
		if !r.HasTag(t) {
			return false
		}
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.Filename), needle) &&
			!strings.Contains(strings.ToLower(r.Body), needle) {
			return false
		}
	}
	return true
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r         Record
		body      sql.NullString
		tagsJSON  sql.NullString
		pinned    int
		archived  int
		createdAt string
		updatedAt string
	)
	err := sc.Scan(&r.ID, &r.Filename, &r.FileType, &body, &tagsJSON, &pinned, &archived, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Body = body.String
	r.Pinned = pinned != 0
	r.Archived = archived != 0
	if tagsJSON.Valid {
		if err := fromJSON(tagsJSON.String, &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}

// ---- tags ----

// FetchTags returns all tags
func (s *Store) FetchTags() ([]*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, name, aliases, created_at FROM tags ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		var (
			t         Tag
			aliases   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Name, &aliases, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		if aliases.Valid {
			if err := fromJSON(aliases.String, &t.Aliases); err != nil {
				return nil, fmt.Errorf("failed to unmarshal aliases: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			t.CreatedAt = ts
		}
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

// CreateTag inserts a tag
func (s *Store) CreateTag(t *Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTag(t)
}

func (s *Store) insertTag(t *Tag) error {
	if t.ID == "" {
		t.ID = strings.ToUpper(uuid.New().String())
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO tags (id, name, aliases, created_at) VALUES (?, ?, ?, ?)
	`, t.ID, t.Name, toJSON(t.Aliases), t.CreatedAt.Format(time.RFC3339))
	return err
}

// EnsureTag returns the tag with the given name (or a matching alias),
// creating it when missing. Used to guarantee the Core and AuditLog tags.
func (s *Store) EnsureTag(name string, aliases []string) (*Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, name, aliases, created_at FROM tags")
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	for rows.Next() {
		var (
			t         Tag
			aliasJSON sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Name, &aliasJSON, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		if aliasJSON.Valid {
			_ = fromJSON(aliasJSON.String, &t.Aliases)
		}
		if ts, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
			t.CreatedAt = ts
		}
		if strings.EqualFold(t.Name, name) {
			rows.Close()
			return &t, nil
		}
		for _, a := range t.Aliases {
			if strings.EqualFold(a, name) {
				rows.Close()
				return &t, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	t := &Tag{Name: name, Aliases: aliases}
	if err := s.insertTag(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ---- skills ----

// FetchSkills returns all skills
func (s *Store) FetchSkills() ([]*Skill, error) {
	return s.fetchSkills("SELECT id, name, description, action_kind, template, enabled, created_at FROM skills ORDER BY name")
}

// FetchEnabledSkills returns only enabled skills
func (s *Store) FetchEnabledSkills() ([]*Skill, error) {
	return s.fetchSkills("SELECT id, name, description, action_kind, template, enabled, created_at FROM skills WHERE enabled = 1 ORDER BY name")
}

func (s *Store) fetchSkills(query string) ([]*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query skills: %w", err)
	}
	defer rows.Close()

	var skills []*Skill
	for rows.Next() {
		var (
			sk          Skill
			description sql.NullString
			template    sql.NullString
			enabled     int
			createdAt   string
		)
		if err := rows.Scan(&sk.ID, &sk.Name, &description, &sk.ActionKind, &template, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan skill: %w", err)
		}
		sk.Description = description.String
		sk.Template = template.String
		sk.Enabled = enabled != 0
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			sk.CreatedAt = ts
		}
		skills = append(skills, &sk)
	}
	return skills, rows.Err()
}

// FetchSkill returns a skill by id or (case-insensitive) name, nil when absent
func (s *Store) FetchSkill(ref string) (*Skill, error) {
	skills, err := s.FetchSkills()
	if err != nil {
		return nil, err
	}
	for _, sk := range skills {
		if strings.EqualFold(sk.ID, ref) || strings.EqualFold(sk.Name, ref) {
			return sk, nil
		}
	}
	return nil, nil
}

// SaveSkill upserts a skill
func (s *Store) SaveSkill(sk *Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sk.ID == "" {
		sk.ID = strings.ToUpper(uuid.New().String())
	}
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO skills (id, name, description, action_kind, template, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			action_kind=excluded.action_kind, template=excluded.template,
			enabled=excluded.enabled
	`, sk.ID, sk.Name, sk.Description, sk.ActionKind, sk.Template,
		boolToInt(sk.Enabled), sk.CreatedAt.Format(time.RFC3339))
	return err
}

// DeleteSkill removes a skill
func (s *Store) DeleteSkill(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM skills WHERE UPPER(id) = UPPER(?)", id)
	return err
}

// scanner interface for both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
