package schedule

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store handles persistence of scheduled tasks and run logs using SQLite
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new SQLite-backed task store at the given path
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			trigger_kind        TEXT NOT NULL,
			trigger_value       TEXT,
			template            TEXT,
			context_record_ref  TEXT,
			include_core_memory INTEGER NOT NULL DEFAULT 0,
			include_skills      INTEGER NOT NULL DEFAULT 0,
			enabled             INTEGER NOT NULL DEFAULT 1,
			created_at          TEXT NOT NULL,
			last_run_at         TEXT,
			next_run_at         TEXT
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_logs (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			status      TEXT NOT NULL,
			output      TEXT,
			error       TEXT
		)
	`)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads all tasks from the database
func (s *Store) Load() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, trigger_kind, trigger_value, template, context_record_ref,
		       include_core_memory, include_skills, enabled, created_at, last_run_at, next_run_at
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

// SaveTask upserts a single task
func (s *Store) SaveTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	kind, value := EncodeTrigger(task.Trigger)

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, name, trigger_kind, trigger_value, template, context_record_ref,
		                   include_core_memory, include_skills, enabled, created_at, last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, trigger_kind=excluded.trigger_kind, trigger_value=excluded.trigger_value,
			template=excluded.template, context_record_ref=excluded.context_record_ref,
			include_core_memory=excluded.include_core_memory, include_skills=excluded.include_skills,
			enabled=excluded.enabled, created_at=excluded.created_at,
			last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at
	`,
		task.ID, task.Name, kind, value, task.Action.Template, task.Action.ContextRecordRef,
		boolToInt(task.Action.IncludeCoreMemory), boolToInt(task.Action.IncludeSkillManifest),
		boolToInt(task.Enabled), task.CreatedAt.Format(time.RFC3339),
		timePtrString(task.LastRunAt), timePtrString(task.NextRunAt),
	)
	return err
}

// DeleteTask removes a task
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	return err
}

// SaveRunLog upserts a run log row
func (s *Store) SaveRunLog(rl *RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rl.ID == "" {
		rl.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO run_logs (id, task_id, started_at, finished_at, status, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at=excluded.finished_at, status=excluded.status,
			output=excluded.output, error=excluded.error
	`,
		rl.ID, rl.TaskID, rl.StartedAt.Format(time.RFC3339),
		timePtrString(rl.FinishedAt), string(rl.Status), rl.Output, rl.Error,
	)
	return err
}

// RunLogsForTask returns run logs for a task, newest first
func (s *Store) RunLogsForTask(taskID string, limit int) ([]*RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, task_id, started_at, finished_at, status, output, error
		FROM run_logs WHERE task_id = ? ORDER BY started_at DESC
	`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer rows.Close()

	var logs []*RunLog
	for rows.Next() {
		var (
			rl         RunLog
			startedAt  string
			finishedAt sql.NullString
			output     sql.NullString
			runErr     sql.NullString
			status     string
		)
		if err := rows.Scan(&rl.ID, &rl.TaskID, &startedAt, &finishedAt, &status, &output, &runErr); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		rl.Status = RunStatus(status)
		rl.Output = output.String
		rl.Error = runErr.String
		if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
			rl.StartedAt = t
		}
		if finishedAt.Valid {
			if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
				rl.FinishedAt = &t
			}
		}
		logs = append(logs, &rl)
	}
	return logs, rows.Err()
}

func scanTask(sc interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		task         Task
		kind         string
		value        sql.NullString
		template     sql.NullString
		contextRef   sql.NullString
		includeCore  int
		includeSkill int
		enabled      int
		createdAt    string
		lastRunAt    sql.NullString
		nextRunAt    sql.NullString
	)
	err := sc.Scan(&task.ID, &task.Name, &kind, &value, &template, &contextRef,
		&includeCore, &includeSkill, &enabled, &createdAt, &lastRunAt, &nextRunAt)
	if err != nil {
		return nil, err
	}

	trigger, err := DecodeTrigger(kind, value.String)
	if err != nil {
		return nil, err
	}
	task.Trigger = trigger
	task.Action = RelayInstruction{
		Template:             template.String,
		ContextRecordRef:     contextRef.String,
		IncludeCoreMemory:    includeCore != 0,
		IncludeSkillManifest: includeSkill != 0,
	}
	task.Enabled = enabled != 0

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		task.CreatedAt = t
	}
	if lastRunAt.Valid {
		if t, err := time.Parse(time.RFC3339, lastRunAt.String); err == nil {
			task.LastRunAt = &t
		}
	}
	if nextRunAt.Valid {
		if t, err := time.Parse(time.RFC3339, nextRunAt.String); err == nil {
			task.NextRunAt = &t
		}
	}
	return &task, nil
}

func timePtrString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
