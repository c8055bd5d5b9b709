package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kayz/keel/internal/logger"
	"github.com/kayz/keel/internal/store"
)

// RecordSource resolves context records referenced by task actions
type RecordSource interface {
	FetchRecord(id string) (*store.Record, error)
}

// ContextProvider supplies ranked core-memory snippets for a query
type ContextProvider interface {
	CoreContext(query string, limit int) []string
}

// ManifestProvider renders the enabled-skill catalog
type ManifestProvider interface {
	SkillManifest() string
}

const (
	defaultTick      = 60 * time.Second
	coreContextLimit = 5
	relayEchoLimit   = 500
)

// Scheduler polls due tasks on a fixed tick and relays rendered
// instructions to the external runtime. Each due task runs as its own
// goroutine so a slow relay call never blocks the tick.
type Scheduler struct {
	store    *Store
	relay    *RelayClient
	records  RecordSource
	contexts ContextProvider
	manifest ManifestProvider

	tick    time.Duration
	tasks   map[string]*Task
	running map[string]bool
	mu      sync.Mutex
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. records, contexts and manifest may be
// nil; the corresponding payload parts are then omitted.
func NewScheduler(st *Store, relay *RelayClient, records RecordSource, contexts ContextProvider, manifest ManifestProvider, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Scheduler{
		store:    st,
		relay:    relay,
		records:  records,
		contexts: contexts,
		manifest: manifest,
		tick:     tick,
		tasks:    make(map[string]*Task),
		running:  make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

// Load reads tasks from storage without starting the tick loop. Used by
// one-shot commands that only need RunTaskNow or task CRUD.
func (s *Scheduler) Load() error {
	tasks, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	s.mu.Lock()
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	s.mu.Unlock()
	return nil
}

// Start loads tasks from storage and starts the tick loop
func (s *Scheduler) Start() error {
	if err := s.Load(); err != nil {
		return err
	}

	s.mu.Lock()
	count := len(s.tasks)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	logger.Info("[SCHED] Scheduler started with %d tasks, tick %s", count, s.tick)
	return nil
}

// Stop stops the tick loop and waits for in-flight runs
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.wg.Wait()
	logger.Info("[SCHED] Scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.sweep(time.Now())
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep seeds next-run times and launches due tasks
func (s *Scheduler) sweep(now time.Time) {
	s.mu.Lock()
	var due []*Task
	for _, task := range s.tasks {
		if !task.Enabled {
			continue
		}
		if task.NextRunAt == nil && task.Trigger.Recurring() {
			next := s.computeNext(task, now)
			task.NextRunAt = next
			if err := s.store.SaveTask(task); err != nil {
				logger.Warn("[SCHED] Failed to save task %s: %v", task.ID, err)
			}
			continue
		}
		if task.NextRunAt != nil && !task.NextRunAt.After(now) && !s.running[task.ID] {
			s.running[task.ID] = true
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.wg.Add(1)
		go func(t *Task) {
			defer s.wg.Done()
			s.runTask(t, nil)
		}(task)
	}
}

// AddTask registers and persists a new task
func (s *Scheduler) AddTask(task *Task) (*Task, error) {
	if task.Trigger == nil {
		task.Trigger = ManualTrigger{}
	}
	if ct, ok := task.Trigger.(CronTrigger); ok {
		if _, err := ParseCron(ct.Expr); err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.CreatedAt = time.Now()

	if err := s.store.SaveTask(task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	logger.Info("[SCHED] Task created: %s (%s) - trigger: %s", task.ID, task.Name, task.Trigger.Kind())
	return task, nil
}

// RemoveTask removes a task
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	_, exists := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}
	if err := s.store.DeleteTask(id); err != nil {
		logger.Warn("[SCHED] Failed to delete task: %v", err)
	}
	return nil
}

// ListTasks returns snapshots of all tasks
func (s *Scheduler) ListTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks
}

// FindTask returns a task by id or (case-insensitive) name, nil when absent
func (s *Scheduler) FindTask(ref string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if strings.EqualFold(task.ID, ref) || strings.EqualFold(task.Name, ref) {
			return task.Clone()
		}
	}
	return nil
}

// RunTaskNow runs a task once, synchronously, outside the tick. Used for
// manual triggers and the task.run tool.
func (s *Scheduler) RunTaskNow(ctx context.Context, ref string) (string, error) {
	s.mu.Lock()
	var target *Task
	for _, task := range s.tasks {
		if strings.EqualFold(task.ID, ref) || strings.EqualFold(task.Name, ref) {
			target = task
			break
		}
	}
	if target != nil {
		if s.running[target.ID] {
			s.mu.Unlock()
			return "", fmt.Errorf("task %s is already running", target.Name)
		}
		s.running[target.ID] = true
	}
	s.mu.Unlock()

	if target == nil {
		return "", fmt.Errorf("task not found: %s", ref)
	}
	return s.runTask(target, nil)
}

// NotifyRecordEvent fires event-triggered tasks matching the record's tags
func (s *Scheduler) NotifyRecordEvent(kind TriggerKind, record *store.Record) {
	if record == nil {
		return
	}

	s.mu.Lock()
	var matched []*Task
	for _, task := range s.tasks {
		if !task.Enabled || s.running[task.ID] {
			continue
		}
		var filter string
		switch trig := task.Trigger.(type) {
		case RecordCreateTrigger:
			if kind != TriggerOnRecordCreate {
				continue
			}
			filter = trig.TagFilter
		case RecordUpdateTrigger:
			if kind != TriggerOnRecordUpdate {
				continue
			}
			filter = trig.TagFilter
		default:
			continue
		}
		if filter != "" && !record.HasTag(filter) {
			continue
		}
		s.running[task.ID] = true
		matched = append(matched, task)
	}
	s.mu.Unlock()

	for _, task := range matched {
		s.wg.Add(1)
		go func(t *Task) {
			defer s.wg.Done()
			s.runTask(t, record)
		}(task)
	}
}

// runTask executes one task run end to end and reschedules the task
func (s *Scheduler) runTask(task *Task, eventRecord *store.Record) (string, error) {
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	rl := &RunLog{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		StartedAt: time.Now(),
		Status:    RunStatusRunning,
	}
	if err := s.store.SaveRunLog(rl); err != nil {
		logger.Warn("[SCHED] Failed to write run log: %v", err)
	}

	logger.Info("[SCHED] Running task: %s (%s)", task.ID, task.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	echo, err := s.dispatch(ctx, task, eventRecord)

	finished := time.Now()
	rl.FinishedAt = &finished
	if err != nil {
		rl.Status = RunStatusFailed
		rl.Error = err.Error()
		logger.Warn("[SCHED] Task failed: %s (%s) - %v", task.ID, task.Name, err)
	} else {
		rl.Status = RunStatusSuccess
		rl.Output = truncate(echo, relayEchoLimit)
		logger.Info("[SCHED] Task completed: %s (%s)", task.ID, task.Name)
	}
	if serr := s.store.SaveRunLog(rl); serr != nil {
		logger.Warn("[SCHED] Failed to update run log: %v", serr)
	}

	s.reschedule(task, finished)
	return rl.Output, err
}

// dispatch renders the instruction and relays it
func (s *Scheduler) dispatch(ctx context.Context, task *Task, eventRecord *store.Record) (string, error) {
	instruction := s.renderInstruction(task, eventRecord, time.Now())
	if strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("task %s produced an empty instruction", task.Name)
	}

	payload := RelayPayload{
		RequestID:   uuid.New().String(),
		Mode:        "scheduled",
		Instruction: instruction,
	}
	if task.Action.IncludeCoreMemory && s.contexts != nil {
		payload.CoreContext = s.contexts.CoreContext(instruction, coreContextLimit)
	}
	if task.Action.IncludeSkillManifest && s.manifest != nil {
		payload.SkillsManifest = s.manifest.SkillManifest()
	}

	return s.relay.Send(ctx, payload)
}

// renderInstruction substitutes task and event context into the template
// and appends the referenced record's text when configured.
func (s *Scheduler) renderInstruction(task *Task, eventRecord *store.Record, now time.Time) string {
	contextRecord := eventRecord
	ref := strings.TrimSpace(task.Action.ContextRecordRef)
	if ref != "" && ref != EventRecordRef && s.records != nil {
		if r, err := s.records.FetchRecord(ref); err == nil && r != nil {
			contextRecord = r
		} else {
			logger.Warn("[SCHED] Task %s context record %s not found", task.Name, ref)
		}
	}

	pairs := []string{
		"{{task_id}}", task.ID,
		"{{task_name}}", task.Name,
		"{{date}}", now.Format("2006-01-02"),
		"{{time}}", now.Format("15:04"),
	}
	if contextRecord != nil {
		pairs = append(pairs,
			"{{record_id}}", contextRecord.ID,
			"{{record_filename}}", contextRecord.Filename,
			"{{record_preview}}", truncate(contextRecord.Body, 200),
			"{{record_text}}", contextRecord.Body,
		)
	} else {
		pairs = append(pairs,
			"{{record_id}}", "",
			"{{record_filename}}", "",
			"{{record_preview}}", "",
			"{{record_text}}", "",
		)
	}
	instruction := strings.NewReplacer(pairs...).Replace(task.Action.Template)

	// A raw context reference with no placeholder in the template still
	// attaches the record text below the instruction.
	if contextRecord != nil && !strings.Contains(task.Action.Template, "{{record_") {
		body := strings.TrimSpace(contextRecord.Body)
		if body != "" {
			instruction = instruction + "\n\n---\n" + body
		}
	}
	return strings.TrimSpace(instruction)
}

// reschedule recomputes lastRunAt/nextRunAt after a completed run.
// Heartbeat drift is relative to the actual completion time.
func (s *Scheduler) reschedule(task *Task, completed time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.LastRunAt = &completed
	task.NextRunAt = s.computeNext(task, completed)
	if err := s.store.SaveTask(task); err != nil {
		logger.Warn("[SCHED] Failed to save task %s: %v", task.ID, err)
	}
}

func (s *Scheduler) computeNext(task *Task, from time.Time) *time.Time {
	switch trig := task.Trigger.(type) {
	case HeartbeatTrigger:
		next := trig.Next(from)
		return &next
	case CronTrigger:
		next, ok := NextDate(trig.Expr, from)
		if !ok {
			logger.Warn("[SCHED] Cron expression for task %s never matches: %s", task.Name, trig.Expr)
			return nil
		}
		return &next
	default:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
