package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kayz/keel/internal/config"
	"github.com/kayz/keel/internal/kernel"
	"github.com/kayz/keel/internal/llm"
	"github.com/kayz/keel/internal/logger"
	"github.com/kayz/keel/internal/schedule"
	"github.com/kayz/keel/internal/store"
)

// runtime holds the long-lived service instances one command invocation
// needs. Everything is constructed once and passed by reference.
type runtime struct {
	cfg    *config.Config
	store  *store.Store
	tasks  *schedule.Store
	sched  *schedule.Scheduler
	kernel *kernel.Kernel
}

// schedulerHandle breaks the construction cycle between kernel and
// scheduler: the kernel gets the handle first, the scheduler is attached
// once it exists.
type schedulerHandle struct {
	sched *schedule.Scheduler
}

func (h *schedulerHandle) RunTaskNow(ctx context.Context, ref string) (string, error) {
	if h.sched == nil {
		return "", fmt.Errorf("scheduler not available")
	}
	return h.sched.RunTaskNow(ctx, ref)
}

func (h *schedulerHandle) RecordCreated(r *store.Record) {
	if h.sched != nil {
		h.sched.NotifyRecordEvent(schedule.TriggerOnRecordCreate, r)
	}
}

func (h *schedulerHandle) RecordUpdated(r *store.Record) {
	if h.sched != nil {
		h.sched.NotifyRecordEvent(schedule.TriggerOnRecordUpdate, r)
	}
}

// relayAdapter lets the kernel delegate skill commands to the same
// runtime endpoint the scheduler uses
type relayAdapter struct {
	client *schedule.RelayClient
}

func (a *relayAdapter) RelayInstruction(ctx context.Context, instruction string) (string, error) {
	return a.client.Send(ctx, schedule.RelayPayload{
		RequestID:   strings.ToUpper(uuid.NewString()),
		Mode:        "skill",
		Instruction: instruction,
	})
}

func newRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Scheduler state lives in its own database file next to the records.
	taskStore, err := schedule.NewStore(filepath.Join(filepath.Dir(cfg.Storage.Path), "tasks.db"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	var client llm.Client
	if cfg.AI.APIKey != "" {
		client, err = llm.New(cfg.AI.Provider, llm.Config{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
			Model:   cfg.AI.Model,
		})
		if err != nil {
			logger.Warn("[CMD] Model unavailable, planning falls back to rules: %v", err)
			client = nil
		}
	} else {
		logger.Debug("[CMD] No API key configured, planning uses rules only")
	}

	relay := schedule.NewRelayClient(cfg.Relay.Endpoint, cfg.Relay.Token,
		time.Duration(cfg.Relay.TimeoutSeconds)*time.Second)
	handle := &schedulerHandle{}

	k := kernel.New(kernel.Deps{
		Records:  st,
		Tags:     st,
		Skills:   st,
		Tasks:    handle,
		Relay:    &relayAdapter{client: relay},
		Events:   handle,
		Client:   client,
		ModelID:  cfg.AI.Model,
		Confirms: st,
	})

	sched := schedule.NewScheduler(taskStore, relay, st, k, k.Executor(),
		time.Duration(cfg.Scheduler.TickSeconds)*time.Second)
	handle.sched = sched

	return &runtime{cfg: cfg, store: st, tasks: taskStore, sched: sched, kernel: k}, nil
}

func (r *runtime) close() {
	r.tasks.Close()
	r.store.Close()
}
