package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/conduit/internal/checkpoint"
	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// Runner is the slice of the engine the scheduler drives: starting
// instances for due cron runs and delivering escalation decisions so their
// instance-level consequences apply. Satisfied by *engine.Engine.
type Runner interface {
	Start(ctx context.Context, definitionID, version string, input map[string]any) (string, error)
	ResolveCheckpoint(ctx context.Context, instanceID, checkpointID string, decision schema.CheckpointDecision, payload json.RawMessage, resolvedBy string) (*engine.InstanceView, error)
}

// Scheduler runs two background loops on one ticker: starting instances
// whose cron schedule is due, and escalating pending checkpoints whose
// deadline has passed.
type Scheduler struct {
	st          store.Store
	runner      Runner
	checkpoints *checkpoint.Manager
	parser      cron.Parser
	logger      *slog.Logger
	interval    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
	escalated  map[string]struct{} // checkpoint IDs already escalated
}

// NewScheduler creates a Scheduler. interval defaults to one minute.
func NewScheduler(st store.Store, runner Runner, checkpoints *checkpoint.Manager, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		st:          st,
		runner:      runner,
		checkpoints: checkpoints,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:      logger,
		interval:    interval,
		inflight:    make(map[string]struct{}),
		escalated:   make(map[string]struct{}),
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	s.runDue(ctx, now)
	s.SweepDeadlines(ctx, now)
}

// runDue starts an instance for every enabled scheduled run that is due.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	runs, err := s.st.ListScheduledRuns(ctx, true)
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled runs failed", "error", err)
		return
	}

	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(run.ID) {
			continue // previous tick still executing
		}
		if err := s.execute(ctx, run, now); err != nil {
			s.logger.ErrorContext(ctx, "scheduled run failed",
				"run_id", run.ID, "definition_id", run.DefinitionID, "error", err)
		}
		s.release(run.ID)
	}
}

func (s *Scheduler) execute(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.InfoContext(ctx, "starting scheduled run",
		"run_id", run.ID, "definition_id", run.DefinitionID)

	var input map[string]any
	if len(run.Input) > 0 {
		if err := json.Unmarshal(run.Input, &input); err != nil {
			return s.updateRunStatus(ctx, run, now, "error")
		}
	}

	_, err := s.runner.Start(ctx, run.DefinitionID, run.DefinitionVersion, input)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled instance start failed",
			"run_id", run.ID, "error", err)
	}
	return s.updateRunStatus(ctx, run, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.NextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}
	return s.st.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: &status,
	})
}

// SweepDeadlines escalates every pending checkpoint whose deadline has
// passed, once. auto_approve and auto_reject decisions are delivered through
// the engine so the suspended instance resumes or fails; page leaves the
// checkpoint pending for a human.
func (s *Scheduler) SweepDeadlines(ctx context.Context, now time.Time) {
	overdue, err := s.checkpoints.ListOverdue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "list overdue checkpoints failed", "error", err)
		return
	}

	for _, cp := range overdue {
		if s.alreadyEscalated(cp.ID) {
			continue
		}
		decision := s.checkpoints.Escalate(ctx, cp)
		if decision == schema.DecisionPending {
			continue
		}
		resolvedBy := "escalation:" + string(cp.Escalation)
		if _, err := s.runner.ResolveCheckpoint(ctx, cp.InstanceID, cp.ID, decision, nil, resolvedBy); err != nil {
			s.logger.ErrorContext(ctx, "deliver escalation decision failed",
				"checkpoint_id", cp.ID, "decision", decision, "error", err)
		}
	}
}

func (s *Scheduler) alreadyEscalated(checkpointID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.escalated[checkpointID]; ok {
		return true
	}
	s.escalated[checkpointID] = struct{}{}
	return false
}

func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}
