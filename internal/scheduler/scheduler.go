package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okonma/weft/pkg/schema"
)

// FlowRunner is the interface the scheduler uses to trigger flow executions.
// Satisfied by the coordinator wiring in the host (avoids import cycle).
type FlowRunner interface {
	RunFlow(ctx context.Context, flow *schema.FlowDefinition, params map[string]any) error
}

// entry is one registered flow with its cron schedule.
type entry struct {
	Name      string
	Flow      *schema.FlowDefinition
	CronExpr  string
	Params    map[string]any
	NextRunAt time.Time
	LastRunAt *time.Time
	LastRun   string // "success" or "error"
}

// Scheduler drives flows whose schedule-trigger nodes carry a cron
// expression. Entries are registered in memory; a ticker loop fires the due
// ones.
type Scheduler struct {
	runner FlowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	entriesMu sync.Mutex
	entries   map[string]*entry

	inflightMu sync.Mutex
	inflight   map[string]struct{} // entry names currently executing (dedup)
	runs       sync.WaitGroup      // in-flight entry goroutines

	tickInterval time.Duration
}

// NewScheduler creates a Scheduler dispatching through the given runner.
func NewScheduler(runner FlowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:       runner,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:       logger,
		entries:      make(map[string]*entry),
		inflight:     make(map[string]struct{}),
		tickInterval: 60 * time.Second,
	}
}

// Register adds a flow to the schedule. The cron expression is read from the
// flow's first schedule-trigger node (config key "cron"); flows without one
// are rejected.
func (s *Scheduler) Register(name string, flow *schema.FlowDefinition, params map[string]any) error {
	cronExpr := scheduleExpression(flow)
	if cronExpr == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"flow %q has no schedule-trigger node with a cron expression", name)
	}

	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	if _, exists := s.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "flow %q already registered", name)
	}
	s.entries[name] = &entry{
		Name:      name,
		Flow:      flow,
		CronExpr:  cronExpr,
		Params:    params,
		NextRunAt: next,
	}
	s.logger.Info("flow scheduled",
		slog.String("flow", name),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next))
	return nil
}

// Unregister removes a flow from the schedule.
func (s *Scheduler) Unregister(name string) {
	s.entriesMu.Lock()
	delete(s.entries, name)
	s.entriesMu.Unlock()
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
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

// tick launches every due entry on its own goroutine, so one slow flow never
// holds up the rest of the schedule. The inflight set dedups: an entry still
// running from an earlier tick is left alone until it releases.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, e := range s.dueEntries(now) {
		if !s.tryAcquire(e.Name) {
			continue // already running (dedup)
		}
		s.runs.Add(1)
		go func(e *entry) {
			defer s.runs.Done()
			defer s.release(e.Name)
			if err := s.runEntry(ctx, e, now); err != nil {
				s.logger.Error("scheduled flow failed",
					slog.String("flow", e.Name),
					slog.String("error", err.Error()))
			}
		}(e)
	}
}

func (s *Scheduler) dueEntries(now time.Time) []*entry {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	var due []*entry
	for _, e := range s.entries {
		if !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	return due
}

// runEntry executes one scheduled flow and advances its schedule.
func (s *Scheduler) runEntry(ctx context.Context, e *entry, now time.Time) error {
	s.logger.Info("running scheduled flow",
		slog.String("flow", e.Name),
		slog.String("cron", e.CronExpr))

	err := s.runner.RunFlow(ctx, e.Flow, e.Params)
	status := "success"
	if err != nil {
		status = "error"
	}

	next, calcErr := s.CalculateNextRun(e.CronExpr, now)
	if calcErr != nil {
		return calcErr
	}

	s.entriesMu.Lock()
	e.LastRunAt = &now
	e.LastRun = status
	e.NextRunAt = next
	s.entriesMu.Unlock()

	return err
}

// tryAcquire marks the entry in-flight unless it already is.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	delete(s.inflight, name)
	s.inflightMu.Unlock()
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %v", cronExpr, err)
	}
	return schedule.Next(from), nil
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
	s.runs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// scheduleExpression finds the cron expression on the flow's first
// schedule-trigger node.
func scheduleExpression(flow *schema.FlowDefinition) string {
	if flow == nil {
		return ""
	}
	for _, node := range flow.Nodes {
		if node.Type != "schedule-trigger" {
			continue
		}
		if expr, ok := node.Config["cron"].(string); ok && expr != "" {
			return expr
		}
	}
	return ""
}
