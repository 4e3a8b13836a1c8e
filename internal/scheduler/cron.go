package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Triggers holds the cron expressions for each batch kind. Empty expressions
// are not scheduled.
type Triggers struct {
	Daily  string
	Weekly string
	Custom string
}

// Cron fires batch runs on a timer.
type Cron struct {
	scheduler *Scheduler
	cron      *cron.Cron
	parser    cron.Parser
	logger    *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	last   map[Run]JobSummary
}

// JobSummary is the latest batch outcome per kind, exposed for readiness
// checks and logs.
type JobSummary struct {
	Processed int
	Failed    int
	Errors    int
}

// NewCron registers one entry per non-empty trigger.
func NewCron(s *Scheduler, triggers Triggers, logger *zap.Logger) (*Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Standard 5-field expressions: minute hour day month weekday.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	cl := cronLogger{logger.Sugar()}
	c := &Cron{
		scheduler: s,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser: parser,
		logger: logger,
		last:   make(map[Run]JobSummary),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, entry := range []struct {
		run  Run
		expr string
	}{
		{RunDaily, triggers.Daily},
		{RunWeekly, triggers.Weekly},
		{RunCustom, triggers.Custom},
	} {
		if entry.expr == "" {
			continue
		}
		if _, err := parser.Parse(entry.expr); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", entry.run, entry.expr, err)
		}
		run := entry.run
		if _, err := c.cron.AddFunc(entry.expr, func() { c.fire(run) }); err != nil {
			return nil, fmt.Errorf("schedule %s run: %w", run, err)
		}
		logger.Info("batch trigger scheduled", zap.String("run", string(run)), zap.String("schedule", entry.expr))
	}
	return c, nil
}

// Start begins firing triggers.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop cancels any running batch and waits for it to return.
func (c *Cron) Stop() {
	c.cancel()
	<-c.cron.Stop().Done()
}

// Entries reports the number of scheduled triggers.
func (c *Cron) Entries() int {
	return len(c.cron.Entries())
}

// Last returns the latest summary for run.
func (c *Cron) Last(run Run) (JobSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.last[run]
	return s, ok
}

func (c *Cron) fire(run Run) {
	res := c.scheduler.RunBatch(c.ctx, run)
	c.mu.Lock()
	c.last[run] = JobSummary{Processed: res.SourcesProcessed, Failed: res.SourcesFailed, Errors: len(res.Errors)}
	c.mu.Unlock()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
