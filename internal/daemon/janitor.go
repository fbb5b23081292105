package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zero-day-ai/stratagem/internal/controlplane"
)

// Maintainer is the part of the controller the janitor drives.
type Maintainer interface {
	Reconcile(ctx context.Context) (*controlplane.ReconcileReport, error)
	CollectPlans(ctx context.Context) ([]string, error)
}

// Janitor runs reconciliation and plan garbage collection on a fixed schedule.
// A job still running when its next tick arrives is skipped.
type Janitor struct {
	cron    *cron.Cron
	target  Maintainer
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewJanitor schedules Reconcile every reconcileEvery and CollectPlans every
// collectEvery.
func NewJanitor(target Maintainer, reconcileEvery, collectEvery time.Duration, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "janitor")

	cronLogger := cronLog{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		target:  target,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}

	if err := j.add(reconcileEvery, j.RunReconcile); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule reconcile: %w", err)
	}
	if err := j.add(collectEvery, j.RunCollect); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule plan collection: %w", err)
	}
	return j, nil
}

func (j *Janitor) add(every time.Duration, job func(context.Context)) error {
	if every <= 0 {
		return fmt.Errorf("interval must be positive, got %s", every)
	}
	_, err := j.cron.AddFunc("@every "+every.String(), func() { job(j.baseCtx) })
	return err
}

// Start begins running scheduled jobs in the background.
func (j *Janitor) Start() {
	j.logger.Info("janitor started", "jobs", len(j.cron.Entries()))
	j.cron.Start()
}

// Stop cancels in-flight jobs and waits for them to return.
func (j *Janitor) Stop() {
	j.cancel()
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// RunReconcile runs one reconciliation pass and logs what it changed.
func (j *Janitor) RunReconcile(ctx context.Context) {
	report, err := j.target.Reconcile(ctx)
	if err != nil {
		j.logger.Warn("reconcile finished with errors", "error", err)
	}
	if report == nil || report.Empty() {
		return
	}
	j.logger.Info("reconciled instances",
		"paused", len(report.Paused),
		"assigned", len(report.Assigned),
		"timed_out", len(report.TimedOut),
		"redeployed", len(report.Redeployed),
		"failed", len(report.Failed),
	)
}

// RunCollect removes plans no instance references.
func (j *Janitor) RunCollect(ctx context.Context) {
	removed, err := j.target.CollectPlans(ctx)
	if err != nil {
		j.logger.Warn("plan collection failed", "error", err)
		return
	}
	if len(removed) > 0 {
		j.logger.Info("collected unreferenced plans", "count", len(removed))
	}
}

// cronLog adapts slog to cron.Logger.
type cronLog struct {
	logger *slog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
