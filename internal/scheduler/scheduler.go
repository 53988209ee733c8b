package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/config"
	"github.com/pratikpakhale/poultry/internal/domain/models"
	"github.com/pratikpakhale/poultry/internal/service/reporting"
	"github.com/pratikpakhale/poultry/internal/service/whatsapp"
)

const jobTimeout = 2 * time.Minute

// Ledger is the part of the ledger engine the background jobs drive.
type Ledger interface {
	ReconcileAll(ctx context.Context) (models.ReconciliationReport, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) ([]models.Record, error)
}

// ReportStore persists reconciliation outcomes.
type ReportStore interface {
	SaveReconciliationReport(ctx context.Context, report models.ReconciliationReport) error
}

// Reporter renders summaries and snapshot exports.
type Reporter interface {
	GenerateWeeklyReport(ctx context.Context, end time.Time) (string, error)
	ExportSnapshots(ctx context.Context, out reporting.RowAppender, at time.Time) (int, error)
}

// Deps are the collaborators of the scheduled jobs. Sheet may be nil, which
// disables the snapshot export.
type Deps struct {
	Ledger    Ledger
	Reports   ReportStore
	Reporter  Reporter
	Messaging whatsapp.MessagingService
	Sheet     reporting.RowAppender
}

// Scheduler manages scheduled tasks.
type Scheduler struct {
	cron   *cron.Cron
	deps   Deps
	cfg    config.Config
	now    func() time.Time
	logger *zap.Logger
}

// NewScheduler creates a scheduler running in the configured timezone.
func NewScheduler(cfg config.Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Schedule.Timezone, err)
	}

	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		deps:   deps,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().In(loc) },
		logger: logger,
	}, nil
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	s.logger.Info("starting scheduler")

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"reconciliation", s.cfg.Schedule.ReconcileCron, s.RunReconciliation},
		{"pending_sweep", fmt.Sprintf("@every %s", s.cfg.Ledger.PendingTimeout), s.RunPendingSweep},
		{"weekly_report", s.cfg.Schedule.ReportCron, s.RunWeeklyReport},
	}
	if s.deps.Sheet != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			run  func(ctx context.Context) error
		}{"snapshot_export", s.cfg.Schedule.ExportCron, s.RunSnapshotExport})
	}

	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, s.wrap(job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
		s.logger.Info("job scheduled", zap.String("job", job.name), zap.String("spec", job.spec))
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		started := time.Now()
		if err := run(ctx); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.logger.Info("scheduled job finished", zap.String("job", name), zap.Duration("duration", time.Since(started)))
	}
}

// RunReconciliation recomputes every counter, stores the report and alerts on drift.
func (s *Scheduler) RunReconciliation(ctx context.Context) error {
	report, err := s.deps.Ledger.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := s.deps.Reports.SaveReconciliationReport(ctx, report); err != nil {
		return err
	}
	if report.Clean() {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ledger drift: %d counter(s) differ from their records.\n", len(report.Drifts))
	for _, d := range report.Drifts {
		fmt.Fprintf(&b, "- %s %s.%s stored %s, expected %s\n", d.Ref.Kind, d.Name, d.Field, d.Stored, d.Recomputed)
	}
	if err := s.deps.Messaging.Notify(ctx, strings.TrimSuffix(b.String(), "\n")); err != nil {
		return fmt.Errorf("send drift alert: %w", err)
	}
	return nil
}

// RunPendingSweep rolls back records whose effect never finished applying,
// releasing their retry keys, and reports them.
func (s *Scheduler) RunPendingSweep(ctx context.Context) error {
	recovered, err := s.deps.Ledger.RecoverStale(ctx, s.cfg.Ledger.PendingTimeout)
	if err != nil {
		err = fmt.Errorf("recover stale pending records: %w", err)
	}
	if len(recovered) == 0 {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d abandoned transaction(s) rolled back:\n", len(recovered))
	for _, rec := range recovered {
		meta := rec.Meta()
		s.logger.Warn("stale pending record rolled back",
			zap.String("kind", string(rec.Kind())),
			zap.String("id", meta.ID.Hex()),
			zap.Time("created_at", meta.CreatedAt))
		fmt.Fprintf(&b, "- %s %s\n", rec.Kind(), meta.ID.Hex())
	}
	if nerr := s.deps.Messaging.Notify(ctx, strings.TrimSuffix(b.String(), "\n")); nerr != nil {
		return errors.Join(err, fmt.Errorf("send pending alert: %w", nerr))
	}
	return err
}

// RunWeeklyReport sends the weekly summary.
func (s *Scheduler) RunWeeklyReport(ctx context.Context) error {
	report, err := s.deps.Reporter.GenerateWeeklyReport(ctx, s.now())
	if err != nil {
		return fmt.Errorf("generate weekly report: %w", err)
	}
	if err := s.deps.Messaging.Notify(ctx, report); err != nil {
		return fmt.Errorf("send weekly report: %w", err)
	}
	return nil
}

// RunSnapshotExport appends the current counters to the spreadsheet.
func (s *Scheduler) RunSnapshotExport(ctx context.Context) error {
	if s.deps.Sheet == nil {
		return nil
	}
	_, err := s.deps.Reporter.ExportSnapshots(ctx, s.deps.Sheet, s.now())
	return err
}
