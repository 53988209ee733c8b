package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/config"
	"github.com/pratikpakhale/poultry/internal/domain/models"
	"github.com/pratikpakhale/poultry/internal/service/reporting"
)

type ledgerStub struct {
	report models.ReconciliationReport
	stale  []models.Record
	err    error
	window time.Duration
}

func (l *ledgerStub) ReconcileAll(context.Context) (models.ReconciliationReport, error) {
	return l.report, l.err
}

func (l *ledgerStub) RecoverStale(_ context.Context, olderThan time.Duration) ([]models.Record, error) {
	l.window = olderThan
	return l.stale, l.err
}

type reportsStub struct{ saved []models.ReconciliationReport }

func (r *reportsStub) SaveReconciliationReport(_ context.Context, report models.ReconciliationReport) error {
	r.saved = append(r.saved, report)
	return nil
}

type reporterStub struct {
	exported int
	at       time.Time
}

func (r *reporterStub) GenerateWeeklyReport(_ context.Context, end time.Time) (string, error) {
	r.at = end
	return "Weekly summary", nil
}

func (r *reporterStub) ExportSnapshots(_ context.Context, _ reporting.RowAppender, _ time.Time) (int, error) {
	r.exported++
	return 3, nil
}

type notifierStub struct {
	messages []string
}

func (n *notifierStub) SendOutbound(_ context.Context, req models.OutboundMessageRequest) error {
	n.messages = append(n.messages, req.Message)
	return nil
}

func (n *notifierStub) Notify(_ context.Context, message string) error {
	n.messages = append(n.messages, message)
	return nil
}

type sheetStub struct{}

func (sheetStub) AppendRows(context.Context, string, [][]interface{}) error { return nil }

func testConfig() config.Config {
	return config.Config{
		Ledger: config.LedgerConfig{PendingTimeout: 5 * time.Minute},
		Schedule: config.ScheduleConfig{
			ReconcileCron: "0 2 * * *",
			ReportCron:    "0 20 * * 5",
			ExportCron:    "0 21 * * *",
			Timezone:      "Asia/Kolkata",
		},
	}
}

func newTestScheduler(t *testing.T, l *ledgerStub) (*Scheduler, *reportsStub, *reporterStub, *notifierStub) {
	t.Helper()
	reports, reporter, notifier := &reportsStub{}, &reporterStub{}, &notifierStub{}
	s, err := NewScheduler(testConfig(), Deps{
		Ledger:    l,
		Reports:   reports,
		Reporter:  reporter,
		Messaging: notifier,
		Sheet:     sheetStub{},
	}, nil)
	require.NoError(t, err)
	return s, reports, reporter, notifier
}

func TestReconciliationCleanIsSilent(t *testing.T) {
	s, reports, _, notifier := newTestScheduler(t, &ledgerStub{report: models.ReconciliationReport{Aggregates: 3}})

	require.NoError(t, s.RunReconciliation(context.Background()))
	assert.Len(t, reports.saved, 1)
	assert.Empty(t, notifier.messages)
}

func TestReconciliationAlertsOnDrift(t *testing.T) {
	drift := models.FieldDrift{
		Ref:        models.AggregateRef{Kind: models.EntityFlock, ID: primitive.NewObjectID()},
		Name:       "Shed 1",
		Field:      models.FieldQuantity,
		Stored:     decimal.NewFromInt(107),
		Recomputed: decimal.NewFromInt(100),
		Drift:      decimal.NewFromInt(7),
	}
	s, reports, _, notifier := newTestScheduler(t, &ledgerStub{report: models.ReconciliationReport{Drifts: []models.FieldDrift{drift}}})

	require.NoError(t, s.RunReconciliation(context.Background()))
	require.Len(t, reports.saved, 1)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "1 counter(s)")
	assert.Contains(t, notifier.messages[0], "flocks Shed 1.quantity stored 107, expected 100")
}

func TestReconciliationError(t *testing.T) {
	s, reports, _, _ := newTestScheduler(t, &ledgerStub{err: errors.New("db down")})

	require.Error(t, s.RunReconciliation(context.Background()))
	assert.Empty(t, reports.saved)
}

func TestPendingSweep(t *testing.T) {
	rec := &models.FeedProduction{RecordMeta: models.RecordMeta{ID: primitive.NewObjectID(), Status: models.StatusPending}}
	l := &ledgerStub{stale: []models.Record{rec}}
	s, _, _, notifier := newTestScheduler(t, l)

	require.NoError(t, s.RunPendingSweep(context.Background()))
	assert.Equal(t, 5*time.Minute, l.window)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "1 abandoned transaction(s) rolled back")
	assert.Contains(t, notifier.messages[0], "feed_productions "+rec.ID.Hex())
}

func TestPendingSweepPartialFailure(t *testing.T) {
	rec := &models.BirdSale{RecordMeta: models.RecordMeta{ID: primitive.NewObjectID(), Status: models.StatusFailed}}
	s, _, _, notifier := newTestScheduler(t, &ledgerStub{stale: []models.Record{rec}, err: errors.New("revert failed")})

	err := s.RunPendingSweep(context.Background())

	require.Error(t, err)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "bird_sales "+rec.ID.Hex())
}

func TestWeeklyReportAndExport(t *testing.T) {
	s, _, reporter, notifier := newTestScheduler(t, &ledgerStub{})

	require.NoError(t, s.RunWeeklyReport(context.Background()))
	assert.Equal(t, []string{"Weekly summary"}, notifier.messages)
	assert.Equal(t, "Asia/Kolkata", reporter.at.Location().String())

	require.NoError(t, s.RunSnapshotExport(context.Background()))
	assert.Equal(t, 1, reporter.exported)
}

func TestStartRejectsBadSpec(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.ReportCron = "every friday"
	s, err := NewScheduler(cfg, Deps{}, nil)
	require.NoError(t, err)

	assert.Error(t, s.Start())
}

func TestStartAndStop(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, &ledgerStub{})
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 4)
	s.Stop()
}

func TestUnknownTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.Timezone = "Mars/Olympus"
	_, err := NewScheduler(cfg, Deps{}, nil)
	assert.Error(t, err)
}
