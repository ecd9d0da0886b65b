package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"flowstream/internal/cache"
	"flowstream/internal/metrics"
	"flowstream/internal/models"
	"flowstream/pkg/automation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeAutomation struct {
	runs []automation.Run
	err  error
}

func (f *fakeAutomation) RecentRuns(context.Context, string, int) ([]automation.Run, error) {
	return f.runs, f.err
}

func (f *fakeAutomation) HealthCheck(context.Context) error { return f.err }

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(companyID string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.CompanyID = companyID
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type syncFixture struct {
	svc    *SyncService
	events *recordingPublisher
	auto   *fakeAutomation
}

func newSyncFixture(t *testing.T, sources SourceSet) *syncFixture {
	t.Helper()
	db := newTestDB(t)
	f := &syncFixture{events: &recordingPublisher{}, auto: &fakeAutomation{}}
	f.svc = NewSyncService(SyncDeps{
		Reconciler: newTestReconciler(t, db, StatusPolicyMonotonic, sources),
		Sources:    StaticSourceProvider(sources),
		Automation: f.auto,
		Seen:       cache.NewMemorySeenFilter(0),
		Activity:   NewActivityService(db, quietLogger()),
		Events:     f.events,
	}, quietLogger())
	return f
}

func (f *syncFixture) activity(t *testing.T) []models.ActivityLog {
	t.Helper()
	logs, err := f.svc.activity.List(context.Background(), "c1", 100)
	require.NoError(t, err)
	return logs
}

func TestSyncService_SyncTicketsAllSources(t *testing.T) {
	metrics.Reset()
	sn := &fakeSource{kind: SourceServiceNow, tickets: []NormalizedTicket{snTicket("INC1", "New", "a"), snTicket("INC2", "New", "b")}}
	jr := &fakeSource{kind: SourceJira, listErr: errors.New("jira API error [503]")}
	f := newSyncFixture(t, SourceSet{SourceServiceNow: sn, SourceJira: jr})
	ctx := context.Background()

	report, err := f.svc.SyncTickets(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, SyncOpTickets, report.Operation)
	assert.Equal(t, 2, report.Added)
	assert.Contains(t, report.Errors, "jira")
	assert.Equal(t, SyncResult{Added: 2}, report.Sources["servicenow"])

	report, err = f.svc.SyncTickets(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 2, report.Updated)

	logs := f.activity(t)
	require.Len(t, logs, 2)
	assert.Equal(t, ActivitySyncTickets, logs[0].Action)
	assert.Equal(t, []string{EventSyncCompleted, EventSyncCompleted}, f.events.types())
	assert.Equal(t, uint64(2), metrics.SyncStats().Added[SyncOpTickets])
}

func TestSyncService_SyncServiceNowCreatesWorkflows(t *testing.T) {
	sn := &fakeSource{kind: SourceServiceNow, tickets: []NormalizedTicket{
		snTicket("INC1", "New", "Printer"),
		snTicket("INC2", "Resolved", "Network"),
	}}
	f := newSyncFixture(t, SourceSet{SourceServiceNow: sn})

	report, err := f.svc.SyncServiceNow(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Added: 2}, report.Sources["tickets"])
	assert.Equal(t, SyncResult{Added: 2}, report.Sources["workflows"])
	assert.Equal(t, 2, report.Added, "totals count workflows only")

	var wf models.Workflow
	require.NoError(t, f.svc.reconciler.db.Where("servicenow_ticket_id = ?", "INC2").First(&wf).Error)
	assert.Equal(t, models.WorkflowCompleted, wf.Status)
	assert.NotNil(t, wf.CompletedAt)
}

func TestSyncService_SyncServiceNowNotConfigured(t *testing.T) {
	f := newSyncFixture(t, SourceSet{})
	_, err := f.svc.SyncServiceNow(context.Background(), "c1", "u1")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSyncService_SyncServiceNowFetchFailure(t *testing.T) {
	sn := &fakeSource{kind: SourceServiceNow, listErr: errors.New("timeout")}
	f := newSyncFixture(t, SourceSet{SourceServiceNow: sn})
	report, err := f.svc.SyncServiceNow(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", report.Errors["servicenow"])
	assert.Len(t, f.activity(t), 1, "failed sync is still recorded")
}

func TestSyncService_SyncEmailsDeduplicates(t *testing.T) {
	f := newSyncFixture(t, SourceSet{})
	f.auto.runs = []automation.Run{
		{RunID: "run-1", EmailMessageID: "<m1@mail>", Status: "processing", Subject: "Disk full"},
		{RunID: "run-2", EmailMessageID: "<m2@mail>", ServiceNowTicketID: "INC9", Status: "completed"},
		{RunID: "run-3", Status: "processing"},
	}
	ctx := context.Background()

	report, err := f.svc.SyncEmails(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 1, report.Skipped, "run without any key is skipped")

	report, err = f.svc.SyncEmails(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 3, report.Skipped, "unchanged runs are filtered before the database")

	f.auto.runs[0].Status = "completed"
	report, err = f.svc.SyncEmails(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated, "status change is processed again")

	var wf models.Workflow
	require.NoError(t, f.svc.reconciler.db.Where("email_message_id = ?", "<m1@mail>").First(&wf).Error)
	assert.Equal(t, models.WorkflowCompleted, wf.Status)
}

func TestSyncService_SyncEmailsRetriesFailedWrites(t *testing.T) {
	f := newSyncFixture(t, SourceSet{})
	f.auto.runs = []automation.Run{
		{RunID: "run-1", EmailMessageID: "<m1@mail>", Status: "processing", Subject: "Flaky"},
		{RunID: "run-2", EmailMessageID: "<m2@mail>", Status: "processing", Subject: "Fine"},
	}
	var failing atomic.Bool
	failing.Store(true)
	db := f.svc.reconciler.db
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_flaky", func(tx *gorm.DB) {
		if wf, ok := tx.Statement.Dest.(*models.Workflow); ok && failing.Load() && wf.Subject == "Flaky" {
			_ = tx.AddError(errors.New("write failed"))
		}
	}))
	ctx := context.Background()

	report, err := f.svc.SyncEmails(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Skipped)

	failing.Store(false)
	report, err = f.svc.SyncEmails(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added, "failed run is retried on the next sync")
	assert.Equal(t, 1, report.Skipped, "written run is still deduplicated")

	report, err = f.svc.SyncEmails(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 2, report.Skipped)

	var count int64
	require.NoError(t, db.Model(&models.Workflow{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestSyncService_SyncEmailsAutomationDown(t *testing.T) {
	metrics.Reset()
	f := newSyncFixture(t, SourceSet{})
	f.auto.err = errors.New("connection refused")

	report, err := f.svc.SyncEmails(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.Contains(t, report.Errors, "automation")
	total, by := metrics.AdapterFailureSnapshot()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), by["automation"])
}

func TestSyncService_SyncEmailsNotConfigured(t *testing.T) {
	svc := NewSyncService(SyncDeps{}, quietLogger())
	_, err := svc.SyncEmails(context.Background(), "c1", "u1")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}
