package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowstream/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestWorkflowService(t *testing.T, db *gorm.DB, sources SourceSet, events Publisher) *WorkflowService {
	t.Helper()
	provider := StaticSourceProvider(sources)
	return NewWorkflowService(
		db,
		NewQueryService(db, provider, 0, quietLogger()),
		newTestReconciler(t, db, StatusPolicyMonotonic, sources),
		provider,
		NewActivityService(db, quietLogger()),
		events,
		quietLogger(),
	)
}

func createWorkflow(t *testing.T, db *gorm.DB, companyID, sn, jira, subject string) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		CompanyID: companyID,
		Subject:   subject,
		Status:    models.WorkflowProcessing,
		StartedAt: time.Now(),
	}
	if sn != "" {
		wf.ServiceNowTicketID = &sn
	}
	if jira != "" {
		wf.JiraTicketID = &jira
	}
	require.NoError(t, db.Create(wf).Error)
	return wf
}

func TestWorkflowService_GetWithLiveSnapshots(t *testing.T) {
	db := newTestDB(t)
	rec := &callRecorder{}
	sn := &fakeSource{kind: SourceServiceNow, rec: rec, tickets: []NormalizedTicket{snTicket("INC100", "Resolved", "Printer")}}
	jr := &fakeSource{kind: SourceJira, rec: rec, oneErr: errors.New("jira down")}
	svc := newTestWorkflowService(t, db, SourceSet{SourceServiceNow: sn, SourceJira: jr}, nil)
	wf := createWorkflow(t, db, "c1", "INC100", "OPS-5", "Printer")
	ctx := context.Background()

	detail, err := svc.Get(ctx, "c1", wf.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.ServiceNow)
	assert.Equal(t, "Resolved", detail.ServiceNow.Status)
	assert.Nil(t, detail.Jira, "failed source is omitted")
	assert.Equal(t, "Resolved", detail.LiveStatus)
	assert.Equal(t, models.WorkflowProcessing, detail.Status, "cached status is untouched")
	assert.ElementsMatch(t, []string{"one:servicenow:INC100", "one:jira:OPS-5"}, rec.list())

	_, err = svc.Get(ctx, "c2", wf.ID)
	assert.ErrorIs(t, err, ErrNotFound, "other tenants cannot read the workflow")
}

func TestWorkflowService_GetEmailOnlySkipsAdapters(t *testing.T) {
	db := newTestDB(t)
	rec := &callRecorder{}
	sn := &fakeSource{kind: SourceServiceNow, rec: rec}
	svc := newTestWorkflowService(t, db, SourceSet{SourceServiceNow: sn}, nil)
	wf := createWorkflow(t, db, "c1", "", "", "Email only")

	detail, err := svc.Get(context.Background(), "c1", wf.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.LiveStatus)
	assert.Empty(t, rec.list())
}

func TestWorkflowService_ListOverlaysLiveStatus(t *testing.T) {
	db := newTestDB(t)
	sn := &fakeSource{kind: SourceServiceNow, tickets: []NormalizedTicket{snTicket("INC1", "Closed", "x")}}
	svc := newTestWorkflowService(t, db, SourceSet{SourceServiceNow: sn}, nil)
	createWorkflow(t, db, "c1", "INC1", "", "x")

	page, err := svc.List(context.Background(), "c1", ListFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, StatusSourceLive, page.Items[0].StatusSource)
	assert.Equal(t, "Closed", page.Items[0].LiveStatus)
}

func TestWorkflowService_PurgeMockData(t *testing.T) {
	db := newTestDB(t)
	events := &recordingPublisher{}
	svc := newTestWorkflowService(t, db, SourceSet{}, events)
	createWorkflow(t, db, "c1", "MOCK-1", "", "Real subject")
	createWorkflow(t, db, "c1", "", "test-9", "Real subject")
	createWorkflow(t, db, "c1", "", "", "[TEST] smoke")
	createWorkflow(t, db, "c1", "", "", "Sample request")
	keep := createWorkflow(t, db, "c1", "INC42", "", "Contest results")
	other := createWorkflow(t, db, "c2", "MOCK-1", "", "Other tenant")
	require.NoError(t, db.Create(&models.Ticket{
		CompanyID:          "c1",
		Source:             models.SourceServiceNow,
		ServiceNowTicketID: strPtr("DEMO-3"),
		Subject:            "demo",
	}).Error)

	res, err := svc.PurgeMockData(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Workflows)
	assert.Equal(t, int64(1), res.Tickets)

	var ids []string
	require.NoError(t, db.Model(&models.Workflow{}).Order("company_id").Pluck("id", &ids).Error)
	assert.Equal(t, []string{keep.ID, other.ID}, ids)
	assert.Equal(t, []string{EventWorkflowsPurged}, events.types())

	logs, err := svc.activity.List(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActivityMockPurge, logs[0].Action)
}
