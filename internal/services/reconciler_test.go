package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"flowstream/internal/models"
	"flowstream/pkg/automation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestReconciler(t *testing.T, db *gorm.DB, policy StatusPolicy, sources SourceSet) *Reconciler {
	t.Helper()
	r := NewReconciler(db, StaticSourceProvider(sources), ReconcilerOptions{Policy: policy}, quietLogger())
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	return r
}

func TestReconciler_SyncTicketsIdempotent(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	batch := []NormalizedTicket{
		snTicket("INC001", "1", "Printer on fire"),
		snTicket("INC002", "2", "VPN down"),
		snTicket("INC003", "6", "Laptop request"),
		snTicket("INC001", "2", "Printer on fire"),
		snTicket("", "1", "no id"),
	}

	first, err := r.SyncTickets(ctx, "c1", SourceServiceNow, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Added)
	assert.Equal(t, 0, first.Updated)
	assert.Equal(t, 1, first.Skipped)

	second, err := r.SyncTickets(ctx, "c1", SourceServiceNow, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 3, second.Updated)

	var count int64
	require.NoError(t, db.Model(&models.Ticket{}).Where("company_id = ?", "c1").Count(&count).Error)
	assert.Equal(t, int64(3), count)

	var inc1 models.Ticket
	require.NoError(t, db.Where("servicenow_ticket_id = ?", "INC001").First(&inc1).Error)
	assert.Equal(t, "2", inc1.Status, "last occurrence in a batch wins")
	assert.Equal(t, string(SourceServiceNow), inc1.Source)
}

func TestReconciler_SyncTicketsOverwritesMutableFields(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tk := jiraTicket("OPS-1", "To Do", "Disk full")
	tk.CreatedAt = created
	tk.Assignee = "alice"
	_, err := r.SyncTickets(ctx, "c1", SourceJira, []NormalizedTicket{tk})
	require.NoError(t, err)

	var before models.Ticket
	require.NoError(t, db.Where("jira_ticket_id = ?", "OPS-1").First(&before).Error)

	tk.Status = "Done"
	tk.Assignee = "bob"
	tk.Subject = "Disk full on db-01"
	tk.CreatedAt = created.Add(time.Hour)
	_, err = r.SyncTickets(ctx, "c1", SourceJira, []NormalizedTicket{tk})
	require.NoError(t, err)

	var after models.Ticket
	require.NoError(t, db.Where("jira_ticket_id = ?", "OPS-1").First(&after).Error)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "Done", after.Status)
	assert.Equal(t, "bob", after.Assignee)
	assert.Equal(t, "Disk full on db-01", after.Subject)
	assert.True(t, after.CreatedAt.Equal(before.CreatedAt), "created_at is insert-only")
}

func TestReconciler_SyncTicketsTenantIsolation(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	batch := []NormalizedTicket{snTicket("INC001", "1", "shared number")}
	res1, err := r.SyncTickets(ctx, "c1", SourceServiceNow, batch)
	require.NoError(t, err)
	res2, err := r.SyncTickets(ctx, "c2", SourceServiceNow, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res1.Added)
	assert.Equal(t, 1, res2.Added)

	var count int64
	require.NoError(t, db.Model(&models.Ticket{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestReconciler_SyncWorkflowsCollapsesAndGuardsStatus(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	res, err := r.SyncWorkflows(ctx, "c1", SourceServiceNow, []NormalizedTicket{snTicket("INC100", "Resolved", "Mail bounce")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	var wf models.Workflow
	require.NoError(t, db.Where("servicenow_ticket_id = ?", "INC100").First(&wf).Error)
	assert.Equal(t, models.WorkflowCompleted, wf.Status)
	require.NotNil(t, wf.CompletedAt)

	res, err = r.SyncWorkflows(ctx, "c1", SourceServiceNow, []NormalizedTicket{snTicket("INC100", "In Progress", "renamed")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	var again models.Workflow
	require.NoError(t, db.Where("servicenow_ticket_id = ?", "INC100").First(&again).Error)
	assert.Equal(t, models.WorkflowCompleted, again.Status, "monotonic policy keeps terminal status")
	assert.NotNil(t, again.CompletedAt)
	assert.Equal(t, "Mail bounce", again.Subject, "subject is insert-only for workflows")
	assert.Equal(t, wf.ID, again.ID)
}

func TestReconciler_LatestPolicyAllowsDowngrade(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyLatest, nil)
	ctx := context.Background()

	_, err := r.SyncWorkflows(ctx, "c1", SourceJira, []NormalizedTicket{jiraTicket("OPS-9", "Done", "x")})
	require.NoError(t, err)
	_, err = r.SyncWorkflows(ctx, "c1", SourceJira, []NormalizedTicket{jiraTicket("OPS-9", "Reopened", "x")})
	require.NoError(t, err)

	var wf models.Workflow
	require.NoError(t, db.Where("jira_ticket_id = ?", "OPS-9").First(&wf).Error)
	assert.Equal(t, models.WorkflowProcessing, wf.Status)
	assert.Nil(t, wf.CompletedAt)
}

// 数据库中的 CASE 表达式必须与 NextStatus 给出相同结果
func TestReconciler_UpsertStatusMatchesNextStatus(t *testing.T) {
	raw := map[string]string{
		models.WorkflowProcessing: "2",
		models.WorkflowCompleted:  "closed",
		models.WorkflowFailed:     "cancelled",
	}
	states := []string{models.WorkflowProcessing, models.WorkflowCompleted, models.WorkflowFailed}

	for _, policy := range []StatusPolicy{StatusPolicyMonotonic, StatusPolicyLatest} {
		policy := policy
		t.Run(string(policy), func(t *testing.T) {
			db := newTestDB(t)
			r := newTestReconciler(t, db, policy, nil)
			ctx := context.Background()
			n := 0
			for _, current := range states {
				for _, observed := range states {
					n++
					id := fmt.Sprintf("INC%03d", n)
					_, err := r.SyncWorkflows(ctx, "c1", SourceServiceNow, []NormalizedTicket{snTicket(id, raw[current], "s")})
					require.NoError(t, err)
					_, err = r.SyncWorkflows(ctx, "c1", SourceServiceNow, []NormalizedTicket{snTicket(id, raw[observed], "s")})
					require.NoError(t, err)

					var wf models.Workflow
					require.NoError(t, db.Where("servicenow_ticket_id = ?", id).First(&wf).Error)
					assert.Equal(t, NextStatus(policy, current, observed), wf.Status,
						"current=%s observed=%s", current, observed)
					assert.Equal(t, IsTerminal(wf.Status), wf.CompletedAt != nil,
						"completed_at follows status: current=%s observed=%s", current, observed)
				}
			}
		})
	}
}

func TestReconciler_SyncRunsKeysAndLinks(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	runs := []automation.Run{
		{RunID: "r1", Status: "processing", ServiceNowTicketID: "INC500", Subject: "Outage", Sender: "ops@example.com"},
		{RunID: "r2", Status: "completed", EmailMessageID: "<m2@example.com>", Subject: "Question"},
		{RunID: "r3", Status: "completed"},
	}
	res, err := r.SyncRuns(ctx, "c1", runs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, res.Skipped)

	res, err = r.SyncRuns(ctx, "c1", []automation.Run{
		{RunID: "r1", Status: "completed", ServiceNowTicketID: "INC500", JiraTicketID: "OPS-500", Subject: "Outage"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	var wf models.Workflow
	require.NoError(t, db.Where("servicenow_ticket_id = ?", "INC500").First(&wf).Error)
	require.NotNil(t, wf.JiraTicketID)
	assert.Equal(t, "OPS-500", *wf.JiraTicketID)
	assert.Equal(t, models.WorkflowCompleted, wf.Status)
	assert.Equal(t, "ops@example.com", wf.Sender, "non-empty sender is kept")

	var count int64
	require.NoError(t, db.Model(&models.Workflow{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestReconciler_SyncRunsFollowsRunAcrossKeys(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	res, err := r.SyncRuns(ctx, "c1", []automation.Run{
		{RunID: "r1", Status: "processing", EmailMessageID: "<m1@mail>", Subject: "VPN down"},
		{RunID: "r2", Status: "processing", JiraTicketID: "OPS-9", Subject: "Login error"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	res, err = r.SyncRuns(ctx, "c1", []automation.Run{
		{RunID: "r1", Status: "completed", EmailMessageID: "<m1@mail>", ServiceNowTicketID: "INC77"},
		{RunID: "r2", Status: "failed", JiraTicketID: "OPS-9", ServiceNowTicketID: "INC78"},
	})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Updated: 2}, res)

	var wf models.Workflow
	require.NoError(t, db.Where("email_message_id = ?", "<m1@mail>").First(&wf).Error)
	assert.Equal(t, models.WorkflowCompleted, wf.Status)
	require.NotNil(t, wf.ServiceNowTicketID)
	assert.Equal(t, "INC77", *wf.ServiceNowTicketID)
	assert.Equal(t, "VPN down", wf.Subject)
	assert.NotNil(t, wf.CompletedAt)

	require.NoError(t, db.Where("jira_ticket_id = ?", "OPS-9").First(&wf).Error)
	assert.Equal(t, models.WorkflowFailed, wf.Status)
	require.NotNil(t, wf.ServiceNowTicketID)
	assert.Equal(t, "INC78", *wf.ServiceNowTicketID)

	res, err = r.SyncRuns(ctx, "c1", []automation.Run{
		{RunID: "r1", Status: "completed", ServiceNowTicketID: "INC77", EmailMessageID: "<m1@mail>"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	var count int64
	require.NoError(t, db.Model(&models.Workflow{}).Count(&count).Error)
	assert.Equal(t, int64(2), count, "a run keeps a single row as it gains ticket ids")
}

func TestReconciler_SyncRunsKeepsKeysOwnedByOtherRows(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	_, err := r.SyncWorkflows(ctx, "c1", SourceServiceNow, []NormalizedTicket{snTicket("INC90", "2", "From ServiceNow")})
	require.NoError(t, err)
	_, err = r.SyncRuns(ctx, "c1", []automation.Run{
		{RunID: "r9", Status: "processing", EmailMessageID: "<m9@mail>", Subject: "From email"},
	})
	require.NoError(t, err)

	res, err := r.SyncRuns(ctx, "c1", []automation.Run{
		{RunID: "r9", Status: "completed", EmailMessageID: "<m9@mail>", ServiceNowTicketID: "INC90"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	var snRow models.Workflow
	require.NoError(t, db.Where("servicenow_ticket_id = ?", "INC90").First(&snRow).Error)
	assert.Equal(t, models.WorkflowCompleted, snRow.Status, "highest priority key wins")
	assert.Nil(t, snRow.EmailMessageID, "email id stays with its own row")

	var count int64
	require.NoError(t, db.Model(&models.Workflow{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestReconciler_SyncWorkflowsDataHoldsOnlyStableFields(t *testing.T) {
	db := newTestDB(t)
	r := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	ctx := context.Background()

	tk := snTicket("INC300", "2", "Printer jam")
	tk.Assignee = "Ana"
	_, err := r.SyncWorkflows(ctx, "c1", SourceServiceNow, []NormalizedTicket{tk})
	require.NoError(t, err)

	var wf models.Workflow
	require.NoError(t, db.Where("servicenow_ticket_id = ?", "INC300").First(&wf).Error)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(wf.WorkflowData), &data))
	assert.Equal(t, "INC300", data["external_id"])
	assert.NotContains(t, data, "assignee")
	assert.NotContains(t, data, "raw_status")
}

func TestReconciler_OverlayLiveStatus(t *testing.T) {
	db := newTestDB(t)
	sn := &fakeSource{kind: SourceServiceNow, tickets: []NormalizedTicket{snTicket("INC001", "Resolved", "")}}
	jr := &fakeSource{kind: SourceJira, listErr: errors.New("boom")}
	r := newTestReconciler(t, db, StatusPolicyMonotonic, SourceSet{SourceServiceNow: sn, SourceJira: jr})

	snID, jiraID := "INC001", "OPS-1"
	workflows := []models.Workflow{
		{ServiceNowTicketID: &snID, Status: models.WorkflowProcessing},
		{JiraTicketID: &jiraID, Status: models.WorkflowFailed},
		{Status: models.WorkflowCompleted},
	}
	views := r.OverlayLiveStatus(context.Background(), "c1", workflows)
	require.Len(t, views, 3)

	assert.Equal(t, "Resolved", views[0].Status)
	assert.Equal(t, "Resolved", views[0].LiveStatus)
	assert.Equal(t, StatusSourceLive, views[0].StatusSource)

	assert.Equal(t, models.WorkflowFailed, views[1].Status, "failed fetch keeps cached status")
	assert.Equal(t, StatusSourceCache, views[1].StatusSource)
	assert.Empty(t, views[1].LiveStatus)

	assert.Equal(t, models.WorkflowCompleted, views[2].Status)
	assert.Equal(t, models.WorkflowProcessing, workflows[0].Status, "input is not modified")
}

func TestReconciler_OverlaySkipsFetchWithoutLinks(t *testing.T) {
	db := newTestDB(t)
	rec := &callRecorder{}
	sn := &fakeSource{kind: SourceServiceNow, rec: rec}
	r := newTestReconciler(t, db, StatusPolicyMonotonic, SourceSet{SourceServiceNow: sn})

	views := r.OverlayLiveStatus(context.Background(), "c1", []models.Workflow{{Status: models.WorkflowProcessing}})
	require.Len(t, views, 1)
	assert.Empty(t, rec.list())
}

func TestReconciler_LookupVirtualIDQueriesSourceFirst(t *testing.T) {
	db := newTestDB(t)
	rec := &callRecorder{}
	watchQueries(t, db, rec)
	sn := &fakeSource{kind: SourceServiceNow, rec: rec, tickets: []NormalizedTicket{snTicket("ABC123", "New", "live one")}}
	r := newTestReconciler(t, db, StatusPolicyMonotonic, SourceSet{SourceServiceNow: sn})

	v, err := r.LookupTicket(context.Background(), "c1", "sn-ABC123")
	require.NoError(t, err)
	assert.True(t, v.Virtual)
	assert.Equal(t, "sn-ABC123", v.ID)
	assert.Equal(t, "ABC123", v.ServiceNowTicketID)

	calls := rec.list()
	require.NotEmpty(t, calls)
	assert.Equal(t, "one:servicenow:ABC123", calls[0])
	assert.False(t, rec.hasPrefix("db:"), "local storage is not touched")
}

func TestReconciler_LookupLocalIDSkipsAdapters(t *testing.T) {
	db := newTestDB(t)
	r0 := newTestReconciler(t, db, StatusPolicyMonotonic, nil)
	_, err := r0.SyncTickets(context.Background(), "c1", SourceServiceNow, []NormalizedTicket{snTicket("INC0042", "1", "cached")})
	require.NoError(t, err)
	var stored models.Ticket
	require.NoError(t, db.Where("servicenow_ticket_id = ?", "INC0042").First(&stored).Error)

	rec := &callRecorder{}
	sn := &fakeSource{kind: SourceServiceNow, rec: rec}
	jr := &fakeSource{kind: SourceJira, rec: rec}
	r := newTestReconciler(t, db, StatusPolicyMonotonic, SourceSet{SourceServiceNow: sn, SourceJira: jr})

	v, err := r.LookupTicket(context.Background(), "c1", stored.ID)
	require.NoError(t, err)
	assert.False(t, v.Virtual)
	assert.Equal(t, stored.ID, v.ID)

	v, err = r.LookupTicket(context.Background(), "c1", "INC0042")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, v.ID, "secondary external id hit")

	v, err = r.LookupTicket(context.Background(), "c1", "inc0042")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, v.ID, "external id match ignores case")

	assert.Empty(t, rec.list(), "adapters are never invoked for local hits")

	_, err = r.LookupTicket(context.Background(), "c2", stored.ID)
	assert.ErrorIs(t, err, ErrNotFound, "other tenants cannot see the ticket")
}

func TestReconciler_LookupExternalPatternFallsBackToLive(t *testing.T) {
	db := newTestDB(t)
	rec := &callRecorder{}
	jr := &fakeSource{kind: SourceJira, rec: rec, tickets: []NormalizedTicket{jiraTicket("OPS-7", "In Progress", "live jira")}}
	sn := &fakeSource{kind: SourceServiceNow, rec: rec, tickets: []NormalizedTicket{snTicket("RITM0001", "2", "live sn")}}
	r := newTestReconciler(t, db, StatusPolicyMonotonic, SourceSet{SourceServiceNow: sn, SourceJira: jr})
	ctx := context.Background()

	v, err := r.LookupTicket(ctx, "c1", "ops-7")
	require.NoError(t, err)
	assert.Equal(t, "jira-OPS-7", v.ID)
	assert.True(t, v.Virtual)

	v, err = r.LookupTicket(ctx, "c1", "RITM0001")
	require.NoError(t, err)
	assert.Equal(t, "live sn", v.Subject)

	var count int64
	require.NoError(t, db.Model(&models.Ticket{}).Count(&count).Error)
	assert.Zero(t, count, "live hits are not persisted")

	_, err = r.LookupTicket(ctx, "c1", "not-a-ticket")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconciler_LookupContinuesAfterSourceError(t *testing.T) {
	db := newTestDB(t)
	rec := &callRecorder{}
	watchQueries(t, db, rec)
	sn := &fakeSource{kind: SourceServiceNow, rec: rec, oneErr: ErrSourceUnavailable}
	r := newTestReconciler(t, db, StatusPolicyMonotonic, SourceSet{SourceServiceNow: sn})

	_, err := r.LookupTicket(context.Background(), "c1", "sn-INC0001")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, rec.hasPrefix("db:"), "cascade reaches local storage after a source error")
}
