package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"flowstream/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WorkflowService Workflow 列表、详情和测试数据清理
type WorkflowService struct {
	db         *gorm.DB
	query      *QueryService
	reconciler *Reconciler
	sources    SourceProvider
	activity   *ActivityService
	events     Publisher
	logger     *logrus.Logger
}

func NewWorkflowService(db *gorm.DB, query *QueryService, reconciler *Reconciler, sources SourceProvider, activity *ActivityService, events Publisher, logger *logrus.Logger) *WorkflowService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowService{
		db:         db,
		query:      query,
		reconciler: reconciler,
		sources:    sources,
		activity:   activity,
		events:     events,
		logger:     logger,
	}
}

// WorkflowDetail 本地记录 + 关联工单的实时快照
type WorkflowDetail struct {
	models.Workflow
	ServiceNow *NormalizedTicket `json:"servicenow,omitempty"`
	Jira       *NormalizedTicket `json:"jira,omitempty"`
	LiveStatus string            `json:"live_status,omitempty"`
}

// List 缓存分页后叠加实时状态
func (s *WorkflowService) List(ctx context.Context, companyID string, filter ListFilter, limit, offset int) (ListResult[WorkflowView], error) {
	page, err := s.query.ListWorkflows(ctx, companyID, filter, limit, offset)
	if err != nil {
		return ListResult[WorkflowView]{}, err
	}
	return ListResult[WorkflowView]{
		Items: s.reconciler.OverlayLiveStatus(ctx, companyID, page.Items),
		Total: page.Total,
		Mode:  page.Mode,
	}, nil
}

// Get 并发查询关联的 ServiceNow / Jira 工单，失败时只返回本地记录
func (s *WorkflowService) Get(ctx context.Context, companyID, id string) (*WorkflowDetail, error) {
	var wf models.Workflow
	err := s.db.WithContext(ctx).Where("company_id = ? AND id = ?", companyID, id).First(&wf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	detail := &WorkflowDetail{Workflow: wf}
	if wf.ServiceNowTicketID == nil && wf.JiraTicketID == nil {
		return detail, nil
	}

	sources := s.sources.Sources(ctx, companyID)
	log := s.logger.WithFields(logrus.Fields{"company_id": companyID, "workflow_id": id})
	var wg sync.WaitGroup
	fetch := func(kind SourceKind, externalID *string, dst **NormalizedTicket) {
		if externalID == nil {
			return
		}
		src, ok := sources.Get(kind)
		if !ok {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := src.FetchOne(ctx, *externalID)
			if err != nil {
				log.WithField("source", kind).WithError(err).Warn("live workflow snapshot unavailable")
				return
			}
			*dst = t
		}()
	}
	fetch(SourceServiceNow, wf.ServiceNowTicketID, &detail.ServiceNow)
	fetch(SourceJira, wf.JiraTicketID, &detail.Jira)
	wg.Wait()

	switch {
	case detail.ServiceNow != nil:
		detail.LiveStatus = detail.ServiceNow.Status
	case detail.Jira != nil:
		detail.LiveStatus = detail.Jira.Status
	}
	return detail, nil
}

var (
	mockIDPrefixes      = []string{"MOCK-", "TEST-", "DEMO-"}
	mockSubjectPrefixes = []string{"[test]", "[mock]", "test ticket", "sample"}
)

// mockCondition 测试数据判定：外部 ID 或标题前缀
func mockCondition() (string, []interface{}) {
	var conds []string
	var args []interface{}
	for _, col := range []string{"servicenow_ticket_id", "jira_ticket_id"} {
		for _, p := range mockIDPrefixes {
			conds = append(conds, "UPPER("+col+") LIKE ?")
			args = append(args, p+"%")
		}
	}
	for _, p := range mockSubjectPrefixes {
		conds = append(conds, "LOWER(subject) LIKE ?")
		args = append(args, p+"%")
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}

// PurgeResult 清理数量
type PurgeResult struct {
	Workflows int64 `json:"workflows"`
	Tickets   int64 `json:"tickets"`
}

// PurgeMockData 删除测试数据，唯一的删除入口
func (s *WorkflowService) PurgeMockData(ctx context.Context, companyID, userID string) (*PurgeResult, error) {
	cond, args := mockCondition()
	res := &PurgeResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wf := tx.Where("company_id = ?", companyID).Where(cond, args...).Delete(&models.Workflow{})
		if wf.Error != nil {
			return wf.Error
		}
		res.Workflows = wf.RowsAffected

		tk := tx.Where("company_id = ?", companyID).Where(cond, args...).Delete(&models.Ticket{})
		if tk.Error != nil {
			return tk.Error
		}
		res.Tickets = tk.RowsAffected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to purge mock data: %w", err)
	}

	if s.activity != nil {
		s.activity.Record(ctx, companyID, userID, ActivityMockPurge, res)
	}
	if s.events != nil {
		s.events.Publish(companyID, Event{Type: EventWorkflowsPurged, Data: res})
	}
	s.logger.WithFields(logrus.Fields{
		"company_id": companyID,
		"workflows":  res.Workflows,
		"tickets":    res.Tickets,
	}).Info("mock data purged")
	return res, nil
}
