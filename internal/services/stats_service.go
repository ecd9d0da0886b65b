package services

import (
	"context"
	"fmt"

	"flowstream/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Overview 仪表盘统计
// BySource 中同时带 ServiceNow 与 Jira ID 的 Workflow 只计入 servicenow，各项之和等于 TotalWorkflows
type Overview struct {
	TotalWorkflows int64            `json:"total_workflows"`
	ByStatus       map[string]int64 `json:"by_status"`
	BySource       map[string]int64 `json:"by_source"`
	Tickets        map[string]int64 `json:"tickets"`
	SuccessRate    float64          `json:"success_rate"`
}

// StatsService 聚合统计
type StatsService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewStatsService(db *gorm.DB, logger *logrus.Logger) *StatsService {
	if logger == nil {
		logger = logrus.New()
	}
	return &StatsService{db: db, logger: logger}
}

type groupCount struct {
	Label string
	Count int64
}

// Overview 汇总 Workflow 与 Ticket 缓存
func (s *StatsService) Overview(ctx context.Context, companyID string) (*Overview, error) {
	out := &Overview{
		ByStatus: map[string]int64{
			models.WorkflowProcessing: 0,
			models.WorkflowCompleted:  0,
			models.WorkflowFailed:     0,
		},
		BySource: map[string]int64{},
		Tickets:  map[string]int64{},
	}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Workflow{}).Where("company_id = ?", companyID).Count(&out.TotalWorkflows).Error; err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	var byStatus []groupCount
	if err := db.Model(&models.Workflow{}).
		Select("status AS label, COUNT(*) AS count").
		Where("company_id = ?", companyID).
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, fmt.Errorf("failed to count workflows by status: %w", err)
	}
	for _, g := range byStatus {
		out.ByStatus[g.Label] += g.Count
	}

	sourceFilters := []struct {
		name  string
		where string
	}{
		{models.SourceServiceNow, "servicenow_ticket_id IS NOT NULL"},
		{models.SourceJira, "servicenow_ticket_id IS NULL AND jira_ticket_id IS NOT NULL"},
		{models.SourceEmail, "servicenow_ticket_id IS NULL AND jira_ticket_id IS NULL"},
	}
	for _, f := range sourceFilters {
		var n int64
		if err := db.Model(&models.Workflow{}).Where("company_id = ?", companyID).Where(f.where).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to count workflows by source: %w", err)
		}
		out.BySource[f.name] = n
	}

	var tickets []groupCount
	if err := db.Model(&models.Ticket{}).
		Select("source AS label, COUNT(*) AS count").
		Where("company_id = ?", companyID).
		Group("source").
		Scan(&tickets).Error; err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}
	for _, g := range tickets {
		out.Tickets[g.Label] = g.Count
	}

	if finished := out.ByStatus[models.WorkflowCompleted] + out.ByStatus[models.WorkflowFailed]; finished > 0 {
		out.SuccessRate = float64(out.ByStatus[models.WorkflowCompleted]) / float64(finished)
	}
	return out, nil
}
