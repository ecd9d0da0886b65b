package services

import (
	"context"
	"encoding/json"
	"fmt"

	"flowstream/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 活动类型
const (
	ActivitySyncTickets     = "sync.tickets"
	ActivitySyncServiceNow  = "sync.servicenow"
	ActivitySyncEmails      = "sync.emails"
	ActivityIntegrationSave = "integration.saved"
	ActivityIntegrationTest = "integration.tested"
	ActivityMockPurge       = "workflows.mock_purged"
	ActivityUserRegistered  = "user.registered"
)

// ActivityService 租户操作记录
type ActivityService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewActivityService(db *gorm.DB, logger *logrus.Logger) *ActivityService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActivityService{db: db, logger: logger}
}

// Record 写入失败只记日志，不影响主流程
func (s *ActivityService) Record(ctx context.Context, companyID, userID, action string, detail interface{}) {
	entry := models.ActivityLog{CompanyID: companyID, Action: action}
	if userID != "" {
		entry.UserID = &userID
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			entry.Detail = datatypes.JSON(raw)
		}
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.WithFields(logrus.Fields{
			"company_id": companyID,
			"action":     action,
		}).WithError(err).Warn("failed to record activity")
	}
}

// List 最近的活动，按时间倒序
func (s *ActivityService) List(ctx context.Context, companyID string, limit int) ([]models.ActivityLog, error) {
	limit, _ = ClampPage(limit, 0)
	logs := []models.ActivityLog{}
	err := s.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return logs, nil
}
