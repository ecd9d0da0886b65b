package app

import (
	"context"
	"errors"
	"time"

	"flowstream/internal/models"
	"flowstream/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Demo 租户的 owner 账号
const (
	DemoEmail    = "demo@flowstream.local"
	DemoPassword = "flowstream-demo"
)

// SeedDemo 创建演示租户与几条可被 purge-mock 清理的测试 Workflow；已存在时返回 (nil, nil)
func SeedDemo(ctx context.Context, db *gorm.DB, auth *services.AuthService, log *logrus.Logger) (*models.Company, error) {
	sess, err := auth.Register(ctx, services.RegisterRequest{
		CompanyName: "Demo Company",
		Name:        "Demo Owner",
		Email:       DemoEmail,
		Password:    DemoPassword,
	})
	if errors.Is(err, services.ErrEmailTaken) {
		log.Info("Demo company already exists, skipping seed")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sample := func(id, subject, status string, age time.Duration) models.Workflow {
		ext := id
		return models.Workflow{
			CompanyID:          sess.Company.ID,
			ServiceNowTicketID: &ext,
			Subject:            subject,
			Sender:             "alerts@demo.local",
			Status:             status,
			StartedAt:          now.Add(-age),
		}
	}
	workflows := []models.Workflow{
		sample("MOCK-0001", "[TEST] VPN outage in Berlin office", models.WorkflowProcessing, time.Hour),
		sample("MOCK-0002", "[TEST] Printer jam on floor 3", models.WorkflowCompleted, 3*time.Hour),
		sample("DEMO-0003", "Sample: mailbox quota exceeded", models.WorkflowFailed, 26*time.Hour),
	}
	if err := db.WithContext(ctx).Create(&workflows).Error; err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"company_id": sess.Company.ID,
		"workflows":  len(workflows),
	}).Info("Demo data seeded")
	return sess.Company, nil
}
