package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowstream/internal/models"
	"flowstream/internal/vault"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IntegrationService 租户集成配置（加密存储、脱敏展示、连通性测试）
type IntegrationService struct {
	db     *gorm.DB
	vault  *vault.Vault
	prober ConnectivityProber
	logger *logrus.Logger
}

// IntegrationView 返回给前端的脱敏视图
type IntegrationView struct {
	Type         string                 `json:"type"`
	Status       string                 `json:"status"`
	Config       map[string]interface{} `json:"config"`
	LastTestedAt *time.Time             `json:"last_tested_at,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
	UpdatedAt    *time.Time             `json:"updated_at,omitempty"`
}

// IntegrationConfig 解密后的完整配置，仅在服务端内部使用
type IntegrationConfig struct {
	Type    string
	Status  string
	Public  map[string]string
	Secrets map[string]string
}

// TestResult 连通性测试结果
type TestResult struct {
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewIntegrationService 创建集成服务
func NewIntegrationService(db *gorm.DB, v *vault.Vault, prober ConnectivityProber, logger *logrus.Logger) *IntegrationService {
	if logger == nil {
		logger = logrus.New()
	}
	if prober == nil {
		prober = NewDefaultProber(0, logger)
	}
	return &IntegrationService{db: db, vault: v, prober: prober, logger: logger}
}

// List 返回全部集成类型的脱敏视图，未配置的类型为 disconnected
func (s *IntegrationService) List(ctx context.Context, companyID string) ([]IntegrationView, error) {
	var rows []models.CompanyIntegration
	if err := s.db.WithContext(ctx).Where("company_id = ?", companyID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	byType := make(map[string]*models.CompanyIntegration, len(rows))
	for i := range rows {
		byType[rows[i].IntegrationType] = &rows[i]
	}

	views := make([]IntegrationView, 0, len(models.IntegrationTypes))
	for _, typ := range models.IntegrationTypes {
		row, ok := byType[typ]
		if !ok {
			views = append(views, IntegrationView{
				Type:   typ,
				Status: models.IntegrationDisconnected,
				Config: vault.Redact(typ, nil, nil),
			})
			continue
		}
		views = append(views, s.view(row))
	}
	return views, nil
}

// Save 校验类型、拆分字段、合并旧密钥、加密并 upsert
func (s *IntegrationService) Save(ctx context.Context, companyID, integrationType string, fields map[string]string) (*IntegrationView, error) {
	schema, ok := vault.SchemaFor(integrationType)
	if !ok {
		return nil, ErrUnsupportedIntegration
	}
	existing, err := s.load(ctx, companyID, schema.Type)
	if err != nil {
		return nil, err
	}
	public, secrets := s.merge(companyID, schema, existing, fields)
	if missing := schema.Missing(public, secrets); len(missing) > 0 {
		verr := &ValidationError{Fields: make(map[string]string, len(missing))}
		for _, f := range missing {
			verr.Fields[f] = "is required"
		}
		return nil, verr
	}

	sealed, err := s.vault.SealSecrets(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt integration config: %w", err)
	}
	publicJSON, err := json.Marshal(public)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public config: %w", err)
	}

	row := models.CompanyIntegration{
		CompanyID:       companyID,
		IntegrationType: schema.Type,
		Status:          models.IntegrationConnected,
		ConfigJSON:      sealed,
		PublicConfig:    datatypes.JSON(publicJSON),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "company_id"}, {Name: "integration_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "config_json", "public_config", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save integration: %w", err)
	}

	saved, err := s.load(ctx, companyID, schema.Type)
	if err != nil || saved == nil {
		return nil, fmt.Errorf("failed to reload integration: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"company_id":  companyID,
		"integration": schema.Type,
	}).Info("integration saved")
	v := s.view(saved)
	return &v, nil
}

// Test 使用“已存储 + 本次提交”合并后的配置探测连通性，并回写状态
func (s *IntegrationService) Test(ctx context.Context, companyID, integrationType string, fields map[string]string) (*TestResult, error) {
	schema, ok := vault.SchemaFor(integrationType)
	if !ok {
		return nil, ErrUnsupportedIntegration
	}
	existing, err := s.load(ctx, companyID, schema.Type)
	if err != nil {
		return nil, err
	}
	public, secrets := s.merge(companyID, schema, existing, fields)

	result := &TestResult{Type: schema.Type, OK: true, Status: models.IntegrationConnected, Message: "connection successful"}
	if missing := schema.Missing(public, secrets); len(missing) > 0 {
		result.OK = false
		result.Status = models.IntegrationError
		result.Message = "missing required fields: " + strings.Join(missing, ", ")
	} else if perr := s.prober.Probe(ctx, schema.Type, public, secrets); perr != nil {
		result.OK = false
		result.Status = models.IntegrationError
		result.Message = perr.Error()
		s.logger.WithFields(logrus.Fields{
			"company_id":  companyID,
			"integration": schema.Type,
		}).WithError(perr).Warn("integration connectivity test failed")
	}

	if existing != nil {
		now := time.Now()
		lastError := ""
		if !result.OK {
			lastError = result.Message
		}
		err := s.db.WithContext(ctx).Model(&models.CompanyIntegration{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"status":         result.Status,
				"last_tested_at": now,
				"last_error":     lastError,
			}).Error
		if err != nil {
			return nil, fmt.Errorf("failed to update integration status: %w", err)
		}
	}
	return result, nil
}

// Config 解密单个集成配置；不存在或解密失败返回 (nil, false)
func (s *IntegrationService) Config(ctx context.Context, companyID, integrationType string) (*IntegrationConfig, bool) {
	cfgs := s.Configs(ctx, companyID, integrationType)
	c, ok := cfgs[integrationType]
	return c, ok
}

// Configs 一次查询多个集成并分别解密
func (s *IntegrationService) Configs(ctx context.Context, companyID string, types ...string) map[string]*IntegrationConfig {
	out := make(map[string]*IntegrationConfig, len(types))
	var rows []models.CompanyIntegration
	if err := s.db.WithContext(ctx).
		Where("company_id = ? AND integration_type IN ?", companyID, types).
		Find(&rows).Error; err != nil {
		s.logger.WithField("company_id", companyID).WithError(err).Error("failed to load integration configs")
		return out
	}
	for i := range rows {
		row := &rows[i]
		if row.Status == models.IntegrationDisconnected {
			continue
		}
		secrets, ok := s.vault.OpenSecrets(row.IntegrationType, row.ConfigJSON)
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"company_id":  companyID,
				"integration": row.IntegrationType,
			}).Warn("integration config could not be decrypted, treating as not configured")
			continue
		}
		out[row.IntegrationType] = &IntegrationConfig{
			Type:    row.IntegrationType,
			Status:  row.Status,
			Public:  decodePublic(row.PublicConfig),
			Secrets: secrets,
		}
	}
	return out
}

func (s *IntegrationService) load(ctx context.Context, companyID, integrationType string) (*models.CompanyIntegration, error) {
	var row models.CompanyIntegration
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND integration_type = ?", companyID, integrationType).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	return &row, nil
}

// merge 提交的字段覆盖已存储的值；空的敏感字段保留旧值
func (s *IntegrationService) merge(companyID string, schema vault.Schema, existing *models.CompanyIntegration, fields map[string]string) (map[string]string, map[string]string) {
	inPublic, inSecrets := schema.Split(fields)

	public := map[string]string{}
	var oldSecrets map[string]string
	if existing != nil {
		public = decodePublic(existing.PublicConfig)
		if existing.ConfigJSON != "" {
			var ok bool
			oldSecrets, ok = s.vault.OpenSecrets(schema.Type, existing.ConfigJSON)
			if !ok {
				s.logger.WithFields(logrus.Fields{
					"company_id":  companyID,
					"integration": schema.Type,
				}).Warn("stored integration secrets could not be decrypted and will be replaced")
			}
		}
	}
	for k, v := range inPublic {
		public[k] = v
	}
	return public, vault.MergeSecrets(oldSecrets, inSecrets)
}

func (s *IntegrationService) view(row *models.CompanyIntegration) IntegrationView {
	secrets, ok := s.vault.OpenSecrets(row.IntegrationType, row.ConfigJSON)
	if !ok && row.ConfigJSON != "" {
		s.logger.WithFields(logrus.Fields{
			"company_id":  row.CompanyID,
			"integration": row.IntegrationType,
		}).Warn("integration config could not be decrypted")
	}
	updated := row.UpdatedAt
	return IntegrationView{
		Type:         row.IntegrationType,
		Status:       row.Status,
		Config:       vault.Redact(row.IntegrationType, secrets, decodePublic(row.PublicConfig)),
		LastTestedAt: row.LastTestedAt,
		LastError:    row.LastError,
		UpdatedAt:    &updated,
	}
}

func decodePublic(raw datatypes.JSON) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return out
	}
	for k, v := range decoded {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
