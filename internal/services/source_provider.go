package services

import (
	"context"
	"time"

	"flowstream/internal/config"
	"flowstream/internal/models"
	"flowstream/pkg/jira"
	"flowstream/pkg/servicenow"

	"github.com/sirupsen/logrus"
)

// SourceProvider 按租户构造已配置的工单源
type SourceProvider interface {
	Sources(ctx context.Context, companyID string) SourceSet
}

// IntegrationSourceProvider 从租户集成配置构造 ServiceNow / Jira 适配器
// 配置缺失或无法解密时不生成对应适配器
type IntegrationSourceProvider struct {
	integrations *IntegrationService
	breakers     *BreakerRegistry
	adapters     config.AdaptersConfig
	logger       *logrus.Logger
}

// NewIntegrationSourceProvider 创建 SourceProvider
func NewIntegrationSourceProvider(integrations *IntegrationService, breakers *BreakerRegistry, adapters config.AdaptersConfig, logger *logrus.Logger) *IntegrationSourceProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &IntegrationSourceProvider{
		integrations: integrations,
		breakers:     breakers,
		adapters:     adapters,
		logger:       logger,
	}
}

func (p *IntegrationSourceProvider) Sources(ctx context.Context, companyID string) SourceSet {
	set := SourceSet{}
	cfgs := p.integrations.Configs(ctx, companyID, models.IntegrationServiceNow, models.IntegrationJira)

	if c, ok := cfgs[models.IntegrationServiceNow]; ok {
		if sn := p.serviceNowConfig(c); sn != nil {
			set[SourceServiceNow] = NewServiceNowSource(
				servicenow.NewClient(sn, p.logger),
				p.breakers.Get(companyID, SourceServiceNow),
				p.logger,
			)
		}
	}
	if c, ok := cfgs[models.IntegrationJira]; ok {
		if jc := p.jiraConfig(c); jc != nil {
			set[SourceJira] = NewJiraSource(
				jira.NewClient(jc, p.logger),
				p.breakers.Get(companyID, SourceJira),
				p.logger,
			)
		}
	}
	return set
}

func (p *IntegrationSourceProvider) serviceNowConfig(c *IntegrationConfig) *servicenow.Config {
	if c.Public["instance_url"] == "" || c.Secrets["password"] == "" {
		return nil
	}
	cfg := servicenow.DefaultConfig()
	cfg.InstanceURL = c.Public["instance_url"]
	cfg.Username = c.Public["username"]
	cfg.Password = c.Secrets["password"]
	p.applyTransport(&cfg.Timeout, &cfg.MaxRetries, &cfg.RetryDelay)
	return cfg
}

func (p *IntegrationSourceProvider) jiraConfig(c *IntegrationConfig) *jira.Config {
	if c.Public["base_url"] == "" || c.Secrets["api_token"] == "" {
		return nil
	}
	cfg := jira.DefaultConfig()
	cfg.BaseURL = c.Public["base_url"]
	cfg.Email = c.Public["email"]
	cfg.ProjectKey = c.Public["project_key"]
	cfg.APIToken = c.Secrets["api_token"]
	p.applyTransport(&cfg.Timeout, &cfg.MaxRetries, &cfg.RetryDelay)
	return cfg
}

func (p *IntegrationSourceProvider) applyTransport(timeout *time.Duration, retries *int, delay *time.Duration) {
	if p.adapters.Timeout > 0 {
		*timeout = p.adapters.Timeout
	}
	if p.adapters.MaxRetries >= 0 {
		*retries = p.adapters.MaxRetries
	}
	if p.adapters.RetryDelay > 0 {
		*delay = p.adapters.RetryDelay
	}
}

// StaticSourceProvider 固定返回同一组工单源（测试、CLI）
type StaticSourceProvider SourceSet

func (p StaticSourceProvider) Sources(context.Context, string) SourceSet {
	return SourceSet(p)
}
