package services

import (
	"context"
	"strings"
	"time"

	"flowstream/internal/metrics"
	"flowstream/pkg/jira"
	"flowstream/pkg/servicenow"

	"github.com/sirupsen/logrus"
)

// SourceKind 外部工单系统
type SourceKind string

const (
	SourceServiceNow SourceKind = "servicenow"
	SourceJira       SourceKind = "jira"
)

// 虚拟 ID 前缀，表示没有本地记录的外部工单
const (
	virtualPrefixServiceNow = "sn-"
	virtualPrefixJira       = "jira-"
)

// VirtualID 生成 sn-<id> / jira-<id>
func VirtualID(source SourceKind, externalID string) string {
	if source == SourceJira {
		return virtualPrefixJira + externalID
	}
	return virtualPrefixServiceNow + externalID
}

// ParseVirtualID 解析虚拟 ID
func ParseVirtualID(id string) (SourceKind, string, bool) {
	lower := strings.ToLower(id)
	switch {
	case strings.HasPrefix(lower, virtualPrefixServiceNow) && len(id) > len(virtualPrefixServiceNow):
		return SourceServiceNow, id[len(virtualPrefixServiceNow):], true
	case strings.HasPrefix(lower, virtualPrefixJira) && len(id) > len(virtualPrefixJira):
		return SourceJira, id[len(virtualPrefixJira):], true
	}
	return "", "", false
}

// NormalizedTicket 两个外部系统统一后的工单，Status 保留原始值
type NormalizedTicket struct {
	Source      SourceKind `json:"source"`
	ExternalID  string     `json:"external_id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Category    string     `json:"category"`
	Assignee    string     `json:"assignee"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TicketSource 外部工单源适配器
// 传输层失败返回空结果；只有源不可用（熔断、未配置）时返回 error
type TicketSource interface {
	Source() SourceKind
	FetchTickets(ctx context.Context, limit, offset int) ([]NormalizedTicket, error)
	FetchOne(ctx context.Context, id string) (*NormalizedTicket, error)
	HealthCheck(ctx context.Context) bool
}

// SourceSet 某租户已配置的工单源
type SourceSet map[SourceKind]TicketSource

// Get 取指定来源
func (s SourceSet) Get(kind SourceKind) (TicketSource, bool) {
	src, ok := s[kind]
	return src, ok && src != nil
}

// List 固定顺序：ServiceNow 在前
func (s SourceSet) List() []TicketSource {
	out := make([]TicketSource, 0, len(s))
	for _, k := range []SourceKind{SourceServiceNow, SourceJira} {
		if src, ok := s.Get(k); ok {
			out = append(out, src)
		}
	}
	return out
}

// sourceGuard 熔断 + 失败计数 + 日志
type sourceGuard struct {
	kind    SourceKind
	breaker *CircuitBreaker
	logger  *logrus.Logger
}

func (g sourceGuard) allow() bool {
	return g.breaker == nil || g.breaker.Allow()
}

func (g sourceGuard) done(op string, err error) {
	if err == nil {
		if g.breaker != nil {
			g.breaker.OnSuccess()
		}
		return
	}
	if g.breaker != nil {
		g.breaker.OnFailure()
	}
	metrics.IncAdapterFailure(string(g.kind))
	g.logger.WithFields(logrus.Fields{
		"source":    g.kind,
		"operation": op,
	}).WithError(err).Warn("ticket source call failed, degrading to empty result")
}

// ServiceNowSource ServiceNow 适配器
type ServiceNowSource struct {
	client *servicenow.Client
	guard  sourceGuard
}

func NewServiceNowSource(client *servicenow.Client, breaker *CircuitBreaker, logger *logrus.Logger) *ServiceNowSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &ServiceNowSource{
		client: client,
		guard:  sourceGuard{kind: SourceServiceNow, breaker: breaker, logger: logger},
	}
}

func (s *ServiceNowSource) Source() SourceKind { return SourceServiceNow }

func (s *ServiceNowSource) FetchTickets(ctx context.Context, limit, offset int) ([]NormalizedTicket, error) {
	if !s.guard.allow() {
		return nil, ErrSourceUnavailable
	}
	incidents, err := s.client.ListIncidents(ctx, limit, offset)
	s.guard.done("fetch_tickets", err)
	if err != nil {
		return nil, nil
	}
	out := make([]NormalizedTicket, 0, len(incidents))
	for i := range incidents {
		out = append(out, normalizeIncident(&incidents[i]))
	}
	return out, nil
}

func (s *ServiceNowSource) FetchOne(ctx context.Context, id string) (*NormalizedTicket, error) {
	if !s.guard.allow() {
		return nil, ErrSourceUnavailable
	}
	inc, err := s.client.GetIncident(ctx, id)
	s.guard.done("fetch_one", err)
	if err != nil || inc == nil {
		return nil, nil
	}
	t := normalizeIncident(inc)
	return &t, nil
}

func (s *ServiceNowSource) HealthCheck(ctx context.Context) bool {
	return s.client.HealthCheck(ctx) == nil
}

func normalizeIncident(inc *servicenow.Incident) NormalizedTicket {
	return NormalizedTicket{
		Source:      SourceServiceNow,
		ExternalID:  inc.Number,
		Subject:     inc.ShortDescription,
		Description: inc.Description,
		Status:      inc.State,
		Priority:    inc.Priority,
		Category:    inc.Category,
		Assignee:    inc.AssignedTo.String(),
		CreatedAt:   inc.CreatedAt(),
		UpdatedAt:   inc.UpdatedAt(),
	}
}

// JiraSource Jira 适配器
type JiraSource struct {
	client *jira.Client
	guard  sourceGuard
}

func NewJiraSource(client *jira.Client, breaker *CircuitBreaker, logger *logrus.Logger) *JiraSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &JiraSource{
		client: client,
		guard:  sourceGuard{kind: SourceJira, breaker: breaker, logger: logger},
	}
}

func (s *JiraSource) Source() SourceKind { return SourceJira }

func (s *JiraSource) FetchTickets(ctx context.Context, limit, offset int) ([]NormalizedTicket, error) {
	if !s.guard.allow() {
		return nil, ErrSourceUnavailable
	}
	issues, err := s.client.SearchIssues(ctx, limit, offset)
	s.guard.done("fetch_tickets", err)
	if err != nil {
		return nil, nil
	}
	out := make([]NormalizedTicket, 0, len(issues))
	for i := range issues {
		out = append(out, normalizeIssue(&issues[i]))
	}
	return out, nil
}

func (s *JiraSource) FetchOne(ctx context.Context, id string) (*NormalizedTicket, error) {
	if !s.guard.allow() {
		return nil, ErrSourceUnavailable
	}
	issue, err := s.client.GetIssue(ctx, id)
	s.guard.done("fetch_one", err)
	if err != nil || issue == nil {
		return nil, nil
	}
	t := normalizeIssue(issue)
	return &t, nil
}

func (s *JiraSource) HealthCheck(ctx context.Context) bool {
	return s.client.HealthCheck(ctx) == nil
}

func normalizeIssue(issue *jira.Issue) NormalizedTicket {
	return NormalizedTicket{
		Source:      SourceJira,
		ExternalID:  issue.Key,
		Subject:     issue.Fields.Summary,
		Description: issue.DescriptionText(),
		Status:      issue.StatusName(),
		Priority:    issue.PriorityName(),
		Category:    issue.IssueTypeName(),
		Assignee:    issue.AssigneeName(),
		CreatedAt:   issue.CreatedAt(),
		UpdatedAt:   issue.UpdatedAt(),
	}
}
