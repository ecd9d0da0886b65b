package services

import (
	"context"
	"fmt"

	"flowstream/internal/cache"
	"flowstream/internal/metrics"
	"flowstream/pkg/automation"

	"github.com/sirupsen/logrus"
)

// 同步操作名，用于指标与事件
const (
	SyncOpTickets    = "tickets"
	SyncOpServiceNow = "servicenow"
	SyncOpEmails     = "emails"
)

// SyncReport 同步结果，Sources 为分来源明细
type SyncReport struct {
	Operation string                `json:"operation"`
	Added     int                   `json:"added"`
	Updated   int                   `json:"updated"`
	Skipped   int                   `json:"skipped"`
	Sources   map[string]SyncResult `json:"sources,omitempty"`
	Errors    map[string]string     `json:"errors,omitempty"`
}

func newSyncReport(op string) *SyncReport {
	return &SyncReport{Operation: op, Sources: map[string]SyncResult{}}
}

func (r *SyncReport) add(name string, res SyncResult) {
	r.Sources[name] = res
	r.Added += res.Added
	r.Updated += res.Updated
	r.Skipped += res.Skipped
}

func (r *SyncReport) fail(name, msg string) {
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[name] = msg
}

// SyncService 手动触发的同步：外部工单 -> 本地缓存 / Workflow
type SyncService struct {
	reconciler *Reconciler
	sources    SourceProvider
	automation automation.Interface
	seen       cache.SeenFilter
	activity   *ActivityService
	events     Publisher
	batchSize  int
	logger     *logrus.Logger
}

// SyncDeps SyncService 依赖
type SyncDeps struct {
	Reconciler *Reconciler
	Sources    SourceProvider
	Automation automation.Interface
	Seen       cache.SeenFilter
	Activity   *ActivityService
	Events     Publisher
	BatchSize  int
}

func NewSyncService(deps SyncDeps, logger *logrus.Logger) *SyncService {
	if logger == nil {
		logger = logrus.New()
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = 50
	}
	return &SyncService{
		reconciler: deps.Reconciler,
		sources:    deps.Sources,
		automation: deps.Automation,
		seen:       deps.Seen,
		activity:   deps.Activity,
		events:     deps.Events,
		batchSize:  deps.BatchSize,
		logger:     logger,
	}
}

// SyncTickets 从所有已配置的源拉取工单写入 Ticket 缓存
func (s *SyncService) SyncTickets(ctx context.Context, companyID, userID string) (*SyncReport, error) {
	report := newSyncReport(SyncOpTickets)
	for kind, out := range fetchAll(ctx, s.sources.Sources(ctx, companyID).List(), s.batchSize) {
		if out.err != nil {
			report.fail(string(kind), out.err.Error())
			continue
		}
		res, err := s.reconciler.SyncTickets(ctx, companyID, kind, out.tickets)
		if err != nil {
			return nil, err
		}
		report.add(string(kind), res)
	}
	s.finish(ctx, companyID, userID, ActivitySyncTickets, report)
	return report, nil
}

// SyncServiceNow 同步 ServiceNow 工单到 Ticket 缓存，并为每个工单维护一条 Workflow
func (s *SyncService) SyncServiceNow(ctx context.Context, companyID, userID string) (*SyncReport, error) {
	src, ok := s.sources.Sources(ctx, companyID).Get(SourceServiceNow)
	if !ok {
		return nil, NewValidationError("servicenow", "integration is not configured")
	}
	report := newSyncReport(SyncOpServiceNow)
	tickets, err := src.FetchTickets(ctx, s.batchSize, 0)
	if err != nil {
		report.fail(string(SourceServiceNow), err.Error())
		s.finish(ctx, companyID, userID, ActivitySyncServiceNow, report)
		return report, nil
	}

	ticketRes, err := s.reconciler.SyncTickets(ctx, companyID, SourceServiceNow, tickets)
	if err != nil {
		return nil, err
	}
	wfRes, err := s.reconciler.SyncWorkflows(ctx, companyID, SourceServiceNow, tickets)
	if err != nil {
		return nil, err
	}
	report.Sources["tickets"] = ticketRes
	report.add("workflows", wfRes)
	s.finish(ctx, companyID, userID, ActivitySyncServiceNow, report)
	return report, nil
}

// runSeenKey 同一条记录状态变化后需要重新处理
func runSeenKey(companyID string, run *automation.Run) string {
	id := run.RunID
	if id == "" {
		id = run.EmailMessageID
	}
	return fmt.Sprintf("%s:%s:%s", companyID, id, run.Status)
}

// SyncEmails 拉取机器人最近的处理记录，跳过已处理过的 (run, status)
func (s *SyncService) SyncEmails(ctx context.Context, companyID, userID string) (*SyncReport, error) {
	if s.automation == nil {
		return nil, NewValidationError("automation", "email automation service is not configured")
	}
	report := newSyncReport(SyncOpEmails)
	runs, err := s.automation.RecentRuns(ctx, companyID, s.batchSize)
	if err != nil {
		metrics.IncAdapterFailure("automation")
		s.logger.WithField("company_id", companyID).WithError(err).Warn("failed to fetch automation runs")
		report.fail("automation", "automation service unavailable")
		s.finish(ctx, companyID, userID, ActivitySyncEmails, report)
		return report, nil
	}

	fresh := make([]automation.Run, 0, len(runs))
	var claimed []string
	duplicates := 0
	for i := range runs {
		if s.seen != nil {
			key := runSeenKey(companyID, &runs[i])
			isNew, err := s.seen.IsNew(ctx, key)
			if err != nil {
				s.logger.WithField("run_id", runs[i].RunID).WithError(err).Warn("dedup check failed, processing run")
				key = ""
			} else if !isNew {
				duplicates++
				continue
			}
			claimed = append(claimed, key)
		}
		fresh = append(fresh, runs[i])
	}

	res, written, err := s.reconciler.syncRuns(ctx, companyID, fresh)
	s.releaseUnwritten(ctx, claimed, written)
	if err != nil {
		return nil, err
	}
	res.Skipped += duplicates
	report.add("automation", res)
	s.finish(ctx, companyID, userID, ActivitySyncEmails, report)
	return report, nil
}

// releaseUnwritten 撤销未成功写入的记录的去重标记，使其在下次同步时重试
func (s *SyncService) releaseUnwritten(ctx context.Context, claimed []string, written []int) {
	if s.seen == nil {
		return
	}
	ok := make(map[int]bool, len(written))
	for _, i := range written {
		ok[i] = true
	}
	for i, key := range claimed {
		if key == "" || ok[i] {
			continue
		}
		if err := s.seen.Forget(ctx, key); err != nil {
			s.logger.WithField("key", key).WithError(err).Warn("failed to release dedup key")
		}
	}
}

func (s *SyncService) finish(ctx context.Context, companyID, userID, action string, report *SyncReport) {
	metrics.ObserveSync(report.Operation, report.Added, report.Updated)
	if s.activity != nil {
		s.activity.Record(ctx, companyID, userID, action, report)
	}
	if s.events != nil {
		s.events.Publish(companyID, Event{Type: EventSyncCompleted, Data: report})
	}
	s.logger.WithFields(logrus.Fields{
		"company_id": companyID,
		"operation":  report.Operation,
		"added":      report.Added,
		"updated":    report.Updated,
		"skipped":    report.Skipped,
	}).Info("sync completed")
}
