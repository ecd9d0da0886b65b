package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"flowstream/internal/models"
	"flowstream/pkg/automation"
	"flowstream/pkg/jira"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// serviceNowNumber ServiceNow 记录编号
var serviceNowNumber = regexp.MustCompile(`^(INC|RITM|TASK|REQ|CHG|PRB)\d+$`)

// SyncResult 一次 upsert 的结果
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped,omitempty"`
}

// Add 累加
func (r *SyncResult) Add(o SyncResult) {
	r.Added += o.Added
	r.Updated += o.Updated
	r.Skipped += o.Skipped
}

// WorkflowView 列表视图，Status 可能被实时状态覆盖
type WorkflowView struct {
	models.Workflow
	LiveStatus   string `json:"live_status,omitempty"`
	StatusSource string `json:"status_source"`
}

const (
	StatusSourceCache = "cache"
	StatusSourceLive  = "live"
)

// TicketView 工单视图；Virtual 为 true 表示实时拉取、本地没有记录
type TicketView struct {
	ID                 string    `json:"id"`
	Source             string    `json:"source"`
	ServiceNowTicketID string    `json:"servicenow_ticket_id,omitempty"`
	JiraTicketID       string    `json:"jira_ticket_id,omitempty"`
	Subject            string    `json:"subject"`
	Description        string    `json:"description"`
	Status             string    `json:"status"`
	Priority           string    `json:"priority"`
	Category           string    `json:"category"`
	Assignee           string    `json:"assignee"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Virtual            bool      `json:"virtual"`
}

// ExternalID 外部编号
func (v *TicketView) ExternalID() string {
	if v.ServiceNowTicketID != "" {
		return v.ServiceNowTicketID
	}
	return v.JiraTicketID
}

func ticketViewFromModel(t *models.Ticket) *TicketView {
	v := &TicketView{
		ID:          t.ID,
		Source:      t.Source,
		Subject:     t.Subject,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Category:    t.Category,
		Assignee:    t.Assignee,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.ServiceNowTicketID != nil {
		v.ServiceNowTicketID = *t.ServiceNowTicketID
	}
	if t.JiraTicketID != nil {
		v.JiraTicketID = *t.JiraTicketID
	}
	return v
}

func ticketViewFromLive(t *NormalizedTicket) *TicketView {
	v := &TicketView{
		ID:          VirtualID(t.Source, t.ExternalID),
		Source:      string(t.Source),
		Subject:     t.Subject,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Category:    t.Category,
		Assignee:    t.Assignee,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Virtual:     true,
	}
	if t.Source == SourceJira {
		v.JiraTicketID = t.ExternalID
	} else {
		v.ServiceNowTicketID = t.ExternalID
	}
	return v
}

// Reconciler 本地缓存与外部实时数据的合并：upsert 同步、列表实时覆盖、单条级联查找
type Reconciler struct {
	db           *gorm.DB
	sources      SourceProvider
	policy       StatusPolicy
	overlayLimit int
	batchSize    int
	logger       *logrus.Logger
	now          func() time.Time
}

// ReconcilerOptions 可选参数
type ReconcilerOptions struct {
	Policy       StatusPolicy
	OverlayLimit int
	BatchSize    int
}

// NewReconciler 创建 Reconciler
func NewReconciler(db *gorm.DB, sources SourceProvider, opts ReconcilerOptions, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Policy == "" {
		opts.Policy = StatusPolicyMonotonic
	}
	if opts.OverlayLimit <= 0 {
		opts.OverlayLimit = 20
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Reconciler{
		db:           db,
		sources:      sources,
		policy:       opts.Policy,
		overlayLimit: opts.OverlayLimit,
		batchSize:    opts.BatchSize,
		logger:       logger,
		now:          time.Now,
	}
}

// Policy 当前状态迁移策略
func (r *Reconciler) Policy() StatusPolicy { return r.policy }

func externalColumn(source SourceKind) string {
	if source == SourceJira {
		return "jira_ticket_id"
	}
	return "servicenow_ticket_id"
}

// dedupeByExternalID 同一批次内相同外部 ID 只保留最后一条
func dedupeByExternalID(tickets []NormalizedTicket) ([]NormalizedTicket, int) {
	index := make(map[string]int, len(tickets))
	out := make([]NormalizedTicket, 0, len(tickets))
	skipped := 0
	for _, t := range tickets {
		t.ExternalID = strings.TrimSpace(t.ExternalID)
		if t.ExternalID == "" {
			skipped++
			continue
		}
		if i, ok := index[t.ExternalID]; ok {
			out[i] = t
			continue
		}
		index[t.ExternalID] = len(out)
		out = append(out, t)
	}
	return out, skipped
}

func (r *Reconciler) existingIDs(ctx context.Context, model interface{}, column, companyID string, ids []string) (map[string]bool, error) {
	var found []string
	err := r.db.WithContext(ctx).Model(model).
		Where("company_id = ? AND "+column+" IN ?", companyID, ids).
		Pluck(column, &found).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func countResult(batch []NormalizedTicket, existing map[string]bool, skipped int) SyncResult {
	res := SyncResult{Skipped: skipped}
	for _, t := range batch {
		if existing[t.ExternalID] {
			res.Updated++
		} else {
			res.Added++
		}
	}
	return res
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SyncTickets 把一批外部工单 upsert 到本地 Ticket 缓存
func (r *Reconciler) SyncTickets(ctx context.Context, companyID string, source SourceKind, tickets []NormalizedTicket) (SyncResult, error) {
	batch, skipped := dedupeByExternalID(tickets)
	if len(batch) == 0 {
		return SyncResult{Skipped: skipped}, nil
	}
	col := externalColumn(source)
	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ExternalID
	}
	existing, err := r.existingIDs(ctx, &models.Ticket{}, col, companyID, ids)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to load existing tickets: %w", err)
	}

	now := r.now()
	rows := make([]models.Ticket, 0, len(batch))
	for _, t := range batch {
		row := models.Ticket{
			CompanyID:   companyID,
			Source:      string(source),
			Subject:     t.Subject,
			Description: t.Description,
			Status:      t.Status,
			Priority:    t.Priority,
			Category:    t.Category,
			Assignee:    t.Assignee,
			SyncedAt:    now,
		}
		row.CreatedAt = orNow(t.CreatedAt, now)
		row.UpdatedAt = orNow(t.UpdatedAt, now)
		if source == SourceJira {
			row.JiraTicketID = strPtr(t.ExternalID)
		} else {
			row.ServiceNowTicketID = strPtr(t.ExternalID)
		}
		rows = append(rows, row)
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: col}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subject", "description", "status", "priority", "category", "assignee", "updated_at", "synced_at",
		}),
	}).CreateInBatches(&rows, r.batchSize).Error
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to upsert tickets: %w", err)
	}

	res := countResult(batch, existing, skipped)
	r.logger.WithFields(logrus.Fields{
		"company_id": companyID,
		"source":     source,
		"added":      res.Added,
		"updated":    res.Updated,
	}).Info("tickets synced")
	return res, nil
}

func (r *Reconciler) workflowStatusSet(extra ...string) clause.Set {
	set := clause.Set{
		{Column: clause.Column{Name: "status"}, Value: gorm.Expr(statusUpsertExpr(r.policy, "workflows"))},
		{Column: clause.Column{Name: "completed_at"}, Value: gorm.Expr(completedAtUpsertExpr(r.policy, "workflows"))},
	}
	return append(set, clause.AssignmentColumns(append([]string{"updated_at"}, extra...))...)
}

// SyncWorkflows 每个外部工单对应一条 Workflow；subject、started_at、workflow_data 只在插入时写入。
// workflow_data 只存不可变的来源信息，原始状态、优先级和处理人以 Ticket 缓存为准
func (r *Reconciler) SyncWorkflows(ctx context.Context, companyID string, source SourceKind, tickets []NormalizedTicket) (SyncResult, error) {
	batch, skipped := dedupeByExternalID(tickets)
	if len(batch) == 0 {
		return SyncResult{Skipped: skipped}, nil
	}
	col := externalColumn(source)
	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ExternalID
	}
	existing, err := r.existingIDs(ctx, &models.Workflow{}, col, companyID, ids)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to load existing workflows: %w", err)
	}

	now := r.now()
	rows := make([]models.Workflow, 0, len(batch))
	for _, t := range batch {
		status := CollapseStatus(t.Status)
		data, _ := json.Marshal(map[string]interface{}{
			"source":      source,
			"external_id": t.ExternalID,
		})
		row := models.Workflow{
			CompanyID:    companyID,
			Subject:      t.Subject,
			Status:       status,
			StartedAt:    orNow(t.CreatedAt, now),
			WorkflowData: datatypes.JSON(data),
		}
		row.UpdatedAt = orNow(t.UpdatedAt, now)
		if IsTerminal(status) {
			done := orNow(t.UpdatedAt, now)
			row.CompletedAt = &done
		}
		if source == SourceJira {
			row.JiraTicketID = strPtr(t.ExternalID)
		} else {
			row.ServiceNowTicketID = strPtr(t.ExternalID)
		}
		rows = append(rows, row)
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "company_id"}, {Name: col}},
		DoUpdates: r.workflowStatusSet(),
	}).CreateInBatches(&rows, r.batchSize).Error
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to upsert workflows: %w", err)
	}

	res := countResult(batch, existing, skipped)
	r.logger.WithFields(logrus.Fields{
		"company_id": companyID,
		"source":     source,
		"added":      res.Added,
		"updated":    res.Updated,
		"policy":     r.policy,
	}).Info("workflows synced")
	return res, nil
}

type runKeyPair struct {
	column string
	value  string
}

// runKeys 邮件处理记录的全部非空去重键，按 ServiceNow ID > Jira ID > 邮件 Message-ID 排序
func runKeys(run *automation.Run) []runKeyPair {
	var keys []runKeyPair
	for _, k := range []runKeyPair{
		{"servicenow_ticket_id", strings.TrimSpace(run.ServiceNowTicketID)},
		{"jira_ticket_id", strings.TrimSpace(run.JiraTicketID)},
		{"email_message_id", strings.TrimSpace(run.EmailMessageID)},
	} {
		if k.value != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func workflowKey(wf *models.Workflow, column string) string {
	var v *string
	switch column {
	case "servicenow_ticket_id":
		v = wf.ServiceNowTicketID
	case "jira_ticket_id":
		v = wf.JiraTicketID
	case "email_message_id":
		v = wf.EmailMessageID
	}
	if v == nil {
		return ""
	}
	return *v
}

// resolveRunTarget 按任一去重键查找已有 Workflow。
// 返回冲突列（优先级最高且已被某行持有的键）以及被其他行占用、不能写入目标行的键列
func (r *Reconciler) resolveRunTarget(ctx context.Context, companyID string, keys []runKeyPair) (string, bool, map[string]bool, error) {
	q := r.db.WithContext(ctx).Model(&models.Workflow{}).Where("company_id = ?", companyID)
	cond := r.db.Where(keys[0].column+" = ?", keys[0].value)
	for _, k := range keys[1:] {
		cond = cond.Or(k.column+" = ?", k.value)
	}
	var matched []models.Workflow
	if err := q.Where(cond).Find(&matched).Error; err != nil {
		return "", false, nil, err
	}
	if len(matched) == 0 {
		return keys[0].column, false, nil, nil
	}

	var target *models.Workflow
	col := ""
	for _, k := range keys {
		for i := range matched {
			if workflowKey(&matched[i], k.column) == k.value {
				target, col = &matched[i], k.column
				break
			}
		}
		if target != nil {
			break
		}
	}
	taken := make(map[string]bool)
	for _, k := range keys {
		for i := range matched {
			if matched[i].ID != target.ID && workflowKey(&matched[i], k.column) == k.value {
				taken[k.column] = true
			}
		}
	}
	return col, true, taken, nil
}

// SyncRuns 把机器人处理记录 upsert 为 Workflow，逐条执行以免一条冲突影响整批。
// 一条记录在生命周期内会陆续获得工单 ID，冲突列取已有行实际持有的键
func (r *Reconciler) SyncRuns(ctx context.Context, companyID string, runs []automation.Run) (SyncResult, error) {
	res, _, err := r.syncRuns(ctx, companyID, runs)
	return res, err
}

// syncRuns 同 SyncRuns，额外返回成功写入的记录下标
func (r *Reconciler) syncRuns(ctx context.Context, companyID string, runs []automation.Run) (SyncResult, []int, error) {
	var res SyncResult
	var written []int
	now := r.now()
	for i := range runs {
		run := &runs[i]
		keys := runKeys(run)
		if len(keys) == 0 {
			res.Skipped++
			continue
		}

		col, exists, taken, err := r.resolveRunTarget(ctx, companyID, keys)
		if err != nil {
			return res, written, fmt.Errorf("failed to load existing workflow: %w", err)
		}
		key := ""
		for _, k := range keys {
			if k.column == col {
				key = k.value
			}
		}

		status := CollapseStatus(run.Status)
		data, _ := json.Marshal(map[string]interface{}{
			"source": models.SourceEmail,
			"run_id": run.RunID,
			"steps":  rawOrNull(run.Steps),
			"logs":   rawOrNull(run.Logs),
		})
		row := models.Workflow{
			CompanyID:          companyID,
			ServiceNowTicketID: untakenPtr(taken, "servicenow_ticket_id", run.ServiceNowTicketID),
			JiraTicketID:       untakenPtr(taken, "jira_ticket_id", run.JiraTicketID),
			EmailMessageID:     untakenPtr(taken, "email_message_id", run.EmailMessageID),
			Subject:            run.Subject,
			Sender:             run.Sender,
			Status:             status,
			StartedAt:          now,
			WorkflowData:       datatypes.JSON(data),
			ErrorMessage:       run.Error,
		}
		if run.StartedAt != nil && !run.StartedAt.IsZero() {
			row.StartedAt = *run.StartedAt
		}
		if IsTerminal(status) {
			done := now
			if run.CompletedAt != nil && !run.CompletedAt.IsZero() {
				done = *run.CompletedAt
			}
			row.CompletedAt = &done
		}

		set := r.workflowStatusSet("workflow_data", "error_message")
		for _, c := range []string{"servicenow_ticket_id", "jira_ticket_id", "email_message_id"} {
			if c == col || taken[c] {
				continue
			}
			set = append(set, clause.Assignment{
				Column: clause.Column{Name: c},
				Value:  gorm.Expr(fmt.Sprintf("COALESCE(workflows.%[1]s, excluded.%[1]s)", c)),
			})
		}
		for _, c := range []string{"subject", "sender"} {
			set = append(set, clause.Assignment{
				Column: clause.Column{Name: c},
				Value:  gorm.Expr(fmt.Sprintf("COALESCE(NULLIF(workflows.%[1]s, ''), excluded.%[1]s)", c)),
			})
		}

		err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "company_id"}, {Name: col}},
			DoUpdates: set,
		}).Create(&row).Error
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"company_id": companyID,
				"run_id":     run.RunID,
				"key":        key,
			}).WithError(err).Warn("failed to upsert automation run, skipping")
			res.Skipped++
			continue
		}
		written = append(written, i)
		if exists {
			res.Updated++
		} else {
			res.Added++
		}
	}
	return res, written, nil
}

func untakenPtr(taken map[string]bool, column, value string) *string {
	if taken[column] {
		return nil
	}
	return strPtr(strings.TrimSpace(value))
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

type fetchOutcome struct {
	tickets []NormalizedTicket
	err     error
}

// fetchAll 并发拉取每个源的最近工单
func fetchAll(ctx context.Context, sources []TicketSource, limit int) map[SourceKind]fetchOutcome {
	out := make(map[SourceKind]fetchOutcome, len(sources))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, src := range sources {
		wg.Add(1)
		go func(src TicketSource) {
			defer wg.Done()
			tickets, err := src.FetchTickets(ctx, limit, 0)
			mu.Lock()
			out[src.Source()] = fetchOutcome{tickets: tickets, err: err}
			mu.Unlock()
		}(src)
	}
	wg.Wait()
	return out
}

// OverlayLiveStatus 用外部最新状态覆盖列表中的缓存状态，不写库
// 拉取失败时保留缓存状态
func (r *Reconciler) OverlayLiveStatus(ctx context.Context, companyID string, workflows []models.Workflow) []WorkflowView {
	views := make([]WorkflowView, len(workflows))
	linked := false
	for i := range workflows {
		views[i] = WorkflowView{Workflow: workflows[i], StatusSource: StatusSourceCache}
		if workflows[i].ServiceNowTicketID != nil || workflows[i].JiraTicketID != nil {
			linked = true
		}
	}
	if !linked || r.sources == nil {
		return views
	}

	live := map[SourceKind]map[string]string{}
	for kind, res := range fetchAll(ctx, r.sources.Sources(ctx, companyID).List(), r.overlayLimit) {
		if res.err != nil {
			r.logger.WithFields(logrus.Fields{
				"company_id": companyID,
				"source":     kind,
			}).WithError(res.err).Warn("live status overlay unavailable, using cached status")
			continue
		}
		idx := make(map[string]string, len(res.tickets))
		for _, t := range res.tickets {
			idx[strings.ToUpper(t.ExternalID)] = t.Status
		}
		live[kind] = idx
	}

	for i := range views {
		w := &views[i].Workflow
		status, ok := "", false
		if w.ServiceNowTicketID != nil {
			status, ok = live[SourceServiceNow][strings.ToUpper(*w.ServiceNowTicketID)]
		}
		if !ok && w.JiraTicketID != nil {
			status, ok = live[SourceJira][strings.ToUpper(*w.JiraTicketID)]
		}
		if ok && status != "" {
			views[i].LiveStatus = status
			views[i].Status = status
			views[i].StatusSource = StatusSourceLive
		}
	}
	return views
}

// LookupTicket 单条工单级联查找，前一步出错只记录日志并继续：
// 虚拟 ID -> 本地 ID -> 本地外部 ID -> 外部编号实时查询 -> ErrNotFound
func (r *Reconciler) LookupTicket(ctx context.Context, companyID, id string) (*TicketView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	log := r.logger.WithFields(logrus.Fields{"company_id": companyID, "ticket_id": id})

	var sources SourceSet
	sourceFor := func(kind SourceKind) (TicketSource, bool) {
		if sources == nil {
			if r.sources == nil {
				sources = SourceSet{}
			} else {
				sources = r.sources.Sources(ctx, companyID)
			}
		}
		return sources.Get(kind)
	}
	fetchLive := func(kind SourceKind, externalID string) *TicketView {
		src, ok := sourceFor(kind)
		if !ok {
			log.WithField("source", kind).Debug("ticket source not configured")
			return nil
		}
		t, err := src.FetchOne(ctx, externalID)
		if err != nil {
			log.WithField("source", kind).WithError(err).Warn("live ticket lookup failed")
			return nil
		}
		if t == nil {
			return nil
		}
		return ticketViewFromLive(t)
	}

	if kind, externalID, ok := ParseVirtualID(id); ok {
		if v := fetchLive(kind, externalID); v != nil {
			return v, nil
		}
	}

	if _, err := uuid.Parse(id); err == nil {
		var t models.Ticket
		err := r.db.WithContext(ctx).Where("company_id = ? AND id = ?", companyID, id).First(&t).Error
		switch {
		case err == nil:
			return ticketViewFromModel(&t), nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			log.WithError(err).Warn("local ticket lookup failed")
		}
	}

	upper := strings.ToUpper(id)
	var t models.Ticket
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND (servicenow_ticket_id IN ? OR jira_ticket_id IN ?)", companyID, []string{id, upper}, []string{id, upper}).
		First(&t).Error
	switch {
	case err == nil:
		return ticketViewFromModel(&t), nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		log.WithError(err).Warn("local external id lookup failed")
	}

	switch {
	case serviceNowNumber.MatchString(upper):
		if v := fetchLive(SourceServiceNow, upper); v != nil {
			return v, nil
		}
	case jira.IsIssueKey(upper):
		if v := fetchLive(SourceJira, upper); v != nil {
			return v, nil
		}
	}
	return nil, ErrNotFound
}
