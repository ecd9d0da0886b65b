package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"flowstream/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ListMode 列表数据来源
type ListMode string

const (
	ListModeDB   ListMode = "db"
	ListModeLive ListMode = "live"
)

// ParseListMode 只有显式的 db 走缓存，其余走实时
func ParseListMode(s string) ListMode {
	if strings.EqualFold(strings.TrimSpace(s), string(ListModeDB)) {
		return ListModeDB
	}
	return ListModeLive
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// ClampPage limit 限定在 [1,100]，缺省 10；负 offset 视为 0
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListFilter 状态与关键字过滤
type ListFilter struct {
	Status string
	Search string
}

// ListResult 分页结果；live 模式下 Total 只是拉取缓冲区的大小
type ListResult[T any] struct {
	Items []T      `json:"items"`
	Total int64    `json:"total"`
	Mode  ListMode `json:"mode"`
}

// QueryService 列表查询与分页
type QueryService struct {
	db      *gorm.DB
	sources SourceProvider
	margin  int
	logger  *logrus.Logger
}

// NewQueryService margin 为实时模式的缓冲余量
func NewQueryService(db *gorm.DB, sources SourceProvider, margin int, logger *logrus.Logger) *QueryService {
	if logger == nil {
		logger = logrus.New()
	}
	if margin < 0 {
		margin = 0
	}
	return &QueryService{db: db, sources: sources, margin: margin, logger: logger}
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(strings.TrimSpace(s))) + "%"
}

func searchClause(columns ...string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf(`LOWER(COALESCE(%s, '')) LIKE ? ESCAPE '\'`, c)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func repeatArg(v interface{}, n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = v
	}
	return out
}

var workflowSearchColumns = []string{"subject", "sender", "servicenow_ticket_id", "jira_ticket_id"}
var ticketSearchColumns = []string{"subject", "description", "servicenow_ticket_id", "jira_ticket_id"}

// ListWorkflows 缓存分页；状态按归并后的值比较，无法识别的状态返回空结果
func (q *QueryService) ListWorkflows(ctx context.Context, companyID string, filter ListFilter, limit, offset int) (ListResult[models.Workflow], error) {
	limit, offset = ClampPage(limit, offset)
	res := ListResult[models.Workflow]{Items: []models.Workflow{}, Mode: ListModeDB}

	tx := q.db.WithContext(ctx).Model(&models.Workflow{}).Where("company_id = ?", companyID)
	if strings.TrimSpace(filter.Status) != "" {
		status, ok := ParseStatusFilter(filter.Status)
		if !ok {
			return res, nil
		}
		tx = tx.Where("status = ?", status)
	}
	if strings.TrimSpace(filter.Search) != "" {
		tx = tx.Where(searchClause(workflowSearchColumns...), repeatArg(likePattern(filter.Search), len(workflowSearchColumns))...)
	}

	if err := tx.Count(&res.Total).Error; err != nil {
		return res, fmt.Errorf("failed to count workflows: %w", err)
	}
	if int64(offset) >= res.Total {
		return res, nil
	}
	if err := tx.Order("started_at DESC").Order("id").Limit(limit).Offset(offset).Find(&res.Items).Error; err != nil {
		return res, fmt.Errorf("failed to list workflows: %w", err)
	}
	return res, nil
}

// ListTickets db 模式查本地缓存，live 模式实时拉取后在内存中过滤排序
func (q *QueryService) ListTickets(ctx context.Context, companyID string, mode ListMode, filter ListFilter, limit, offset int) (ListResult[TicketView], error) {
	limit, offset = ClampPage(limit, offset)
	if mode == ListModeDB {
		return q.listTicketsDB(ctx, companyID, filter, limit, offset)
	}
	return q.listTicketsLive(ctx, companyID, filter, limit, offset), nil
}

func (q *QueryService) listTicketsDB(ctx context.Context, companyID string, filter ListFilter, limit, offset int) (ListResult[TicketView], error) {
	res := ListResult[TicketView]{Items: []TicketView{}, Mode: ListModeDB}

	tx := q.db.WithContext(ctx).Model(&models.Ticket{}).Where("company_id = ?", companyID)
	if s := strings.TrimSpace(filter.Status); s != "" {
		tx = tx.Where("LOWER(status) = ?", strings.ToLower(s))
	}
	if strings.TrimSpace(filter.Search) != "" {
		tx = tx.Where(searchClause(ticketSearchColumns...), repeatArg(likePattern(filter.Search), len(ticketSearchColumns))...)
	}
	if err := tx.Count(&res.Total).Error; err != nil {
		return res, fmt.Errorf("failed to count tickets: %w", err)
	}
	if int64(offset) >= res.Total {
		return res, nil
	}
	var rows []models.Ticket
	if err := tx.Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return res, fmt.Errorf("failed to list tickets: %w", err)
	}
	for i := range rows {
		res.Items = append(res.Items, *ticketViewFromModel(&rows[i]))
	}
	return res, nil
}

func (q *QueryService) listTicketsLive(ctx context.Context, companyID string, filter ListFilter, limit, offset int) ListResult[TicketView] {
	res := ListResult[TicketView]{Items: []TicketView{}, Mode: ListModeLive}
	if q.sources == nil {
		return res
	}
	buffer := offset + limit + q.margin

	var all []TicketView
	for kind, out := range fetchAll(ctx, q.sources.Sources(ctx, companyID).List(), buffer) {
		if out.err != nil {
			q.logger.WithFields(logrus.Fields{
				"company_id": companyID,
				"source":     kind,
			}).WithError(out.err).Warn("live ticket list degraded")
			continue
		}
		for i := range out.tickets {
			v := ticketViewFromLive(&out.tickets[i])
			if matchTicket(v, filter) {
				all = append(all, *v)
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := sortTime(all[i].CreatedAt), sortTime(all[j].CreatedAt)
		if a.Equal(b) {
			return all[i].ID < all[j].ID
		}
		return a.After(b)
	})

	res.Total = int64(len(all))
	if offset >= len(all) {
		return res
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	res.Items = append(res.Items, all[offset:end]...)
	return res
}

// sortTime 无效时间按 Unix 纪元处理
func sortTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// matchTicket 与 db 模式相同的过滤规则
func matchTicket(v *TicketView, filter ListFilter) bool {
	if s := strings.TrimSpace(filter.Status); s != "" && !strings.EqualFold(v.Status, s) {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(filter.Search))
	if needle == "" {
		return true
	}
	for _, field := range []string{v.Subject, v.Description, v.ServiceNowTicketID, v.JiraTicketID} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
