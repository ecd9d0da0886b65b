package services

import (
	"fmt"
	"strings"

	"flowstream/internal/models"
)

// StatusPolicy 同步时 Workflow 状态的迁移规则
type StatusPolicy string

const (
	// StatusPolicyMonotonic 终态不会被 processing 覆盖
	StatusPolicyMonotonic StatusPolicy = "monotonic"
	// StatusPolicyLatest 始终采用最新观测值
	StatusPolicyLatest StatusPolicy = "latest"
)

// ParseStatusPolicy 未知值按 monotonic 处理
func ParseStatusPolicy(s string) StatusPolicy {
	if StatusPolicy(strings.ToLower(strings.TrimSpace(s))) == StatusPolicyLatest {
		return StatusPolicyLatest
	}
	return StatusPolicyMonotonic
}

var collapsedStatus = map[string]string{
	"6":         models.WorkflowCompleted,
	"7":         models.WorkflowCompleted,
	"resolved":  models.WorkflowCompleted,
	"closed":    models.WorkflowCompleted,
	"done":      models.WorkflowCompleted,
	"completed": models.WorkflowCompleted,
	"solved":    models.WorkflowCompleted,
	"failed":    models.WorkflowFailed,
	"cancelled": models.WorkflowFailed,
	"canceled":  models.WorkflowFailed,
}

// CollapseStatus 把外部状态映射为 processing / completed / failed 之一
func CollapseStatus(raw string) string {
	if s, ok := collapsedStatus[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return models.WorkflowProcessing
}

var processingStatus = map[string]bool{
	"processing":  true,
	"new":         true,
	"open":        true,
	"pending":     true,
	"in progress": true,
	"in_progress": true,
	"on hold":     true,
	"1":           true,
	"2":           true,
	"3":           true,
}

// ParseStatusFilter 把列表筛选值映射为归并后的状态；无法识别的值返回 false
func ParseStatusFilter(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := collapsedStatus[key]; ok {
		return s, true
	}
	if processingStatus[key] {
		return models.WorkflowProcessing, true
	}
	return "", false
}

// IsTerminal completed 或 failed
func IsTerminal(status string) bool {
	return status == models.WorkflowCompleted || status == models.WorkflowFailed
}

// NextStatus 根据策略计算写入后的状态
func NextStatus(policy StatusPolicy, current, observed string) string {
	if policy == StatusPolicyMonotonic && IsTerminal(current) && !IsTerminal(observed) {
		return current
	}
	return observed
}

// statusUpsertExpr 与 NextStatus 等价的 SQL，用于 ON CONFLICT DO UPDATE
func statusUpsertExpr(policy StatusPolicy, table string) string {
	if policy == StatusPolicyLatest {
		return "excluded.status"
	}
	return fmt.Sprintf(
		"CASE WHEN %[1]s.status IN ('%[2]s','%[3]s') AND excluded.status = '%[4]s' THEN %[1]s.status ELSE excluded.status END",
		table, models.WorkflowCompleted, models.WorkflowFailed, models.WorkflowProcessing,
	)
}

// completedAtUpsertExpr 终态时保留最早的完成时间；latest 策略回到 processing 时清空
func completedAtUpsertExpr(policy StatusPolicy, table string) string {
	onProcessing := table + ".completed_at"
	if policy == StatusPolicyLatest {
		onProcessing = "NULL"
	}
	return fmt.Sprintf(
		"CASE WHEN excluded.status = '%s' THEN %s ELSE COALESCE(%s.completed_at, excluded.completed_at) END",
		models.WorkflowProcessing, onProcessing, table,
	)
}
