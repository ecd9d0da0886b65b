package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	appmetrics "flowstream/internal/metrics"
	"flowstream/internal/version"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ClientCounter websocket 连接数
type ClientCounter interface {
	ClientCount() int
}

// OpenCounter 处于打开状态的熔断器数量
type OpenCounter interface {
	OpenCount() int
}

// MetricsHandler Prometheus 文本格式指标
type MetricsHandler struct {
	ws        ClientCounter
	breakers  OpenCounter
	db        *gorm.DB
	startedAt time.Time
}

func NewMetricsHandler(ws ClientCounter, breakers OpenCounter, db *gorm.DB) *MetricsHandler {
	return &MetricsHandler{ws: ws, breakers: breakers, db: db, startedAt: time.Now()}
}

func writeMetric(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
}

func escapeLabel(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
}

func writeLabeled(b *strings.Builder, name, label string, by map[string]uint64, fallback string) {
	if len(by) == 0 {
		fmt.Fprintf(b, "%s{%s=\"%s\"} 0\n", name, label, fallback)
		return
	}
	for _, k := range appmetrics.SortedKeys(by) {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, escapeLabel(k), by[k])
	}
}

// GetMetrics 获取系统指标
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	b := &strings.Builder{}

	writeMetric(b, "flowstream_info", "gauge", "Build information")
	fmt.Fprintf(b, "flowstream_info{version=\"%s\",commit=\"%s\",build_time=\"%s\"} 1\n\n",
		escapeLabel(version.Version), escapeLabel(version.Commit), escapeLabel(version.BuildTime))

	writeMetric(b, "flowstream_uptime_seconds", "counter", "Process uptime in seconds")
	fmt.Fprintf(b, "flowstream_uptime_seconds %.0f\n\n", time.Since(h.startedAt).Seconds())

	wsClients := 0
	if h.ws != nil {
		wsClients = h.ws.ClientCount()
	}
	writeMetric(b, "flowstream_websocket_active_connections", "gauge", "Active websocket connections")
	fmt.Fprintf(b, "flowstream_websocket_active_connections %d\n\n", wsClients)

	openBreakers := 0
	if h.breakers != nil {
		openBreakers = h.breakers.OpenCount()
	}
	writeMetric(b, "flowstream_adapter_circuit_open", "gauge", "Ticket source circuit breakers currently open")
	fmt.Fprintf(b, "flowstream_adapter_circuit_open %d\n\n", openBreakers)

	total, bySource := appmetrics.AdapterFailureSnapshot()
	writeMetric(b, "flowstream_adapter_failures_total", "counter", "External ticket source calls that failed")
	writeLabeled(b, "flowstream_adapter_failures_total", "source", bySource, "servicenow")
	fmt.Fprintf(b, "flowstream_adapter_failures_all_total %d\n\n", total)

	sync := appmetrics.SyncStats()
	writeMetric(b, "flowstream_sync_runs_total", "counter", "Sync operations executed")
	writeLabeled(b, "flowstream_sync_runs_total", "operation", sync.Runs, "tickets")
	writeMetric(b, "flowstream_sync_added_total", "counter", "Records inserted by sync")
	writeLabeled(b, "flowstream_sync_added_total", "operation", sync.Added, "tickets")
	writeMetric(b, "flowstream_sync_updated_total", "counter", "Records updated by sync")
	writeLabeled(b, "flowstream_sync_updated_total", "operation", sync.Updated, "tickets")
	b.WriteString("\n")

	writeMetric(b, "flowstream_go_goroutines", "gauge", "Number of goroutines")
	fmt.Fprintf(b, "flowstream_go_goroutines %d\n", runtime.NumGoroutine())
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeMetric(b, "flowstream_go_mem_alloc_bytes", "gauge", "Bytes of allocated heap objects")
	fmt.Fprintf(b, "flowstream_go_mem_alloc_bytes %d\n", ms.Alloc)

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			ds := sqlDB.Stats()
			b.WriteString("\n")
			writeMetric(b, "flowstream_db_open_connections", "gauge", "Established connections both in use and idle")
			fmt.Fprintf(b, "flowstream_db_open_connections %d\n", ds.OpenConnections)
			writeMetric(b, "flowstream_db_inuse_connections", "gauge", "Connections currently in use")
			fmt.Fprintf(b, "flowstream_db_inuse_connections %d\n", ds.InUse)
			writeMetric(b, "flowstream_db_wait_count", "counter", "Total number of connections waited for")
			fmt.Fprintf(b, "flowstream_db_wait_count %d\n", ds.WaitCount)
			writeMetric(b, "flowstream_db_wait_duration_seconds", "counter", "Total time blocked waiting for a new connection")
			fmt.Fprintf(b, "flowstream_db_wait_duration_seconds %.6f\n", ds.WaitDuration.Seconds())
		}
	}

	drops, byPrefix := appmetrics.RateLimitSnapshot()
	b.WriteString("\n")
	writeMetric(b, "flowstream_ratelimit_dropped_total", "counter", "HTTP 429 responses due to rate limiting")
	writeLabeled(b, "flowstream_ratelimit_dropped_total", "prefix", byPrefix, "global")
	fmt.Fprintf(b, "flowstream_ratelimit_dropped_all_total %d\n", drops)

	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}
