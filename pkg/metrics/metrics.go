// Package metrics 提供 Prometheus helper，包含记账业务的 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/ledgerr/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 交易创建计数（含 PENDING）
	TransactionsCreated prometheus.Counter
	// 交易成功过账计数
	TransactionsPosted prometheus.Counter
	// 交易被拒绝计数（校验失败 / 余额不足）
	TransactionsRejected prometheus.Counter
	// 乐观锁冲突重试计数
	PostingConflicts prometheus.Counter
	// 重试耗尽计数
	PostingConflictsExhausted prometheus.Counter
	// 过账耗时
	PostingDuration prometheus.Histogram

	// Outbox 已发布事件计数
	OutboxPublished prometheus.Counter
	// Outbox 发布失败计数
	OutboxPublishFailures prometheus.Counter
	// 超过重试上限、需人工处理的事件计数
	OutboxDeadEvents prometheus.Counter
	// 当前待发布事件数
	OutboxPendingEvents prometheus.Gauge

	// 对账发现的差异计数
	ReconciliationMismatches prometheus.Counter
	// 对账解决计数
	ReconciliationResolved prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "http_requests_total", Help: "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		TransactionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "transactions_created_total", Help: "Total transactions created",
		}),
		TransactionsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "transactions_posted_total", Help: "Total transactions posted",
		}),
		TransactionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "transactions_rejected_total", Help: "Total transactions rejected",
		}),
		PostingConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "posting_conflicts_total", Help: "Total optimistic lock conflicts during posting",
		}),
		PostingConflictsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "posting_conflicts_exhausted_total", Help: "Total postings that exhausted conflict retries",
		}),
		PostingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "posting_duration_seconds", Help: "Posting duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "outbox_events_published_total", Help: "Total outbox events published",
		}),
		OutboxPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "outbox_publish_failures_total", Help: "Total outbox publish failures",
		}),
		OutboxDeadEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "outbox_dead_events_total", Help: "Total outbox events flagged for manual attention",
		}),
		OutboxPendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "outbox_pending_events", Help: "Current unpublished outbox events",
		}),
		ReconciliationMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "reconciliation_mismatches_total", Help: "Total reconciliation mismatches detected",
		}),
		ReconciliationResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerr", Subsystem: serviceName,
			Name: "reconciliation_resolved_total", Help: "Total reconciliations resolved",
		}),
	}
}

// Register 将所有指标注册到给定 registry
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.TransactionsCreated, m.TransactionsPosted, m.TransactionsRejected,
		m.PostingConflicts, m.PostingConflictsExhausted, m.PostingDuration,
		m.OutboxPublished, m.OutboxPublishFailures, m.OutboxDeadEvents, m.OutboxPendingEvents,
		m.ReconciliationMismatches, m.ReconciliationResolved,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ExposeHTTP 启动独立的指标 HTTP 服务
func (m *Metrics) ExposeHTTP(port int, path string) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		logger.Error(context.Background(), "failed to register metrics", "error", err)
		return
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "metrics server starting", "addr", addr, "path", path)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(context.Background(), "metrics server exited", "error", err)
	}
}
