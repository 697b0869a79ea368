// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 生成流水线指标
	generationRuns        *prometheus.CounterVec
	generationRunDuration prometheus.Histogram
	stageDuration         *prometheus.HistogramVec
	reconstructionPolls   *prometheus.CounterVec
	cancellations         *prometheus.CounterVec
	sessionsActive        prometheus.Gauge

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 在指定 Registerer 上注册指标
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 生成流水线指标
	c.generationRuns = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_runs_total",
			Help:      "Total number of finished generations by outcome",
		},
		[]string{"outcome"}, // completed, failed, cancelled, superseded
	)

	c.generationRunDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_run_duration_seconds",
			Help:      "Wall time from start to mesh URL for completed generations",
			Buckets:   []float64{10, 30, 60, 120, 180, 300, 600, 900, 1200},
		},
	)

	c.stageDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "status"},
	)

	c.reconstructionPolls = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconstruction_polls_total",
			Help:      "Total number of reconstruction status polls by reported status",
		},
		[]string{"status"},
	)

	c.cancellations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconstruction_cancellations_total",
			Help:      "Total number of remote job cancellations by result",
		},
		[]string{"result"}, // ok, failed
	)

	c.sessionsActive = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions held in memory",
		},
	)

	// 缓存指标
	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧊 生成流水线指标记录
// =============================================================================

// RecordRun 记录一次生成的最终结果；仅 completed 记录总耗时
func (c *Collector) RecordRun(outcome string, elapsed time.Duration) {
	c.generationRuns.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		c.generationRunDuration.Observe(elapsed.Seconds())
	}
}

// RecordStage 记录单个阶段耗时
func (c *Collector) RecordStage(stage, status string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RecordPoll 记录一次重建状态轮询
func (c *Collector) RecordPoll(status string) {
	c.reconstructionPolls.WithLabelValues(status).Inc()
}

// RecordCancellation 记录远端任务取消结果
func (c *Collector) RecordCancellation(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.cancellations.WithLabelValues(result).Inc()
}

// SetSessionsActive 设置内存中的会话数
func (c *Collector) SetSessionsActive(n int) {
	c.sessionsActive.Set(float64(n))
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
