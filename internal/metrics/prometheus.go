// Package metrics 收集混淆处理与服务的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DefaultNamespace 默认指标命名空间
const DefaultNamespace = "jobf"

// Metrics Prometheus 指标收集器
//
// 所有 Record/Update 方法对 nil 接收者安全，CLI 不导出指标时直接传 nil。
type Metrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 处理指标
	runsTotal              *prometheus.CounterVec
	runDuration            *prometheus.HistogramVec
	phaseDuration          *prometheus.HistogramVec
	classesProcessed       prometheus.Counter
	libraryClasses         prometheus.Gauge
	renamesTotal           *prometheus.CounterVec
	stageFailuresTotal     *prometheus.CounterVec
	serializationFallbacks prometheus.Counter

	// 任务指标
	jobsTotal      *prometheus.CounterVec
	jobsInProgress prometheus.Gauge

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

// New 创建使用独立注册表的指标收集器
func New(logger *logrus.Logger, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		logger:   logger,
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of obfuscation runs",
			},
			[]string{"status"}, // completed, failed
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Obfuscation run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		phaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of each run phase in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"phase"}, // decode, classpath, rename, remap, stages
		),
		classesProcessed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classes_processed_total",
				Help:      "Total number of classes written by the stage pipeline",
			},
		),
		libraryClasses: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "library_classes",
				Help:      "Number of library classes loaded for the last run",
			},
		),
		renamesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renames_total",
				Help:      "Total number of renamed symbols",
			},
			[]string{"kind"}, // class, method, field
		),
		stageFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of recovered per-class stage failures",
			},
			[]string{"stage"},
		),
		serializationFallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "serialization_fallbacks_total",
				Help:      "Total number of classes re-encoded in the minimal mode",
			},
		),

		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of obfuscation jobs",
			},
			[]string{"status"}, // queued, running, completed, failed
		),
		jobsInProgress: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_progress",
				Help:      "Number of jobs currently in progress",
			},
		),

		memoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of job workers",
			},
		),
		workerPoolQueueSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of jobs waiting in the pool",
			},
		),

		retryAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"}, // operation: rabbitmq/storage
		),
		retrySuccessTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_success_total",
				Help:      "Total number of successful retries",
			},
			[]string{"operation"},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return m
}

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (m *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// HTTPHandler 返回注册表的 HTTP Handler
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Handler 返回 gin 形式的指标端点
func (m *Metrics) Handler() gin.HandlerFunc {
	h := m.HTTPHandler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// WriteTextfile 以 node_exporter textfile 格式写出所有指标
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// RecordPhase 记录处理阶段耗时
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRun 记录一次处理结束
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordClassesProcessed 记录写出的类数量
func (m *Metrics) RecordClassesProcessed(count int) {
	if m == nil {
		return
	}
	m.classesProcessed.Add(float64(count))
}

// UpdateLibraryClasses 更新依赖库类数量
func (m *Metrics) UpdateLibraryClasses(count int) {
	if m == nil {
		return
	}
	m.libraryClasses.Set(float64(count))
}

// RecordRenames 记录重命名数量
func (m *Metrics) RecordRenames(classes, methods, fields int) {
	if m == nil {
		return
	}
	m.renamesTotal.WithLabelValues("class").Add(float64(classes))
	m.renamesTotal.WithLabelValues("method").Add(float64(methods))
	m.renamesTotal.WithLabelValues("field").Add(float64(fields))
}

// RecordStageFailure 记录阶段失败
func (m *Metrics) RecordStageFailure(stage string) {
	if m == nil {
		return
	}
	m.stageFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordSerializationFallback 记录序列化降级
func (m *Metrics) RecordSerializationFallback() {
	if m == nil {
		return
	}
	m.serializationFallbacks.Inc()
}

// RecordJobCreated 记录任务创建
func (m *Metrics) RecordJobCreated() {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues("queued").Inc()
}

// RecordJobStarted 记录任务开始
func (m *Metrics) RecordJobStarted() {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues("running").Inc()
	m.jobsInProgress.Inc()
}

// RecordJobCompleted 记录任务完成
func (m *Metrics) RecordJobCompleted() {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues("completed").Inc()
	m.jobsInProgress.Dec()
}

// RecordJobFailed 记录任务失败
func (m *Metrics) RecordJobFailed() {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues("failed").Inc()
	m.jobsInProgress.Dec()
}

// UpdateMemoryStats 更新内存统计
func (m *Metrics) UpdateMemoryStats(stats MemoryStats) {
	if m == nil {
		return
	}
	m.memoryUsage.Set(float64(stats.Alloc))
	m.goroutinesCount.Set(float64(stats.Goroutines))
	m.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (m *Metrics) UpdateWorkerPoolStats(size, queueSize int) {
	if m == nil {
		return
	}
	m.workerPoolSize.Set(float64(size))
	m.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordRetryAttempt 记录重试尝试
func (m *Metrics) RecordRetryAttempt(operation string, attempt int) {
	if m == nil {
		return
	}
	m.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试成功
func (m *Metrics) RecordRetrySuccess(operation string) {
	if m == nil {
		return
	}
	m.retrySuccessTotal.WithLabelValues(operation).Inc()
}
