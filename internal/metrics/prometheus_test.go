package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 创建测试用的指标收集器
func setupTestMetrics(t *testing.T) *Metrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger, "")
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	m := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(m.HTTPMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/test", "200")))
}

// TestRecordRunMetrics 测试处理指标记录
func TestRecordRunMetrics(t *testing.T) {
	m := setupTestMetrics(t)

	m.RecordPhase("rename", 20*time.Millisecond)
	m.RecordRun("completed", time.Second)
	m.RecordClassesProcessed(12)
	m.UpdateLibraryClasses(3000)
	m.RecordRenames(4, 7, 2)
	m.RecordStageFailure("hide_members")
	m.RecordSerializationFallback()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.classesProcessed))
	assert.Equal(t, float64(3000), testutil.ToFloat64(m.libraryClasses))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.renamesTotal.WithLabelValues("method")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stageFailuresTotal.WithLabelValues("hide_members")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.serializationFallbacks))
	assert.Equal(t, 1, testutil.CollectAndCount(m.phaseDuration))
}

// TestRecordJobMetrics 测试任务指标记录
func TestRecordJobMetrics(t *testing.T) {
	m := setupTestMetrics(t)

	m.RecordJobCreated()
	m.RecordJobStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobsInProgress))

	m.RecordJobCompleted()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.jobsInProgress))

	m.RecordJobStarted()
	m.RecordJobFailed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.jobsTotal.WithLabelValues("running")))
}

// TestNilMetrics 测试 nil 收集器的调用安全
func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPhase("decode", time.Second)
		m.RecordRun("failed", time.Second)
		m.RecordRenames(1, 1, 1)
		m.RecordStageFailure("x")
		m.RecordSerializationFallback()
		m.RecordJobCreated()
		m.UpdateWorkerPoolStats(1, 1)
		m.UpdateMemoryStats(MemoryStats{})
		m.RecordRetryAttempt("storage", 1)
	})
}

// TestRecordRetryMetrics 测试重试指标
func TestRecordRetryMetrics(t *testing.T) {
	m := setupTestMetrics(t)

	m.RecordRetryAttempt("rabbitmq", 1)
	m.RecordRetryAttempt("rabbitmq", 2)
	m.RecordRetrySuccess("rabbitmq")

	assert.Equal(t, 2, testutil.CollectAndCount(m.retryAttemptsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retrySuccessTotal.WithLabelValues("rabbitmq")))
}

// TestConcurrentMetrics 测试并发指标记录
func TestConcurrentMetrics(t *testing.T) {
	m := setupTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.RecordClassesProcessed(1)
				m.RecordStageFailure("shuffle_members")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(30), testutil.ToFloat64(m.classesProcessed))
	assert.Equal(t, float64(30), testutil.ToFloat64(m.stageFailuresTotal.WithLabelValues("shuffle_members")))
}

// TestPrometheusHandler 测试指标端点
func TestPrometheusHandler(t *testing.T) {
	m := setupTestMetrics(t)
	m.RecordRun("completed", 2*time.Second)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", m.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
	assert.Contains(t, w.Body.String(), "jobf_runs_total")
}

// TestWriteTextfile 测试 textfile 导出
func TestWriteTextfile(t *testing.T) {
	m := setupTestMetrics(t)
	m.RecordClassesProcessed(5)

	path := filepath.Join(t.TempDir(), "jobf.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "jobf_classes_processed_total 5")
}

// TestMemoryMonitor 测试内存采样
func TestMemoryMonitor(t *testing.T) {
	m := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mon := NewMemoryMonitor(logger, m, time.Hour)
	mon.Start()
	defer mon.Stop()

	stats := mon.GetStats()
	assert.Greater(t, stats.Alloc, uint64(0))
	assert.Greater(t, stats.Goroutines, 0)
	assert.Greater(t, testutil.ToFloat64(m.memoryUsage), float64(0))

	mon.Stop()
}

// BenchmarkRecordClassesProcessed 基准测试：处理计数
func BenchmarkRecordClassesProcessed(b *testing.B) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := New(logger, "bench")

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.RecordClassesProcessed(1)
		}
	})
}
