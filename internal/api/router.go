package api

import (
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/api/handlers"
	"github.com/jar-obfuscator/jobf-go/internal/config"
	"github.com/jar-obfuscator/jobf-go/internal/metrics"
	"github.com/jar-obfuscator/jobf-go/internal/service"
)

// Version 服务版本
const Version = "1.0.0"

func SetupRouter(cfg *config.Config, logger *logrus.Logger, jobService service.JobService, promMetrics *metrics.Metrics, memMonitor *metrics.MemoryMonitor, progressHandler *handlers.ProgressHandler) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	jobHandler := handlers.NewJobHandler(jobService, int64(cfg.Server.MaxUploadMB), logger)

	// 性能监控端点 (仅在非生产环境)
	if cfg.Server.Mode != "release" {
		registerPprof(r)
		logger.Info("pprof endpoints registered at /debug/pprof/*")
	}

	// 内存监控端点
	if memMonitor != nil {
		r.GET("/debug/memory", memMonitor.StatsEndpoint())
		r.POST("/debug/gc", forceGC())
	}

	// Prometheus 指标端点
	if promMetrics != nil && cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, promMetrics.Handler())
	}

	// 进度推送
	if progressHandler != nil {
		r.GET("/ws/jobs/:id", progressHandler.HandleWebSocket)
	}

	// 健康检查（无需认证）
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	v1 := r.Group("/api")
	v1.Use(TokenAuthMiddleware(cfg.Server.APIToken))
	{
		// 系统统计
		v1.GET("/stats", jobHandler.GetSystemStats)

		// 任务管理
		v1.POST("/jobs", jobHandler.UploadJar)
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.DELETE("/jobs/:id", jobHandler.DeleteJob)
		v1.POST("/jobs/:id/cancel", jobHandler.CancelJob)
		v1.POST("/jobs/:id/retry", jobHandler.RetryJob)

		// 产物
		v1.GET("/jobs/:id/output", jobHandler.DownloadOutput)
		v1.GET("/jobs/:id/mapping.txt", jobHandler.DownloadMapping)
		v1.GET("/jobs/:id/mappings", jobHandler.ListMappings)
	}

	return r
}

// registerPprof 注册 net/http/pprof 处理器
func registerPprof(r *gin.Engine) {
	g := r.Group("/debug/pprof")
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	g.GET("/:name", func(c *gin.Context) {
		pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
}

// forceGC 手动触发 GC
func forceGC() gin.HandlerFunc {
	return func(c *gin.Context) {
		runtime.GC()
		c.JSON(200, gin.H{
			"message": "GC triggered successfully",
		})
	}
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
