package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jar-obfuscator/jobf-go/internal/api"
	"github.com/jar-obfuscator/jobf-go/internal/api/handlers"
	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/classpath"
	"github.com/jar-obfuscator/jobf-go/internal/config"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/metrics"
	"github.com/jar-obfuscator/jobf-go/internal/queue"
	"github.com/jar-obfuscator/jobf-go/internal/repository"
	"github.com/jar-obfuscator/jobf-go/internal/service"
	"github.com/jar-obfuscator/jobf-go/internal/storage"
	"github.com/jar-obfuscator/jobf-go/internal/watcher"
	"github.com/jar-obfuscator/jobf-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("JAR Obfuscation Server\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	_ = godotenv.Load()
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configPath := flags.String("config", "./configs/config.yaml", "YAML config file")
	flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) && !flags.Changed("config") {
		path = ""
	}
	cfg, err := config.Load(path, flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	cfg.Normalize(logger)
	logger.Infof("Starting JAR Obfuscation Server %s", Version)
	if path != "" {
		logger.Infof("Config loaded from: %s", path)
	}

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	jobRepo := repository.NewJobRepository(db, logger)
	mappingRepo := repository.NewMappingRepository(db, logger)

	// 5. 指标与内存监控
	promMetrics := metrics.New(logger, "")
	memMonitor := metrics.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 6. 产物存储
	store, err := storage.New(&cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("Failed to init storage: %v", err)
	}
	if s3, ok := store.(*storage.S3Store); ok {
		s3.SetObserver(promMetrics)
	}
	logger.WithField("type", cfg.Storage.Type).Info("Artifact storage initialized")

	// 7. 初始化核心编排器
	compression, err := archive.ParseCompression(cfg.Obfuscation.Compression)
	if err != nil {
		logger.Fatalf("Invalid compression: %v", err)
	}
	loader, err := classpath.NewLoader(cfg.Obfuscation.Threads, cfg.Obfuscation.Classpath.CacheSize, logger)
	if err != nil {
		logger.Fatalf("Failed to create classpath loader: %v", err)
	}
	orchestrator, err := worker.NewOrchestrator(&cfg.Obfuscation, loader, promMetrics, logger)
	if err != nil {
		logger.Fatalf("Invalid obfuscation config: %v", err)
	}

	progressHandler := handlers.NewProgressHandler(logger)
	progressHandler.Start()
	defer progressHandler.Stop()

	runner := worker.NewJobRunner(orchestrator, jobRepo, mappingRepo, store, compression, promMetrics, logger)
	runner.SetNotifier(progressHandler)

	// 中断的任务重新排队
	if err := recoverInterruptedJobs(context.Background(), jobRepo, logger); err != nil {
		logger.WithError(err).Warn("Failed to recover interrupted jobs")
	}

	// 8. 任务分发：RabbitMQ 或进程内 Worker Pool
	var (
		dispatcher service.Dispatcher
		consumer   *queue.Consumer
		mq         *queue.RabbitMQ
		pool       *worker.Pool
	)
	if cfg.RabbitMQ.Enabled {
		// prefetch count = worker concurrency，以支持并行消费
		mq, err = queue.NewRabbitMQ(context.Background(), cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()
		logger.WithField("prefetch_count", cfg.Worker.Concurrency).Info("RabbitMQ connected successfully")

		// 以数据库为准重建队列
		if purged, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with republish...")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}

		dispatcher = service.NewQueueDispatcher(queue.NewProducer(mq, logger))
		consumer = queue.NewConsumer(mq, func(ctx context.Context, msg *queue.JobMessage) error {
			return runner.Execute(ctx, msg.JobID)
		}, cfg.Worker.Concurrency, logger)
	} else {
		pool = worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, runner, promMetrics, logger)
		pool.Start(context.Background())
		defer pool.Stop()
		dispatcher = service.NewPoolDispatcher(pool)
		logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)
	}

	jobService := service.NewJobService(jobRepo, mappingRepo, store, dispatcher, runner, promMetrics, logger)

	if n, err := jobService.RequeuePending(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to requeue pending jobs")
	} else if n > 0 {
		logger.WithField("count", n).Info("Pending jobs requeued")
	}

	if consumer != nil {
		if err := consumer.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Infof("Job consumer started with %d workers", cfg.Worker.Concurrency)
	}

	// 9. 启动文件监控
	if cfg.Watcher.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(cfg.Watcher.Dir, watcher.Options{
			ScanExisting: cfg.Watcher.ScanExisting,
			ProcessedDir: cfg.Watcher.ProcessedDir,
		}, createFileHandler(jobService, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.Dir)
	}

	// 10. 设置 HTTP Server
	router := api.SetupRouter(cfg, logger, jobService, promMetrics, memMonitor, progressHandler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 10分钟，支持大文件上传
		WriteTimeout: 5 * time.Minute,  // 5分钟，支持大文件下载
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 11. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 12. 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// createFileHandler 投递目录中的新归档直接创建任务
func createFileHandler(jobService service.JobService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read %s: %w", filePath, err)
		}

		job, err := jobService.CreateJob(ctx, filepath.Base(filePath), content)
		if err != nil && job == nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		if err != nil {
			// 任务已落库，下次启动时重新投递
			logger.WithError(err).WithField("job_id", job.ID).Warn("Job created but dispatch failed")
		}

		logger.WithFields(logrus.Fields{
			"job_id":     job.ID,
			"input_name": job.InputName,
			"file_path":  filePath,
		}).Info("Job created from watched file")
		return nil
	}
}

// recoverInterruptedJobs 把服务重启前仍在执行的任务重新排队
func recoverInterruptedJobs(ctx context.Context, jobs repository.JobRepository, logger *logrus.Logger) error {
	logger.Info("Checking for jobs interrupted by the previous run...")

	stuck, err := jobs.ListByStatus(ctx, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to query running jobs: %w", err)
	}
	if len(stuck) == 0 {
		logger.Info("No interrupted jobs found")
		return nil
	}

	ids := make([]string, 0, len(stuck))
	for _, job := range stuck {
		if err := jobs.ResetForRetry(ctx, job.ID); err != nil {
			logger.WithError(err).WithField("job_id", job.ID).Error("Failed to reset interrupted job")
			continue
		}
		ids = append(ids, job.ID)
	}

	logger.WithFields(logrus.Fields{
		"count": len(ids),
		"jobs":  ids,
	}).Warn("Interrupted jobs reset to queued")
	return nil
}
