package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jar-obfuscator/jobf-go/internal/config"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/queue"
	"github.com/jar-obfuscator/jobf-go/internal/repository"
	"github.com/jar-obfuscator/jobf-go/internal/service"
	"github.com/jar-obfuscator/jobf-go/internal/storage"
)

// deferredDispatcher 未启用 RabbitMQ 时只重置状态，由服务启动时重新投递
type deferredDispatcher struct{}

func (deferredDispatcher) Dispatch(context.Context, *domain.Job) error { return nil }

func main() {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("requeue", pflag.ExitOnError)
	configPath := flags.String("config", "./configs/config.yaml", "YAML config file")
	status := flags.String("status", string(domain.JobStatusFailed), "requeue jobs in this status (failed or cancelled)")
	failureType := flags.String("failure-type", "", "only requeue jobs with this failure type")
	dryRun := flags.Bool("dry-run", false, "list matching jobs without requeueing")
	_ = flags.Parse(os.Args[1:])

	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) && !flags.Changed("config") {
		path = ""
	}
	cfg, err := config.Load(path, flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)
	cfg.Normalize(logger)

	ctx := context.Background()

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	jobRepo := repository.NewJobRepository(db, logger)

	store, err := storage.New(&cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}

	var dispatcher service.Dispatcher = deferredDispatcher{}
	if cfg.RabbitMQ.Enabled && !*dryRun {
		mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQ, 1, logger)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer mq.Close()
		dispatcher = service.NewQueueDispatcher(queue.NewProducer(mq, logger))
	}

	jobService := service.NewJobService(jobRepo, repository.NewMappingRepository(db, logger), store, dispatcher, nil, nil, logger)

	jobs, err := jobRepo.ListByStatus(ctx, domain.JobStatus(*status))
	if err != nil {
		log.Fatalf("Failed to query jobs: %v", err)
	}

	var matched []*domain.Job
	for _, job := range jobs {
		if *failureType != "" && string(job.FailureType) != *failureType {
			continue
		}
		matched = append(matched, job)
	}
	fmt.Printf("找到 %d 个 %s 任务\n", len(matched), *status)

	if *dryRun {
		for _, job := range matched {
			fmt.Printf("%s\t%s\t%s\t%s\n", job.ID, job.InputName, job.FailureType, job.ErrorMessage)
		}
		return
	}

	successCount := 0
	for i, job := range matched {
		if _, err := jobService.RetryJob(ctx, job.ID); err != nil {
			logger.WithError(err).WithField("job_id", job.ID).Error("Failed to requeue job")
			continue
		}
		successCount++
		if (i+1)%100 == 0 {
			fmt.Printf("进度: %d/%d\n", i+1, len(matched))
		}
	}

	logger.WithFields(logrus.Fields{
		"requeued": successCount,
		"total":    len(matched),
		"queue":    cfg.RabbitMQ.Enabled,
	}).Info("Requeue finished")
	fmt.Printf("\n成功重新入队 %d/%d 个任务\n", successCount, len(matched))
}
