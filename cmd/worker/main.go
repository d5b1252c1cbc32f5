// Package main implements the generation worker. It consumes jobs from the
// job topic, runs them against the pipeline with a bounded pool, honours
// revoke requests from the control topic and publishes every outcome to the
// result topic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/config"
	"github.com/phrazzld/slidegen/internal/pipeline"
	"github.com/phrazzld/slidegen/internal/platform/kafka"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/phrazzld/slidegen/internal/task"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(cfg.Dispatch.Brokers) == 0 {
		return fmt.Errorf("dispatch.brokers is required for the worker")
	}

	log, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := pipeline.NewClient(pipeline.Config{
		BaseURL: cfg.Pipeline.BaseURL,
		Timeout: time.Duration(cfg.Pipeline.TimeoutSeconds) * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create pipeline client: %w", err)
	}

	producer, err := kafka.NewProducer(cfg.Dispatch.Brokers)
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			log.Error("error closing kafka producer", "error", err)
		}
	}()

	publisher, err := kafka.NewResultPublisher(producer, cfg.Dispatch.ResultTopic)
	if err != nil {
		return err
	}

	dcfg := task.DefaultLocalDispatcherConfig()
	dcfg.WorkerCount = cfg.Dispatch.WorkerCount
	dcfg.QueueSize = cfg.Dispatch.WorkerCount
	dispatcher := task.NewLocalDispatcher(runner, dcfg, log)
	dispatcher.SetCompletionHandler(publisher.Publish)
	dispatcher.Start()
	defer dispatcher.Stop()

	jobs, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Dispatch.Brokers,
		GroupID: cfg.Dispatch.GroupID,
	}, log)
	if err != nil {
		return err
	}
	defer closeConsumer(jobs, log)

	// Every worker must see every revoke, so each joins its own group and
	// only reads revokes issued after it started.
	control, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    cfg.Dispatch.Brokers,
		GroupID:    fmt.Sprintf("%s-control-%s", cfg.Dispatch.GroupID, uuid.NewString()),
		FromNewest: true,
	}, log)
	if err != nil {
		return err
	}
	defer closeConsumer(control, log)

	log.Info("worker started",
		"brokers", cfg.Dispatch.Brokers,
		"job_topic", cfg.Dispatch.JobTopic,
		"control_topic", cfg.Dispatch.ControlTopic,
		"worker_count", dcfg.WorkerCount)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	consume := func(c *kafka.Consumer, topic string, handler kafka.MessageHandler) {
		defer wg.Done()
		if err := c.Consume(ctx, []string{topic}, handler); err != nil {
			errs <- fmt.Errorf("consuming %s: %w", topic, err)
			stop()
		}
	}

	wg.Add(2)
	go consume(jobs, cfg.Dispatch.JobTopic, kafka.JobHandler(dispatcher.SubmitWait))
	go consume(control, cfg.Dispatch.ControlTopic, kafka.ControlHandler(dispatcher.Revoke))
	wg.Wait()
	close(errs)

	log.Info("worker shutting down")
	return <-errs
}

func closeConsumer(c *kafka.Consumer, log *slog.Logger) {
	if err := c.Close(); err != nil {
		log.Error("error closing kafka consumer", "error", err)
	}
}
