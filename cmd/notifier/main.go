// Package main provides the notifier service entry point.
// It consumes patient notification events and delivers them to the downstream
// messaging gateway. Deliveries fan out through a bounded worker pool and the
// gateway sits behind a circuit breaker.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/infrastructure/redpanda"
	"github.com/veriscript/rx-lifecycle/internal/notify"
	"github.com/veriscript/rx-lifecycle/pkg/circuitbreaker"
	"github.com/veriscript/rx-lifecycle/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = []string{b}
	}
	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:9100/v1/messages"
	}

	if err := redpanda.HealthCheck(context.Background(), brokers); err != nil {
		logger.Fatal("broker health check failed", zap.Error(err))
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("notification-gateway"), logger)
	if err != nil {
		logger.Fatal("breaker creation failed", zap.Error(err))
	}

	deliverer := &gatewayDeliverer{
		url:     gatewayURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}

	pool, err := workerpool.New(workerpool.DefaultConfig(), deliverer.deliver, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	pool.Start()

	// Drain results so delivery failures are visible.
	go func() {
		for result := range pool.Results() {
			if !result.Success {
				logger.Warn("notification delivery failed",
					zap.String("task_id", result.TaskID),
					zap.Error(result.Error))
			}
		}
	}()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.GroupID = "notifier"
	consumerCfg.Topics = []string{redpanda.TopicPatientNotifications}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var notice notify.Notice
		if err := json.Unmarshal(msg.Value, &notice); err != nil {
			// Malformed payloads are dropped after logging; redelivery
			// cannot fix them.
			logger.Error("malformed notification payload",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			return nil
		}
		return pool.Submit(&workerpool.Task{
			ID:      fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: notice,
			Context: ctx,
		})
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("notifier started",
		zap.Strings("brokers", brokers),
		zap.String("gateway", gatewayURL))

	healthDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-healthDone:
				return
			case <-ticker.C:
				if !pool.IsHealthy() {
					stats := pool.Stats()
					logger.Warn("delivery queue backing up",
						zap.Int64("queue_depth", stats.QueueDepth),
						zap.Int("queue_capacity", stats.QueueCapacity))
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	close(healthDone)
	consumer.Stop()
	pool.Stop()

	stats := pool.Stats()
	logger.Info("notifier stopped",
		zap.Int64("delivered", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed))
}

// gatewayDeliverer posts notices to the messaging gateway.
type gatewayDeliverer struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func (g *gatewayDeliverer) deliver(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	notice, ok := task.Payload.(notify.Notice)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: fmt.Errorf("unexpected payload type %T", task.Payload)}
	}

	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.post(ctx, notice)
	})
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

func (g *gatewayDeliverer) post(ctx context.Context, notice notify.Notice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, payload)
	}
	return nil
}
