package services

import (
	"context"
	"fmt"
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// EventPublisher pushes stage-transition updates to streaming consumers.
// Publishing is best-effort: the orchestrator logs failures and keeps going.
type EventPublisher interface {
	PublishStageUpdate(ctx context.Context, update *models.StageUpdate) error
	HealthCheck(ctx context.Context) error
}

type RedisPublisher struct {
	client *redis.Client
	logger *logger.Logger
	config config.RedisConfig
}

func NewRedisPublisher(cfg config.RedisConfig, log *logger.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Event Publisher Initialized Successfully",
		"redis_url", cfg.URL,
		"pool_size", cfg.PoolSize)

	return &RedisPublisher{
		client: client,
		logger: log,
		config: cfg,
	}, nil
}

func (publisher *RedisPublisher) PublishStageUpdate(ctx context.Context, update *models.StageUpdate) error {
	streamName := fmt.Sprintf("analysis:%s:updates", update.AnalysisID)

	values := map[string]interface{}{
		"type":        "stage_update",
		"analysis_id": update.AnalysisID,
		"stage":       update.Stage,
		"status":      string(update.Status),
		"message":     update.Message,
		"progress":    fmt.Sprintf("%.1f", update.Progress),
		"timestamp":   update.Timestamp.Format(time.RFC3339),
	}
	if update.Error != "" {
		values["error"] = update.Error
	}

	messageID, err := publisher.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: values,
		MaxLen: 1024,
		Approx: true,
	}).Result()

	if err != nil {
		publisher.logger.LogService("redis", "publish_stage_update", 0, map[string]interface{}{
			"stream_name": streamName,
			"stage":       update.Stage,
			"analysis_id": update.AnalysisID,
		}, err)
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "Failed to publish stage update").WithCause(err)
	}

	publisher.logger.WithFields(logger.Fields{
		"stream_name": streamName,
		"message_id":  messageID,
		"stage":       update.Stage,
		"progress":    update.Progress,
	}).Debug("Published Stage Update Successfully")

	return nil
}

func (publisher *RedisPublisher) HealthCheck(ctx context.Context) error {
	if err := publisher.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis connection unhealthy: %w", err)
	}
	return nil
}

func (publisher *RedisPublisher) Close() error {
	publisher.logger.Info("Closing Event Publisher")
	if err := publisher.client.Close(); err != nil {
		return fmt.Errorf("error closing Redis connection: %w", err)
	}
	return nil
}
