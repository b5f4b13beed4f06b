package pipeline

import (
	"context"
	"strings"

	"OnyxLab-Core/internal/config"
	xerrors "OnyxLab-Core/internal/errors"
)

// NewQueue 根据配置创建部署队列，支持 memory、redis 与 rabbitmq。
func NewQueue(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.MemorySize), nil
	case "redis":
		return NewRedisQueue(ctx, RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password(),
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL(),
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "不支持的队列驱动: "+cfg.Driver)
	}
}
