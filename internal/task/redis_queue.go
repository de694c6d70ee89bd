package task

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "X402-Agent/internal/errors"
)

const defaultRedisQueue = "x402:collaborations"

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Queue     string        `json:"queue"`
	BlockWait time.Duration `json:"block_wait"`
}

// RedisQueue 使用 Redis list 实现协作任务队列。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRedisQueue
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败",
			xerrors.WithMetadata("task_id", taskID), xerrors.WithRetryable(true))
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取任务。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if stdErrors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				taskID := values[1]
				if handlerErr := handler(ctx, taskID); handlerErr != nil {
					// 处理失败时重新投递任务。
					_ = q.client.RPush(ctx, q.queue, taskID).Err()
				}
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
