package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the production Queue backend: one Redis list per workflow,
// pushed on the left and popped from the right so Peek can read the queue
// in dequeue order with a single LRANGE.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue wraps an existing Redis client.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func queueKey(workflowID string) string {
	return "queue:" + workflowID
}

func (q *RedisQueue) Enqueue(ctx context.Context, workflowID, taskID string) error {
	if err := q.rdb.LPush(ctx, queueKey(workflowID), taskID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s/%s: %w", workflowID, taskID, err)
	}
	return nil
}

// Dequeue uses BRPOP so the oldest enqueued task (the tail of the list) is
// returned first, giving FIFO order. A zero timeout blocks indefinitely, the
// same convention BRPOP itself uses.
func (q *RedisQueue) Dequeue(ctx context.Context, workflowID string, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, queueKey(workflowID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("queue: dequeue %s: %w", workflowID, err)
	}
	// BRPop returns [key, value].
	return res[1], nil
}

// Peek returns the next count task IDs without removing them. LRANGE
// returns the list's last count items head-to-tail, the reverse of BRPOP's
// pop order, so the result must be reversed to present it in dequeue order.
func (q *RedisQueue) Peek(ctx context.Context, workflowID string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	items, err := q.rdb.LRange(ctx, queueKey(workflowID), -int64(count), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: peek %s: %w", workflowID, err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (q *RedisQueue) Length(ctx context.Context, workflowID string) (int, error) {
	n, err := q.rdb.LLen(ctx, queueKey(workflowID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length %s: %w", workflowID, err)
	}
	return int(n), nil
}

func (q *RedisQueue) Clear(ctx context.Context, workflowID string) error {
	if err := q.rdb.Del(ctx, queueKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("queue: clear %s: %w", workflowID, err)
	}
	return nil
}
