package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/task"
	"github.com/redis/go-redis/v9"
)

// listClient is the subset of *redis.Client used by Redis.
type listClient interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// Redis pops jobs from one list and pushes results onto another. A popped
// job is gone from Redis, so its messages carry no Ack.
type Redis struct {
	client       listClient
	inputList    string
	outputList   string
	blockTimeout time.Duration
}

// NewRedis returns a transport over client.
func NewRedis(client listClient, inputList, outputList string, blockTimeout time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if inputList == "" || outputList == "" {
		return nil, errors.New("input and output lists must be set")
	}
	if blockTimeout <= 0 {
		blockTimeout = 20 * time.Second
	}
	return &Redis{
		client:       client,
		inputList:    inputList,
		outputList:   outputList,
		blockTimeout: blockTimeout,
	}, nil
}

// Receive implements Source.
func (r *Redis) Receive(ctx context.Context) ([]Message, error) {
	// BLPop returns [key, value]
	result, err := r.client.BLPop(ctx, r.blockTimeout, r.inputList).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", r.inputList, err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(result))
	}
	return []Message{{Body: []byte(result[1])}}, nil
}

// Publish implements task.ResultPublisher.
func (r *Redis) Publish(ctx context.Context, result task.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := r.client.RPush(ctx, r.outputList, data).Err(); err != nil {
		return fmt.Errorf("failed to push result to %s: %w", r.outputList, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
