package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/phrazzld/nvcf-orchestrator/internal/config"
	"github.com/redis/go-redis/v9"
)

// Open builds the transport selected by cfg.Backend. batch bounds how many
// SQS messages are taken per receive.
func Open(ctx context.Context, cfg config.QueueConfig, batch int) (Transport, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		r, err := NewRedis(client, cfg.InputList, cfg.OutputList, time.Duration(cfg.BlockTimeoutSeconds)*time.Second)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return r, nil
	case "sqs":
		client, err := newSQSClient(ctx, cfg.SQSRegion, cfg.SQSEndpoint)
		if err != nil {
			return nil, err
		}
		s, err := NewSQS(client, SQSOptions{
			InputURL:          cfg.SQSInputURL,
			OutputURL:         cfg.SQSOutputURL,
			WaitSeconds:       int32(cfg.SQSWaitSeconds),
			VisibilitySeconds: int32(cfg.SQSVisibilitySeconds),
			MaxMessages:       int32(min(batch, maxSQSBatch)),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// newSQSClient loads credentials from the default AWS chain. A custom
// endpoint points the client at a local emulator.
func newSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
