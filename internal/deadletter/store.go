package deadletter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ceotr/form-relay/internal/config"
)

const postgresConnectTimeout = 10 * time.Second

// New opens the store selected by cfg.Type. An empty type selects the log
// store.
func New(ctx context.Context, cfg config.DeadLetterConfig, log zerolog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "log":
		return NewLogStore(log), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("deadletter: file store requires path")
		}
		return NewFileStore(cfg.Path)
	case "redis":
		if cfg.RedisAddr == "" || cfg.RedisStream == "" {
			return nil, fmt.Errorf("deadletter: redis store requires redis_addr and redis_stream")
		}
		return DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisStream)
	case "sqs":
		if cfg.SQSQueueURL == "" {
			return nil, fmt.Errorf("deadletter: sqs store requires sqs_queue_url")
		}
		return NewSQSStoreFromConfig(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("deadletter: s3 store requires s3_bucket")
		}
		return NewS3StoreFromConfig(ctx, cfg.AWSRegion, cfg.S3Endpoint, cfg.S3Bucket, cfg.S3Prefix)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("deadletter: postgres store requires database_url")
		}
		return OpenPostgres(ctx, cfg.DatabaseURL, postgresConnectTimeout)
	default:
		return nil, fmt.Errorf("deadletter: unknown store type %q", cfg.Type)
	}
}
