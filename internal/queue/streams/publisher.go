package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/redis/go-redis/v9"
)

// Publisher appends task messages to Redis streams. Each stream is trimmed to
// roughly maxLen entries and expires retention after its completion entry.
type Publisher struct {
	client    redis.Cmdable
	maxLen    int64
	retention time.Duration
}

// NewPublisher builds a Publisher. maxLen or retention of zero disables
// trimming or expiry.
func NewPublisher(client redis.Cmdable, maxLen int64, retention time.Duration) *Publisher {
	return &Publisher{client: client, maxLen: maxLen, retention: retention}
}

// Append writes msg to stream and returns the entry id Redis assigned.
func (p *Publisher) Append(ctx context.Context, stream string, msg hub.Message) (string, error) {
	if stream == "" {
		return "", errors.New("stream name is required")
	}
	values, err := entryValues(msg)
	if err != nil {
		return "", err
	}

	pipe := p.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: values,
	})
	if msg.IsCompletion() && p.retention > 0 {
		pipe.Expire(ctx, stream, p.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("append %s to %s: %w", msg.Kind, stream, err)
	}
	return add.Val(), nil
}
