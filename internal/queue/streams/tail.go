package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tail reads a stream from a position without consumer groups.
type Tail struct {
	client *redis.Client
	block  time.Duration
	count  int64
}

// NewTail builds a reader. block=0 returns immediately when nothing is pending.
func NewTail(client *redis.Client, block time.Duration, count int64) *Tail {
	if count <= 0 {
		count = 100
	}
	return &Tail{client: client, block: block, count: count}
}

// Read returns entries after lastID ("0" reads from the start). Entries that do
// not decode are skipped.
func (t *Tail) Read(ctx context.Context, stream, lastID string) ([]Entry, error) {
	if lastID == "" {
		lastID = "0"
	}
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   t.count,
		Block:   t.block,
	}
	if t.block <= 0 {
		args.Block = -1
	}
	res, err := t.client.XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread: %w", err)
	}
	var out []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			msg, err := parseEntry(m.Values)
			if err != nil {
				continue
			}
			out = append(out, Entry{StreamID: m.ID, Message: msg})
		}
	}
	return out, nil
}
