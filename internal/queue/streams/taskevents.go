package streams

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/redis/go-redis/v9"
)

// TaskEvents mirrors hub traffic into one Redis stream per task so other processes can follow a task.
type TaskEvents struct {
	pub    *Publisher
	prefix string
}

// NewTaskEvents builds the mirror. Streams are named "<prefix>:<task id>" and
// are dropped retention after the task completes.
func NewTaskEvents(client redis.Cmdable, prefix string, maxLen int64, retention time.Duration) *TaskEvents {
	if prefix == "" {
		prefix = "opentask:task"
	}
	return &TaskEvents{pub: NewPublisher(client, maxLen, retention), prefix: prefix}
}

// StreamName returns the stream holding taskID's events.
func (t *TaskEvents) StreamName(taskID string) string {
	return t.prefix + ":" + taskID
}

// Mirror implements hub.Mirror.
func (t *TaskEvents) Mirror(ctx context.Context, msg hub.Message) error {
	_, err := t.pub.Append(ctx, t.StreamName(msg.TaskID), msg)
	return err
}
