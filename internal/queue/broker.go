package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Tier is a priority class for enqueued work. Tiers map to underlying queues
// through configuration; in development all three may collapse onto one queue.
type Tier string

const (
	TierHigh    Tier = "high"
	TierDefault Tier = "default"
	TierLow     Tier = "low"
)

// Handle references an enqueued job. Whoever enqueued it owns the handle
// until the job resolves or the caller gives up; giving up never cancels the
// underlying work.
type Handle struct {
	ID    string
	Queue string
}

// resultRetention is how long a completed task's state and result stay
// observable. Waits are budgeted in seconds, so an hour is plenty.
const resultRetention = time.Hour

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Broker enqueues tasks onto priority-tiered queues. Enqueuing is
// non-blocking; results become observable asynchronously via an Awaiter.
type Broker struct {
	client enqueuer
	queues map[Tier]string
}

// NewBroker constructs a broker. queues maps tier name to queue name, as
// produced by config.QueueNames.
func NewBroker(client *asynq.Client, queues map[string]string) *Broker {
	return newBroker(client, queues)
}

func newBroker(client enqueuer, queues map[string]string) *Broker {
	m := make(map[Tier]string, len(queues))
	for tier, name := range queues {
		m[Tier(tier)] = name
	}
	return &Broker{client: client, queues: m}
}

// Enqueue submits a task at the given tier and returns its handle. Tasks are
// never retried: a failed job simply never resolves, and callers treat that
// as terminal once their wait budget runs out.
func (b *Broker) Enqueue(ctx context.Context, tier Tier, task *asynq.Task) (Handle, error) {
	queueName, ok := b.queues[tier]
	if !ok {
		queueName = string(TierDefault)
	}
	info, err := b.client.EnqueueContext(ctx, task,
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Retention(resultRetention),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return Handle{ID: info.ID, Queue: info.Queue}, nil
}
