package queue

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
)

type fakeClient struct {
	lastTask *asynq.Task
	lastOpts []asynq.Option
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.lastTask = task
	f.lastOpts = opts
	queueName := "default"
	for _, opt := range opts {
		if opt.Type() == asynq.QueueOpt {
			queueName = opt.Value().(string)
		}
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: queueName}, nil
}

func TestEnqueueMapsTierToQueue(t *testing.T) {
	client := &fakeClient{}
	b := newBroker(client, map[string]string{
		"high":    "high",
		"default": "default",
		"low":     "low",
	})

	task, err := NewTask(TaskMakeTile, MakeTilePayload{Shard: "a/1b/2c3d4e", Zoom: 3})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	h, err := b.Enqueue(context.Background(), TierHigh, task)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if h.Queue != "high" {
		t.Fatalf("expected queue high, got %q", h.Queue)
	}
	if h.ID != "task-1" {
		t.Fatalf("expected handle id from the broker, got %q", h.ID)
	}
}

func TestEnqueueCollapsedQueues(t *testing.T) {
	// Development config maps every tier onto the default queue.
	client := &fakeClient{}
	b := newBroker(client, map[string]string{
		"high":    "default",
		"default": "default",
		"low":     "default",
	})

	task, _ := NewTask(TaskMakeThumbnail, ThumbnailPayload{Shard: "a/1b/2c3d4e", Width: 100})
	h, err := b.Enqueue(context.Background(), TierLow, task)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if h.Queue != "default" {
		t.Fatalf("expected collapsed queue, got %q", h.Queue)
	}
}

func TestEnqueueNeverRetries(t *testing.T) {
	client := &fakeClient{}
	b := newBroker(client, map[string]string{"high": "high"})

	task, _ := NewTask(TaskResize, ResizePayload{SourcePath: "x.png", Zoom: 3})
	if _, err := b.Enqueue(context.Background(), TierHigh, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var sawMaxRetry, sawRetention bool
	for _, opt := range client.lastOpts {
		switch opt.Type() {
		case asynq.MaxRetryOpt:
			sawMaxRetry = true
			if opt.Value().(int) != 0 {
				t.Fatalf("expected MaxRetry(0), got %v", opt.Value())
			}
		case asynq.RetentionOpt:
			sawRetention = true
		}
	}
	if !sawMaxRetry || !sawRetention {
		t.Fatalf("expected MaxRetry and Retention options, got %v", client.lastOpts)
	}
}
