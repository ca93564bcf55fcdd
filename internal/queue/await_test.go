package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

// fakeStatuser resolves the task as completed after a fixed number of polls.
type fakeStatuser struct {
	calls       int
	completeAt  int
	result      []byte
	notFoundErr bool
}

func (f *fakeStatuser) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	f.calls++
	if f.notFoundErr {
		return nil, asynq.ErrTaskNotFound
	}
	if f.calls >= f.completeAt {
		return &asynq.TaskInfo{ID: id, Queue: queue, State: asynq.TaskStateCompleted, Result: f.result}, nil
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: asynq.TaskStatePending}, nil
}

func TestAwaitResolves(t *testing.T) {
	statuser := &fakeStatuser{completeAt: 3, result: []byte("tiles/a/1b/2c3d4e/256/3/0,0.png")}
	a := newAwaiter(statuser)

	result, err := a.Await(context.Background(), Handle{ID: "job", Queue: "high"},
		Additive(time.Millisecond, time.Millisecond, time.Second))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(result) != "tiles/a/1b/2c3d4e/256/3/0,0.png" {
		t.Fatalf("unexpected result %q", result)
	}
	if statuser.calls != 3 {
		t.Fatalf("expected 3 polls, got %d", statuser.calls)
	}
}

func TestAwaitGivesUp(t *testing.T) {
	statuser := &fakeStatuser{completeAt: 1 << 30}
	a := newAwaiter(statuser)

	_, err := a.Await(context.Background(), Handle{ID: "job", Queue: "default"},
		Doubling(time.Millisecond, 20*time.Millisecond))
	if !errors.Is(err, ErrGiveUp) {
		t.Fatalf("expected ErrGiveUp, got %v", err)
	}
}

func TestAwaitTreatsNotFoundAsUnresolved(t *testing.T) {
	// A missing task never resolves; the wait runs out its budget instead of
	// failing immediately.
	statuser := &fakeStatuser{notFoundErr: true}
	a := newAwaiter(statuser)

	_, err := a.Await(context.Background(), Handle{ID: "gone", Queue: "low"},
		Additive(time.Millisecond, 0, 5*time.Millisecond))
	if !errors.Is(err, ErrGiveUp) {
		t.Fatalf("expected ErrGiveUp, got %v", err)
	}
	if statuser.calls < 2 {
		t.Fatalf("expected repeated polls, got %d", statuser.calls)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	statuser := &fakeStatuser{completeAt: 1 << 30}
	a := newAwaiter(statuser)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Await(ctx, Handle{ID: "job", Queue: "default"},
		Doubling(time.Hour, 0))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBackoffGrowth(t *testing.T) {
	add := Additive(500*time.Millisecond, 100*time.Millisecond, 10*time.Second)
	if got := add.next(500 * time.Millisecond); got != 600*time.Millisecond {
		t.Fatalf("additive next = %v", got)
	}
	dbl := Doubling(100*time.Millisecond, 2*time.Second)
	if got := dbl.next(100 * time.Millisecond); got != 200*time.Millisecond {
		t.Fatalf("doubling next = %v", got)
	}
}
