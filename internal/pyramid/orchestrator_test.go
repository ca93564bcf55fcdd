package pyramid

import (
	"context"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/gigapix/gigapix/internal/queue"
)

type recordedJob struct {
	Type string
	Tier queue.Tier
}

type fakeBroker struct {
	jobs []recordedJob
}

func (f *fakeBroker) Enqueue(_ context.Context, tier queue.Tier, task *asynq.Task) (queue.Handle, error) {
	f.jobs = append(f.jobs, recordedJob{Type: task.Type(), Tier: tier})
	return queue.Handle{ID: fmt.Sprintf("job-%d", len(f.jobs)), Queue: string(tier)}, nil
}

type fakeWaiter struct {
	// fail lists handle IDs whose wait should run out of budget.
	fail map[string]bool
}

func (f *fakeWaiter) Await(_ context.Context, h queue.Handle, _ queue.Backoff) ([]byte, error) {
	if f.fail[h.ID] {
		return nil, queue.ErrGiveUp
	}
	return []byte("done"), nil
}

func TestPrepareAllTilesDispatchOrder(t *testing.T) {
	broker := &fakeBroker{}
	o := NewOrchestrator(broker, &fakeWaiter{}, "static")

	gaveUp, err := o.PrepareAllTiles(context.Background(), "a1b2c3d4e", "static/uploads/a/1b/2c3d4e.png", []int{3, 2}, "png")
	require.NoError(t, err)
	require.False(t, gaveUp)

	var types []string
	for _, j := range broker.jobs {
		types = append(types, j.Type)
	}
	require.Equal(t, []string{
		queue.TaskResize, queue.TaskResize,
		queue.TaskMakeTiles, queue.TaskMakeTiles,
		queue.TaskMakeThumbnail,
		queue.TaskOptimizeTiles, queue.TaskOptimizeTiles,
		queue.TaskOptimizeThumbnail,
	}, types)

	// Resizes and the thumbnail go out at high priority, tiling at default,
	// optimization at low.
	require.Equal(t, queue.TierHigh, broker.jobs[0].Tier)
	require.Equal(t, queue.TierHigh, broker.jobs[1].Tier)
	require.Equal(t, queue.TierDefault, broker.jobs[2].Tier)
	require.Equal(t, queue.TierHigh, broker.jobs[4].Tier)
	require.Equal(t, queue.TierLow, broker.jobs[5].Tier)
	require.Equal(t, queue.TierLow, broker.jobs[7].Tier)
}

func TestPrepareAllTilesProceedsPastResizeGiveUp(t *testing.T) {
	broker := &fakeBroker{}
	// The first enqueued job is the resize for the first planned level.
	waiter := &fakeWaiter{fail: map[string]bool{"job-1": true}}
	o := NewOrchestrator(broker, waiter, "static")

	gaveUp, err := o.PrepareAllTiles(context.Background(), "a1b2c3d4e", "static/uploads/a/1b/2c3d4e.png", []int{3, 2}, "png")
	require.NoError(t, err)
	require.True(t, gaveUp)

	// Tiling and optimization still get dispatched for every level.
	count := map[string]int{}
	for _, j := range broker.jobs {
		count[j.Type]++
	}
	require.Equal(t, 2, count[queue.TaskMakeTiles])
	require.Equal(t, 2, count[queue.TaskOptimizeTiles])
	require.Equal(t, 1, count[queue.TaskMakeThumbnail])
}

func TestPrepareAllTilesThumbnailGiveUpIsTolerated(t *testing.T) {
	broker := &fakeBroker{}
	// Job 5 is the thumbnail (after two resizes and two tiling jobs).
	waiter := &fakeWaiter{fail: map[string]bool{"job-5": true}}
	o := NewOrchestrator(broker, waiter, "static")

	gaveUp, err := o.PrepareAllTiles(context.Background(), "a1b2c3d4e", "static/uploads/a/1b/2c3d4e.png", []int{3, 2}, "png")
	require.NoError(t, err)
	// A slow thumbnail does not mark the build incomplete; only resize
	// give-ups do.
	require.False(t, gaveUp)
}

func TestPrepareAllTilesCancelledContext(t *testing.T) {
	broker := &fakeBroker{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiter := &fakeWaiter{fail: map[string]bool{"job-1": true}}
	o := NewOrchestrator(broker, waiter, "static")

	_, err := o.PrepareAllTiles(ctx, "a1b2c3d4e", "static/uploads/a/1b/2c3d4e.png", []int{3}, "png")
	require.ErrorIs(t, err, context.Canceled)
}
