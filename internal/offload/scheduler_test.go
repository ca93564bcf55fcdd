package offload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gigapix/gigapix/internal/cache"
	"github.com/gigapix/gigapix/internal/model"
	"github.com/gigapix/gigapix/internal/queue"
)

type fakeBroker struct {
	tasks []*asynq.Task
	tiers []queue.Tier
}

func (f *fakeBroker) Enqueue(_ context.Context, tier queue.Tier, task *asynq.Task) (queue.Handle, error) {
	f.tasks = append(f.tasks, task)
	f.tiers = append(f.tiers, tier)
	return queue.Handle{ID: fmt.Sprintf("job-%d", len(f.tasks)), Queue: string(tier)}, nil
}

func newTestScheduler(t *testing.T, root string) (*Scheduler, *fakeBroker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	broker := &fakeBroker{}
	s := NewScheduler(cache.New(rdb), broker, root, "originals")
	return s, broker
}

func writeTiles(t *testing.T, root, fileid string, n int) {
	t.Helper()
	dir := model.TileDir(root, model.ShardPath(fileid), model.TileSize, model.DefaultZoom)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < n; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("0,%d.png", i)), []byte("x"), 0o644))
	}
}

func agedImage(fileid string) *model.Image {
	return &model.Image{FileID: fileid, Date: time.Now().Add(-2 * time.Hour)}
}

func TestMaybeOffloadChunksTiles(t *testing.T) {
	root := t.TempDir()
	s, broker := newTestScheduler(t, root)
	writeTiles(t, root, "a1b2c3d4e", 250)

	require.NoError(t, s.MaybeOffload(context.Background(), agedImage("a1b2c3d4e"), "png"))

	// 250 tiles in chunks of 100 means three tile jobs, plus the original.
	// Scheduler chunks jointly cover the whole tile set, so each may mark the
	// image offloaded once nothing is left to push.
	var tileJobs, originalJobs int
	for _, task := range broker.tasks {
		switch task.Type() {
		case queue.TaskUploadTiles:
			tileJobs++
			var payload queue.UploadTilesPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &payload))
			require.Equal(t, 100, payload.MaxCount)
			require.True(t, payload.MarkComplete)
		case queue.TaskUploadOriginal:
			originalJobs++
		}
	}
	require.Equal(t, 3, tileJobs)
	require.Equal(t, 1, originalJobs)
	for _, tier := range broker.tiers {
		require.Equal(t, queue.TierLow, tier)
	}
}

func TestMaybeOffloadSkipsYoungImage(t *testing.T) {
	root := t.TempDir()
	s, broker := newTestScheduler(t, root)
	writeTiles(t, root, "a1b2c3d4e", 10)

	img := &model.Image{FileID: "a1b2c3d4e", Date: time.Now().Add(-10 * time.Minute)}
	require.NoError(t, s.MaybeOffload(context.Background(), img, "png"))
	require.Empty(t, broker.tasks)
}

func TestMaybeOffloadSkipsOffloadedImage(t *testing.T) {
	root := t.TempDir()
	s, broker := newTestScheduler(t, root)
	writeTiles(t, root, "a1b2c3d4e", 10)

	domain := "cdn.example.com"
	img := agedImage("a1b2c3d4e")
	img.CDNDomain = &domain
	require.NoError(t, s.MaybeOffload(context.Background(), img, "png"))
	require.Empty(t, broker.tasks)
}

func TestMaybeOffloadIsLockedOut(t *testing.T) {
	root := t.TempDir()
	s, broker := newTestScheduler(t, root)
	writeTiles(t, root, "a1b2c3d4e", 10)

	require.NoError(t, s.MaybeOffload(context.Background(), agedImage("a1b2c3d4e"), "png"))
	first := len(broker.tasks)
	require.Greater(t, first, 0)

	// A second trigger while the lock is held enqueues nothing.
	require.NoError(t, s.MaybeOffload(context.Background(), agedImage("a1b2c3d4e"), "png"))
	require.Equal(t, first, len(broker.tasks))
}

func TestMaybeOffloadNoTilesStillUploadsOriginal(t *testing.T) {
	root := t.TempDir()
	s, broker := newTestScheduler(t, root)

	require.NoError(t, s.MaybeOffload(context.Background(), agedImage("a1b2c3d4e"), "png"))

	// Even with zero tiles on disk one tile job goes out; the worker treats
	// an empty walk as a no-op. The original always goes.
	require.Len(t, broker.tasks, 2)
	require.Equal(t, queue.TaskUploadTiles, broker.tasks[0].Type())
	require.Equal(t, queue.TaskUploadOriginal, broker.tasks[1].Type())
}
