package pyramid

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gigapix/gigapix/internal/metrics"
	"github.com/gigapix/gigapix/internal/model"
	"github.com/gigapix/gigapix/internal/queue"
)

// Enqueuer submits tasks at a priority tier. Satisfied by *queue.Broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, tier queue.Tier, task *asynq.Task) (queue.Handle, error)
}

// Waiter observes job completion with bounded backoff. Satisfied by
// *queue.Awaiter.
type Waiter interface {
	Await(ctx context.Context, h queue.Handle, backoff queue.Backoff) ([]byte, error)
}

// Wait budgets. The surrounding request cycle times out around 60s, so every
// stage budget stays well under that.
var (
	resizeBackoff    = queue.Additive(500*time.Millisecond, 100*time.Millisecond, 10*time.Second)
	headStartBackoff = queue.Doubling(250*time.Millisecond, 2*time.Second)
)

// Orchestrator sequences the resize, tile, thumbnail and optimize stages for
// a freshly downloaded image. Dependencies between stages are soft: the
// orchestrator waits for confirmation with a bounded budget and proceeds
// anyway on give-up, reporting the give-up upward rather than aborting.
type Orchestrator struct {
	broker  Enqueuer
	awaiter Waiter
	root    string

	// ThumbnailWidth is the width of the listing-page thumbnail generated
	// during ingest.
	ThumbnailWidth int
}

// NewOrchestrator constructs an orchestrator writing artifacts under root.
func NewOrchestrator(broker Enqueuer, awaiter Waiter, root string) *Orchestrator {
	return &Orchestrator{
		broker:         broker,
		awaiter:        awaiter,
		root:           root,
		ThumbnailWidth: 100,
	}
}

// PrepareAllTiles dispatches the whole pyramid build for one image and
// reports whether any stage had to be given up on. ranges must already be in
// planned order (default zoom first). The returned flag is advisory: tiling
// and optimization are dispatched regardless, and the caller decides whether
// to warn the owner that generation may be incomplete.
func (o *Orchestrator) PrepareAllTiles(ctx context.Context, fileid, sourcePath string, ranges []int, extension string) (hadToGiveUp bool, err error) {
	shard := model.ShardPath(fileid)

	// Dispatch every resize up front; they are independent of each other
	// and the workers can run them concurrently.
	resizeJobs := make(map[int]queue.Handle, len(ranges))
	for _, zoom := range ranges {
		task, err := queue.NewTask(queue.TaskResize, queue.ResizePayload{
			SourcePath: sourcePath,
			Zoom:       zoom,
		})
		if err != nil {
			return false, err
		}
		h, err := o.broker.Enqueue(ctx, queue.TierHigh, task)
		if err != nil {
			return false, err
		}
		resizeJobs[zoom] = h
	}

	// Tile level by level in planned order, so the default zoom is serviced
	// first. Tiling for a level is dispatched even when the resize was not
	// confirmed in time: the tiling worker re-reads whatever resized
	// artifact exists on disk, so a give-up degrades rather than blocks.
	for _, zoom := range ranges {
		if _, err := o.awaiter.Await(ctx, resizeJobs[zoom], resizeBackoff); err != nil {
			if ctx.Err() != nil {
				return hadToGiveUp, ctx.Err()
			}
			log.Printf("gave up waiting for resize of %s at zoom %d: %v", fileid, zoom, err)
			metrics.GiveUps.WithLabelValues("resize").Inc()
			hadToGiveUp = true
		}

		rows, cols := model.GridExtent(zoom)
		task, err := queue.NewTask(queue.TaskMakeTiles, queue.MakeTilesPayload{
			Shard:     shard,
			Size:      model.TileSize,
			Zoom:      zoom,
			Rows:      rows,
			Cols:      cols,
			Extension: extension,
			Root:      o.root,
		})
		if err != nil {
			return hadToGiveUp, err
		}
		if _, err := o.broker.Enqueue(ctx, queue.TierDefault, task); err != nil {
			return hadToGiveUp, err
		}
	}

	// The thumbnail shows up on the listing page almost immediately, so it
	// goes out at high priority and independent of per-level completion.
	thumbTask, err := queue.NewTask(queue.TaskMakeThumbnail, queue.ThumbnailPayload{
		Shard:     shard,
		Width:     o.ThumbnailWidth,
		Extension: extension,
		Root:      o.root,
	})
	if err != nil {
		return hadToGiveUp, err
	}
	thumbJob, err := o.broker.Enqueue(ctx, queue.TierHigh, thumbTask)
	if err != nil {
		return hadToGiveUp, err
	}

	// Give tiling and the thumbnail a head start before recompressing
	// anything. Waiting on the thumbnail job doubles as the completion
	// signal; on give-up we proceed anyway, optimization is idempotent.
	if _, err := o.awaiter.Await(ctx, thumbJob, headStartBackoff); err != nil {
		if ctx.Err() != nil {
			return hadToGiveUp, ctx.Err()
		}
		metrics.GiveUps.WithLabelValues("thumbnail").Inc()
	}

	for _, zoom := range ranges {
		task, err := queue.NewTask(queue.TaskOptimizeTiles, queue.OptimizeTilesPayload{
			Shard:     shard,
			Zoom:      zoom,
			Extension: extension,
			Root:      o.root,
		})
		if err != nil {
			return hadToGiveUp, err
		}
		if _, err := o.broker.Enqueue(ctx, queue.TierLow, task); err != nil {
			return hadToGiveUp, err
		}
	}

	optThumb, err := queue.NewTask(queue.TaskOptimizeThumbnail, queue.OptimizeThumbnailPayload{
		Shard:     shard,
		Extension: extension,
		Root:      o.root,
	})
	if err != nil {
		return hadToGiveUp, err
	}
	if _, err := o.broker.Enqueue(ctx, queue.TierLow, optThumb); err != nil {
		return hadToGiveUp, err
	}

	return hadToGiveUp, nil
}
