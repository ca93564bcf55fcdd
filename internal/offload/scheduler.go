// Package offload decides when an aged image gets pushed to CDN-backed blob
// storage and fans the work out as small queued jobs.
package offload

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gigapix/gigapix/internal/cache"
	"github.com/gigapix/gigapix/internal/metrics"
	"github.com/gigapix/gigapix/internal/model"
	"github.com/gigapix/gigapix/internal/queue"
	"github.com/gigapix/gigapix/internal/tiler"
)

const (
	// minAge is how old an image must be before offload is considered.
	minAge = time.Hour
	// chunkSize caps the tiles one upload job handles, amortizing a large
	// image across many short worker invocations.
	chunkSize = 100
)

// Enqueuer submits tasks at a priority tier. Satisfied by *queue.Broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, tier queue.Tier, task *asynq.Task) (queue.Handle, error)
}

// Scheduler triggers cold-storage offload for aged images.
type Scheduler struct {
	cache   *cache.Cache
	broker  Enqueuer
	root    string
	bucket  string
	nowFunc func() time.Time
}

// NewScheduler constructs a scheduler. bucket names the originals bucket
// passed through to the upload job.
func NewScheduler(c *cache.Cache, broker Enqueuer, root, bucket string) *Scheduler {
	return &Scheduler{
		cache:   c,
		broker:  broker,
		root:    root,
		bucket:  bucket,
		nowFunc: time.Now,
	}
}

// MaybeOffload enqueues chunked tile-upload jobs plus an original-upload job
// when the image is over an hour old, has no CDN domain yet, and no other
// offload attempt holds the lock. Lock contention is not an error: the
// attempt is silently skipped.
func (s *Scheduler) MaybeOffload(ctx context.Context, img *model.Image, extension string) error {
	if img.Age(s.nowFunc()) <= minAge || img.CDNDomain != nil {
		return nil
	}
	acquired, err := s.cache.AcquireOffloadLock(ctx, img.FileID)
	if err != nil {
		return err
	}
	if !acquired {
		log.Printf("offload of %s already locked, skipping", img.FileID)
		return nil
	}

	tileCount, err := tiler.CountAllTiles(s.root, img.FileID)
	if err != nil {
		return err
	}
	jobs := (tileCount + chunkSize - 1) / chunkSize
	if jobs == 0 {
		jobs = 1
	}
	log.Printf("offloading %s: %d tiles across %d jobs", img.FileID, tileCount, jobs)
	for i := 0; i < jobs; i++ {
		task, err := queue.NewTask(queue.TaskUploadTiles, queue.UploadTilesPayload{
			FileID:       img.FileID,
			Root:         s.root,
			MaxCount:     chunkSize,
			MarkComplete: true,
		})
		if err != nil {
			return err
		}
		if _, err := s.broker.Enqueue(ctx, queue.TierLow, task); err != nil {
			return err
		}
		metrics.OffloadJobs.WithLabelValues("tiles").Inc()
	}

	task, err := queue.NewTask(queue.TaskUploadOriginal, queue.UploadOriginalPayload{
		FileID:    img.FileID,
		Extension: extension,
		Root:      s.root,
		Bucket:    s.bucket,
	})
	if err != nil {
		return err
	}
	if _, err := s.broker.Enqueue(ctx, queue.TierLow, task); err != nil {
		return err
	}
	metrics.OffloadJobs.WithLabelValues("original").Inc()
	return nil
}
