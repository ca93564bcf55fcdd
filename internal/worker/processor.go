// Package worker plugs the task catalog into the asynq worker loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/gigapix/gigapix/internal/blobstore"
	"github.com/gigapix/gigapix/internal/queue"
	"github.com/gigapix/gigapix/internal/repository"
	"github.com/gigapix/gigapix/internal/tiler"
)

// Emailer delivers owner notifications. Delivery is an external collaborator;
// the default implementation only logs.
type Emailer interface {
	SendURL(ctx context.Context, url, fileid, email string) error
}

// LogEmailer writes notifications to the process log instead of sending
// anything. Used in development and as the default.
type LogEmailer struct{}

// SendURL implements Emailer.
func (LogEmailer) SendURL(_ context.Context, url, fileid, email string) error {
	log.Printf("notify %s: image %s ready at %s", email, fileid, url)
	return nil
}

// Processor binds task types to their handlers.
type Processor struct {
	repo    *repository.ImageRepository
	store   *blobstore.Storage
	emailer Emailer
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo *repository.ImageRepository, store *blobstore.Storage, emailer Emailer) *Processor {
	if emailer == nil {
		emailer = LogEmailer{}
	}
	return &Processor{repo: repo, store: store, emailer: emailer}
}

// Handler registers every task handler on a ServeMux.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskResize, p.handleResize)
	mux.HandleFunc(queue.TaskMakeTile, p.handleMakeTile)
	mux.HandleFunc(queue.TaskMakeTiles, p.handleMakeTiles)
	mux.HandleFunc(queue.TaskMakeThumbnail, p.handleMakeThumbnail)
	mux.HandleFunc(queue.TaskOptimizeTiles, p.handleOptimizeTiles)
	mux.HandleFunc(queue.TaskOptimizeThumbnail, p.handleOptimizeThumbnail)
	mux.HandleFunc(queue.TaskUploadTiles, p.handleUploadTiles)
	mux.HandleFunc(queue.TaskUploadOriginal, p.handleUploadOriginal)
	mux.HandleFunc(queue.TaskDeleteImage, p.handleDeleteImage)
	mux.HandleFunc(queue.TaskSendURL, p.handleSendURL)
	return mux
}

func (p *Processor) handleResize(ctx context.Context, task *asynq.Task) error {
	var payload queue.ResizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	path, err := tiler.Resize(payload.SourcePath, payload.Zoom)
	if err != nil {
		log.Printf("resize %s zoom %d failed: %v", payload.SourcePath, payload.Zoom, err)
		return err
	}
	return writeResult(task, path)
}

func (p *Processor) handleMakeTile(ctx context.Context, task *asynq.Task) error {
	var payload queue.MakeTilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	path, err := tiler.MakeTile(payload.Root, payload.Shard, payload.Size,
		payload.Zoom, payload.Row, payload.Col, payload.Extension)
	if err != nil {
		log.Printf("make tile %s %d/%d,%d failed: %v",
			payload.Shard, payload.Zoom, payload.Row, payload.Col, err)
		return err
	}
	return writeResult(task, path)
}

func (p *Processor) handleMakeTiles(ctx context.Context, task *asynq.Task) error {
	var payload queue.MakeTilesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := tiler.MakeTiles(payload.Root, payload.Shard, payload.Size,
		payload.Zoom, payload.Rows, payload.Cols, payload.Extension); err != nil {
		log.Printf("make tiles %s zoom %d failed: %v", payload.Shard, payload.Zoom, err)
		return err
	}
	return writeResult(task, "ok")
}

func (p *Processor) handleMakeThumbnail(ctx context.Context, task *asynq.Task) error {
	var payload queue.ThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	path, err := tiler.MakeThumbnail(payload.Root, payload.Shard, payload.Width, payload.Extension)
	if err != nil {
		log.Printf("make thumbnail %s failed: %v", payload.Shard, err)
		return err
	}
	return writeResult(task, path)
}

func (p *Processor) handleOptimizeTiles(ctx context.Context, task *asynq.Task) error {
	var payload queue.OptimizeTilesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return tiler.OptimizeTiles(payload.Root, payload.Shard, payload.Zoom, payload.Extension)
}

func (p *Processor) handleOptimizeThumbnail(ctx context.Context, task *asynq.Task) error {
	var payload queue.OptimizeThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return tiler.OptimizeThumbnails(payload.Root, payload.Shard, payload.Extension)
}

func (p *Processor) handleUploadTiles(ctx context.Context, task *asynq.Task) error {
	var payload queue.UploadTilesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.OnlyIfNoCDNDomain {
		img, err := p.repo.Get(ctx, payload.FileID)
		if err != nil {
			return err
		}
		if img.CDNDomain != nil {
			return nil
		}
	}
	return p.store.UploadTiles(ctx, p.repo, payload.FileID, payload.Root, payload.MaxCount, payload.MarkComplete)
}

func (p *Processor) handleUploadOriginal(ctx context.Context, task *asynq.Task) error {
	var payload queue.UploadOriginalPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return p.store.UploadOriginal(ctx, payload.FileID, payload.Extension, payload.Root, payload.Bucket)
}

func (p *Processor) handleDeleteImage(ctx context.Context, task *asynq.Task) error {
	var payload queue.DeleteImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return tiler.DeleteImage(payload.Root, payload.Shard)
}

func (p *Processor) handleSendURL(ctx context.Context, task *asynq.Task) error {
	var payload queue.SendURLPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return p.emailer.SendURL(ctx, payload.URL, payload.FileID, payload.Email)
}

// writeResult publishes a handler's output through asynq's result writer so
// the awaiter on the serving side can observe it.
func writeResult(task *asynq.Task, result string) error {
	if _, err := task.ResultWriter().Write([]byte(result)); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
