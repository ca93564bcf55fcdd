// Package queue defines the task catalog, the priority-tiered broker used to
// enqueue work, and the awaiter used to observe completion of a job without
// blocking the serving process.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task type names. The worker's ServeMux dispatches on these.
const (
	TaskResize            = "tile:resize"
	TaskMakeTile          = "tile:make"
	TaskMakeTiles         = "tile:make-all"
	TaskMakeThumbnail     = "thumbnail:make"
	TaskOptimizeTiles     = "optimize:tiles"
	TaskOptimizeThumbnail = "optimize:thumbnail"
	TaskUploadTiles       = "offload:tiles"
	TaskUploadOriginal    = "offload:original"
	TaskDeleteImage       = "image:delete-files"
	TaskSendURL           = "email:send-url"
)

// ResizePayload asks the worker to produce the resized base image for one
// zoom level of a downloaded source.
type ResizePayload struct {
	SourcePath string `json:"source_path"`
	Zoom       int    `json:"zoom"`
}

// MakeTilePayload asks the worker to cut a single tile. Used by the on-demand
// tile handler.
type MakeTilePayload struct {
	Shard     string `json:"shard"`
	Size      int    `json:"size"`
	Zoom      int    `json:"zoom"`
	Row       int    `json:"row"`
	Col       int    `json:"col"`
	Extension string `json:"extension"`
	Root      string `json:"root"`
}

// MakeTilesPayload asks the worker to cut the full grid for one zoom level.
type MakeTilesPayload struct {
	Shard     string `json:"shard"`
	Size      int    `json:"size"`
	Zoom      int    `json:"zoom"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
	Extension string `json:"extension"`
	Root      string `json:"root"`
}

// ThumbnailPayload asks the worker to render a thumbnail of the given width.
type ThumbnailPayload struct {
	Shard     string `json:"shard"`
	Width     int    `json:"width"`
	Extension string `json:"extension"`
	Root      string `json:"root"`
}

// OptimizeTilesPayload asks the worker to recompress every tile of one level.
type OptimizeTilesPayload struct {
	Shard     string `json:"shard"`
	Zoom      int    `json:"zoom"`
	Extension string `json:"extension"`
	Root      string `json:"root"`
}

// OptimizeThumbnailPayload asks the worker to recompress an image's thumbnails.
type OptimizeThumbnailPayload struct {
	Shard     string `json:"shard"`
	Extension string `json:"extension"`
	Root      string `json:"root"`
}

// UploadTilesPayload asks the worker to push at most MaxCount tiles to blob
// storage. Offload of a big image is amortized across many of these.
// MarkComplete is set only by the offload scheduler, whose chunks together
// cover the whole tile set; opportunistic nudges leave it false so a short
// pass cannot declare the image offloaded.
type UploadTilesPayload struct {
	FileID            string `json:"fileid"`
	Root              string `json:"root"`
	MaxCount          int    `json:"max_count"`
	OnlyIfNoCDNDomain bool   `json:"only_if_no_cdn_domain"`
	MarkComplete      bool   `json:"mark_complete"`
}

// UploadOriginalPayload asks the worker to push the original source file to
// blob storage.
type UploadOriginalPayload struct {
	FileID    string `json:"fileid"`
	Extension string `json:"extension"`
	Root      string `json:"root"`
	Bucket    string `json:"bucket"`
}

// DeleteImagePayload asks the worker to remove every artifact of an image
// from disk.
type DeleteImagePayload struct {
	Shard string `json:"shard"`
	Root  string `json:"root"`
}

// SendURLPayload asks the worker to notify an uploader that their image is
// ready (or that generation gave up partway).
type SendURLPayload struct {
	URL       string `json:"url"`
	FileID    string `json:"fileid"`
	Email     string `json:"email"`
	Debug     bool   `json:"debug"`
	Truncated bool   `json:"truncated"`
}

// NewTask builds an asynq task of the given type from any payload above.
func NewTask(typename string, payload interface{}) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typename, err)
	}
	return asynq.NewTask(typename, data), nil
}
