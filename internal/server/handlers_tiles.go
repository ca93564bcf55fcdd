package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gigapix/gigapix/internal/metrics"
	"github.com/gigapix/gigapix/internal/model"
	"github.com/gigapix/gigapix/internal/queue"
)

const artifactCacheSeconds = 24 * 60 * 60

// Wait budgets for on-demand serving. Thumbnails fast-fail because they gate
// page rendering; tiles get a longer leash because the viewer already shows a
// blank tile while waiting. The tile budget is deliberately capped (the
// request cycle times out around 60s) rather than left unbounded.
var (
	tileBackoff      = queue.Doubling(100*time.Millisecond, 30*time.Second)
	thumbnailBackoff = queue.Doubling(100*time.Millisecond, 2*time.Second)
)

// handleTile serves one tile, generating it through the queue when it is not
// on disk yet. Tiles are supposed to be pre-built by the pyramid pipeline;
// this path is the fallback for anything the pipeline missed.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	shard := vars["shard"]
	extension := vars["extension"]
	size, _ := strconv.Atoi(vars["size"])
	zoom, _ := strconv.Atoi(vars["zoom"])
	row, _ := strconv.Atoi(vars["row"])
	col, _ := strconv.Atoi(vars["col"])

	if size != model.TileSize {
		http.Error(w, fmt.Sprintf("size must be %d", model.TileSize), http.StatusBadRequest)
		return
	}

	key := fmt.Sprintf("%s/%d/%d/%d,%d.%s", shard, size, zoom, row, col, extension)
	// The generation job is shared across coalesced requests, so it must not
	// die with whichever request happened to start it. The awaiter's budget
	// bounds the wait instead.
	ctx := context.WithoutCancel(r.Context())
	result, err, _ := s.tiles.Do(key, func() (interface{}, error) {
		task, err := queue.NewTask(queue.TaskMakeTile, queue.MakeTilePayload{
			Shard:     shard,
			Size:      size,
			Zoom:      zoom,
			Row:       row,
			Col:       col,
			Extension: extension,
			Root:      s.cfg.StaticRoot,
		})
		if err != nil {
			return nil, err
		}
		handle, err := s.broker.Enqueue(ctx, queue.TierHigh, task)
		if err != nil {
			return nil, err
		}
		return s.awaiter.Await(ctx, handle, tileBackoff)
	})
	if err != nil {
		if err == queue.ErrGiveUp {
			metrics.GiveUps.WithLabelValues("tile").Inc()
		} else {
			log.Printf("tile %s: %v", key, err)
		}
		metrics.TilesServed.WithLabelValues("broken").Inc()
		servePlaceholder(w, brokenTile())
		return
	}

	tilePath := string(result.([]byte))
	data, err := os.ReadFile(tilePath)
	if err != nil {
		metrics.TilesServed.WithLabelValues("broken").Inc()
		servePlaceholder(w, brokenTile())
		return
	}
	serveArtifact(w, extension, data)
	metrics.TilesServed.WithLabelValues("generated").Inc()

	// An on-demand tile means pre-generation missed something; nudge a few
	// lazy tiles toward cold storage while we are here, unless an offload
	// run already holds the lock.
	fileid := model.FileIDFromShard(shard)
	s.nudgeOffload(r.Context(), fileid)
	if err := s.cache.InvalidateTileCount(r.Context(), fileid); err != nil {
		log.Printf("invalidate tile count for %s: %v", fileid, err)
	}
}

func (s *Server) nudgeOffload(ctx context.Context, fileid string) {
	locked, err := s.cache.OffloadLocked(ctx, fileid)
	if err != nil || locked {
		return
	}
	task, err := queue.NewTask(queue.TaskUploadTiles, queue.UploadTilesPayload{
		FileID:            fileid,
		Root:              s.cfg.StaticRoot,
		MaxCount:          10,
		OnlyIfNoCDNDomain: true,
	})
	if err != nil {
		return
	}
	if _, err := s.broker.Enqueue(ctx, queue.TierLow, task); err != nil {
		log.Printf("nudge offload for %s: %v", fileid, err)
	}
}

// handleThumbnail serves a thumbnail, generating it through the queue when
// missing. Unlike tiles the wait is short: a slow thumbnail would hold up the
// whole listing page, and the placeholder goes out uncacheable so the next
// request retries.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	shard := vars["shard"]
	extension := vars["extension"]
	width, _ := strconv.Atoi(vars["width"])
	if width <= 0 || width >= 1000 {
		http.Error(w, "bad width", http.StatusBadRequest)
		return
	}

	task, err := queue.NewTask(queue.TaskMakeThumbnail, queue.ThumbnailPayload{
		Shard:     shard,
		Width:     width,
		Extension: extension,
		Root:      s.cfg.StaticRoot,
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var data []byte
	handle, err := s.broker.Enqueue(r.Context(), queue.TierDefault, task)
	if err == nil {
		if result, werr := s.awaiter.Await(r.Context(), handle, thumbnailBackoff); werr == nil {
			data, _ = os.ReadFile(string(result))
		} else if werr == queue.ErrGiveUp {
			metrics.GiveUps.WithLabelValues("thumbnail").Inc()
		}
	}

	if data == nil {
		metrics.ThumbnailsServed.WithLabelValues("broken").Inc()
		servePlaceholder(w, brokenThumbnail())
		return
	}
	serveArtifact(w, extension, data)
	metrics.ThumbnailsServed.WithLabelValues("generated").Inc()
}

// handlePreloadURLs lists the default-zoom tiles already on disk so the
// viewer can warm its cache before the user starts panning.
func (s *Server) handlePreloadURLs(w http.ResponseWriter, r *http.Request) {
	fileid := mux.Vars(r)["fileid"]
	shard := model.ShardPath(fileid)
	dir := model.TileDir(s.cfg.StaticRoot, shard, model.TileSize, model.DefaultZoom)

	urls := []string{}
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			urls = append(urls, fmt.Sprintf("/tiles/%s/%d/%d/%s",
				shard, model.TileSize, model.DefaultZoom, entry.Name()))
		}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"urls": urls})
}

func serveArtifact(w http.ResponseWriter, extension string, data []byte) {
	w.Header().Set("Content-Type", contentTypeForExtension(extension))
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, public", artifactCacheSeconds))
	w.Header().Set("Expires", time.Now().UTC().Add(artifactCacheSeconds*time.Second).Format(http.TimeFormat))
	_, _ = w.Write(data)
}

func servePlaceholder(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=0")
	_, _ = w.Write(data)
}

func contentTypeForExtension(extension string) string {
	if extension == "jpg" {
		return "image/jpeg"
	}
	return "image/png"
}
