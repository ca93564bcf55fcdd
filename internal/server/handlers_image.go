package server

import (
	"bytes"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gigapix/gigapix/internal/cache"
	"github.com/gigapix/gigapix/internal/metrics"
	"github.com/gigapix/gigapix/internal/model"
	"github.com/gigapix/gigapix/internal/pyramid"
	"github.com/gigapix/gigapix/internal/queue"
	"github.com/gigapix/gigapix/internal/repository"
	"github.com/gigapix/gigapix/internal/tiler"
)

const defaultPageSize = 24

// hitsMarker is left in the cached grid HTML and substituted with the live
// counter on every request, so one page render can be reused while the hit
// counts stay fresh.
var hitsMarker = regexp.MustCompile(`<!--hits:([0-9a-z]+)-->`)

var gridTemplate = template.Must(template.New("grid").Parse(`<!doctype html>
<html>
<head><title>gigapix</title></head>
<body>
<div class="grid">
{{range .Images}}<figure>
  <a href="/{{.FileID}}"><img src="/thumbnails/{{.Shard}}/100.{{.Extension}}" alt="{{.Title}}"></a>
  <figcaption>{{.Title}} <span class="hits"><!--hits:{{.FileID}}--></span></figcaption>
</figure>
{{end}}</div>
<nav>page {{.Page}} of {{.Pages}}</nav>
</body>
</html>
`))

type gridEntry struct {
	FileID    string
	Shard     string
	Extension string
	Title     string
}

// handleHome renders the paginated thumbnail grid. The rendered page is
// cached in Redis with hit-count markers still in place; the markers are
// substituted on the way out.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := intQuery(r, "page_size", defaultPageSize)
	if pageSize < 1 || pageSize > 100 {
		pageSize = defaultPageSize
	}
	owner := r.URL.Query().Get("owner")

	filters := []string{}
	if owner != "" {
		filters = append(filters, owner)
	}
	key := cache.GridKey(page, pageSize, filters)

	payload, err := s.cache.GetGrid(r.Context(), key)
	if err != nil {
		log.Printf("grid cache read: %v", err)
	}
	if payload == nil {
		metrics.CacheOutcomes.WithLabelValues("grid", "miss").Inc()
		payload, err = s.renderGrid(r, owner, page, pageSize)
		if err != nil {
			log.Printf("render grid: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := s.cache.SetGrid(r.Context(), key, payload); err != nil {
			log.Printf("grid cache write: %v", err)
		}
	} else {
		metrics.CacheOutcomes.WithLabelValues("grid", "hit").Inc()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.insertHits(r, payload))
}

func (s *Server) renderGrid(r *http.Request, owner string, page, pageSize int) ([]byte, error) {
	images, total, err := s.repo.List(r.Context(), owner, page, pageSize)
	if err != nil {
		return nil, err
	}
	entries := make([]gridEntry, 0, len(images))
	for _, img := range images {
		title := img.Title
		if title == "" {
			title = img.FileID
		}
		entries = append(entries, gridEntry{
			FileID:    img.FileID,
			Shard:     model.ShardPath(img.FileID),
			Extension: img.Extension(),
			Title:     title,
		})
	}
	pages := (total + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}
	var buf bytes.Buffer
	err = gridTemplate.Execute(&buf, struct {
		Images []gridEntry
		Page   int
		Pages  int
	}{entries, page, pages})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// insertHits replaces each hit marker with the image's formatted lifetime
// counter, appending the current month's count when it differs. Markers for
// images with no hits yet are left in place.
func (s *Server) insertHits(r *http.Request, payload []byte) []byte {
	now := time.Now()
	return hitsMarker.ReplaceAllFunc(payload, func(marker []byte) []byte {
		fileid := string(hitsMarker.FindSubmatch(marker)[1])
		total, month, err := s.cache.Hits(r.Context(), fileid, now)
		if err != nil || total == 0 {
			return marker
		}
		text := commafy(total)
		if month != total {
			text += fmt.Sprintf(" (%s hits this month)", commafy(month))
		}
		return []byte(text)
	})
}

// handleImage returns the viewer payload for one image: dimensions, planned
// zoom levels, and where the tiles live. Metadata is served from the Redis
// snapshot when present; viewing also gives the offload scheduler a chance to
// push an aged image to cold storage.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	fileid := mux.Vars(r)["fileid"]

	md, err := s.cache.GetMetadata(r.Context(), fileid)
	if err != nil {
		log.Printf("metadata cache read for %s: %v", fileid, err)
	}
	if md == nil {
		metrics.CacheOutcomes.WithLabelValues("metadata", "miss").Inc()
		img, err := s.repo.Get(r.Context(), fileid)
		if err == repository.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		md = snapshot(img)
		if err := s.cache.SetMetadata(r.Context(), fileid, md); err != nil {
			log.Printf("metadata cache write for %s: %v", fileid, err)
		}
	} else {
		metrics.CacheOutcomes.WithLabelValues("metadata", "hit").Inc()
	}

	ranges := md.Ranges
	if len(ranges) == 0 {
		// Records that predate persisted ranges get a width-only estimate.
		ranges = pyramid.ApproximateRanges(md.Width)
	}

	if err := s.offloader.MaybeOffload(r.Context(), imageFromSnapshot(fileid, md), extensionFor(md.ContentType)); err != nil {
		log.Printf("offload check for %s: %v", fileid, err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"fileid":      fileid,
		"title":       md.Title,
		"owner":       md.Owner,
		"width":       md.Width,
		"ranges":      ranges,
		"defaultZoom": model.DefaultZoom,
		"tileSize":    model.TileSize,
		"shard":       model.ShardPath(fileid),
		"extension":   extensionFor(md.ContentType),
		"cdnDomain":   md.CDNDomain,
	})
}

func (s *Server) handleHit(w http.ResponseWriter, r *http.Request) {
	fileid := mux.Vars(r)["fileid"]
	now := time.Now()
	if err := s.cache.IncrementHits(r.Context(), fileid, now); err != nil {
		log.Printf("increment hits for %s: %v", fileid, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	total, month, err := s.cache.Hits(r.Context(), fileid, now)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"hits": total, "month": month})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	fileid := mux.Vars(r)["fileid"]
	img, err := s.repo.Get(r.Context(), fileid)
	if err == repository.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	total, month, err := s.cache.Hits(r.Context(), fileid, time.Now())
	if err != nil {
		log.Printf("read hits for %s: %v", fileid, err)
	}
	tiles, err := s.cache.TileCount(r.Context(), fileid, func() (int, error) {
		return tiler.CountAllTiles(s.cfg.StaticRoot, fileid)
	})
	if err != nil {
		log.Printf("count tiles for %s: %v", fileid, err)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"image": img,
		"hits":  map[string]int64{"total": total, "month": month},
		"tiles": tiles,
	})
}

// handleEdit updates the user-editable fields. Only the owner may edit, and
// the metadata snapshot is dropped so the next view reads the new values.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	fileid := mux.Vars(r)["fileid"]
	img, ok := s.ownedImage(w, r, fileid)
	if !ok {
		return
	}
	title := r.FormValue("title")
	description := r.FormValue("description")
	if err := s.repo.UpdateMetadata(r.Context(), fileid, title, description); err != nil {
		log.Printf("edit %s: %v", fileid, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.cache.InvalidateMetadata(r.Context(), fileid); err != nil {
		log.Printf("invalidate metadata for %s: %v", fileid, err)
	}
	img.Title = title
	img.Description = description
	respondJSON(w, http.StatusOK, img)
}

// handleDelete removes the record and queues the artifact cleanup. The grid
// cache is cleared so the image disappears from listings immediately.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	fileid := mux.Vars(r)["fileid"]
	if _, ok := s.ownedImage(w, r, fileid); !ok {
		return
	}
	if err := s.repo.Delete(r.Context(), fileid); err != nil {
		log.Printf("delete %s: %v", fileid, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	task, err := queue.NewTask(queue.TaskDeleteImage, queue.DeleteImagePayload{
		Shard: model.ShardPath(fileid),
		Root:  s.cfg.StaticRoot,
	})
	if err == nil {
		_, err = s.broker.Enqueue(r.Context(), queue.TierLow, task)
	}
	if err != nil {
		log.Printf("queue artifact cleanup for %s: %v", fileid, err)
	}
	if err := s.cache.InvalidateMetadata(r.Context(), fileid); err != nil {
		log.Printf("invalidate metadata for %s: %v", fileid, err)
	}
	if err := s.cache.ClearThumbnailGridCache(r.Context()); err != nil {
		log.Printf("clear grid cache: %v", err)
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ownedImage loads the image and enforces that the signed-in user owns it.
// Writes the error response itself when the check fails.
func (s *Server) ownedImage(w http.ResponseWriter, r *http.Request, fileid string) (*model.Image, bool) {
	user := s.currentUser(r)
	if user == "" {
		http.Error(w, "sign in required", http.StatusUnauthorized)
		return nil, false
	}
	img, err := s.repo.Get(r.Context(), fileid)
	if err == repository.ErrNotFound {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if img.Owner != user {
		http.Error(w, "not your image", http.StatusForbidden)
		return nil, false
	}
	return img, true
}

func snapshot(img *model.Image) *cache.Metadata {
	md := &cache.Metadata{
		ContentType:   img.ContentType,
		Owner:         img.Owner,
		Title:         img.Title,
		DateTimestamp: img.Date.Unix(),
		Width:         img.Width,
		Ranges:        img.Ranges,
	}
	if img.CDNDomain != nil {
		md.CDNDomain = *img.CDNDomain
	}
	return md
}

// imageFromSnapshot rebuilds the fields the offload scheduler inspects from a
// cached snapshot, sparing a document-store read on the hot viewing path.
func imageFromSnapshot(fileid string, md *cache.Metadata) *model.Image {
	img := &model.Image{
		FileID:      fileid,
		Owner:       md.Owner,
		ContentType: md.ContentType,
		Width:       md.Width,
		Date:        time.Unix(md.DateTimestamp, 0),
	}
	if md.CDNDomain != "" {
		d := md.CDNDomain
		img.CDNDomain = &d
	}
	return img
}

func extensionFor(contentType string) string {
	if contentType == "image/jpeg" {
		return "jpg"
	}
	return model.DefaultExtension
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// commafy renders 1234567 as "1,234,567".
func commafy(n int64) string {
	s := strconv.FormatInt(n, 10)
	if n < 0 {
		return "-" + commafy(-n)
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}
