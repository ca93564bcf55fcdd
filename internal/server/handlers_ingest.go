package server

import (
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/gigapix/gigapix/internal/model"
	"github.com/gigapix/gigapix/internal/pyramid"
	"github.com/gigapix/gigapix/internal/queue"
	"github.com/gigapix/gigapix/internal/repository"
)

// handleUploadPreview registers a source URL: it probes the remote file with a
// HEAD request, validates the content type, creates the record, and parks the
// probed content type and size in Redis for the progress endpoint. The actual
// download happens in handleUploadDownload.
func (s *Server) handleUploadPreview(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	if user == "" {
		http.Error(w, "sign in required", http.StatusUnauthorized)
		return
	}
	source := strings.TrimSpace(r.FormValue("url"))
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		http.Error(w, "url must be http(s)", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, source, nil)
	if err != nil {
		http.Error(w, "bad url", http.StatusBadRequest)
		return
	}
	resp, err := s.fetcher.Do(req)
	if err != nil {
		http.Error(w, "source unreachable", http.StatusBadGateway)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		http.Error(w, fmt.Sprintf("source returned %d", resp.StatusCode), http.StatusBadGateway)
		return
	}

	contentType := normalizeContentType(resp.Header.Get("Content-Type"), source)
	if contentType == "" {
		http.Error(w, "source is not a jpeg or png", http.StatusUnsupportedMediaType)
		return
	}
	if resp.ContentLength > s.cfg.MaxSourceSize {
		http.Error(w, "source too large", http.StatusRequestEntityTooLarge)
		return
	}

	img := &model.Image{
		Owner:       user,
		Source:      source,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		ContentType: contentType,
	}
	if err := s.repo.CreateWithUniqueFileID(r.Context(), img); err != nil {
		log.Printf("create image: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.cache.SetContentType(r.Context(), img.FileID, contentType); err != nil {
		log.Printf("remember content type for %s: %v", img.FileID, err)
	}
	if resp.ContentLength > 0 {
		if err := s.cache.SetExpectedSize(r.Context(), img.FileID, resp.ContentLength); err != nil {
			log.Printf("remember expected size for %s: %v", img.FileID, err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"fileid":       img.FileID,
		"content_type": contentType,
		"expected":     resp.ContentLength,
	})
}

// handleUploadDownload fetches the registered source, verifies it decodes as
// an image big enough to tile, plans the zoom levels, and drives the full
// pyramid build. The response tells the client whether the image is ready now
// or whether generation continues in the background, in which case the owner
// gets a mail when it finishes.
func (s *Server) handleUploadDownload(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	if user == "" {
		http.Error(w, "sign in required", http.StatusUnauthorized)
		return
	}
	fileid := r.FormValue("fileid")
	if len(fileid) != model.FileIDLength {
		http.Error(w, "bad fileid", http.StatusBadRequest)
		return
	}
	img, err := s.repo.Get(r.Context(), fileid)
	if err == repository.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if img.Owner != user {
		http.Error(w, "not your image", http.StatusForbidden)
		return
	}

	destination := model.OriginalPath(s.cfg.StaticRoot, fileid, img.Extension())
	size, err := s.fetchSource(r, img.Source, destination)
	if err != nil {
		log.Printf("download %s from %s: %v", fileid, img.Source, err)
		s.rollbackIngest(r, fileid, destination)
		http.Error(w, "download failed", http.StatusBadGateway)
		return
	}

	width, height, err := decodeDimensions(destination)
	if err != nil {
		s.rollbackIngest(r, fileid, destination)
		http.Error(w, "source does not decode as an image", http.StatusUnsupportedMediaType)
		return
	}
	if width < model.ZoomWidth(model.RangeMin) {
		// Smaller than one full grid at the lowest level; tiling it would
		// only upscale noise.
		s.rollbackIngest(r, fileid, destination)
		http.Error(w, fmt.Sprintf("image too small, needs at least %d pixels wide", model.ZoomWidth(model.RangeMin)),
			http.StatusUnsupportedMediaType)
		return
	}

	if err := s.repo.SetDimensions(r.Context(), fileid, width, height, size); err != nil {
		log.Printf("record dimensions for %s: %v", fileid, err)
	}
	ranges := s.planAndStoreRanges(r, fileid, width, height)

	hadToGiveUp, err := s.orchestrator.PrepareAllTiles(r.Context(), fileid, destination, ranges, img.Extension())
	if err != nil {
		log.Printf("prepare tiles for %s: %v", fileid, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.cache.ClearThumbnailGridCache(r.Context()); err != nil {
		log.Printf("clear grid cache: %v", err)
	}

	// The owner always gets a mail with the URL. Truncated flags the case
	// where generation continues in the background so the mail can say so.
	url := "/" + fileid
	s.queueReadyMail(r, url, fileid, user, hadToGiveUp)
	if hadToGiveUp {
		respondJSON(w, http.StatusAccepted, map[string]string{"email": user})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleUploadProgress reports download progress as on-disk bytes versus the
// size probed during preview.
func (s *Server) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	fileid := r.URL.Query().Get("fileid")
	if len(fileid) != model.FileIDLength {
		http.Error(w, "bad fileid", http.StatusBadRequest)
		return
	}
	contentType, err := s.cache.ContentType(r.Context(), fileid)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	extension := extensionFor(contentType)

	var written int64
	if info, err := os.Stat(model.OriginalPath(s.cfg.StaticRoot, fileid, extension)); err == nil {
		written = info.Size()
	}
	expected, err := s.cache.ExpectedSize(r.Context(), fileid)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"written": written, "expected": expected})
}

// fetchSource streams the remote file to destination, creating parent
// directories as needed, and returns the byte count.
func (s *Server) fetchSource(r *http.Request, source, destination string) (int64, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, source, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.fetcher.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("source returned %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(destination)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	size, err := io.Copy(out, io.LimitReader(resp.Body, s.cfg.MaxSourceSize+1))
	if err != nil {
		return 0, err
	}
	if size > s.cfg.MaxSourceSize {
		return 0, fmt.Errorf("source exceeds %d bytes", s.cfg.MaxSourceSize)
	}
	return size, nil
}

// rollbackIngest undoes a failed download: the record goes away and the
// partial file is removed.
func (s *Server) rollbackIngest(r *http.Request, fileid, destination string) {
	if err := s.repo.Delete(r.Context(), fileid); err != nil {
		log.Printf("rollback record %s: %v", fileid, err)
	}
	if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
		log.Printf("rollback file %s: %v", destination, err)
	}
}

func (s *Server) planAndStoreRanges(r *http.Request, fileid string, width, height int) []int {
	ranges := pyramid.PlanRanges(width, height)
	if err := s.repo.SetRanges(r.Context(), fileid, ranges); err != nil {
		log.Printf("record ranges for %s: %v", fileid, err)
	}
	return ranges
}

func (s *Server) queueReadyMail(r *http.Request, url, fileid, email string, truncated bool) {
	task, err := queue.NewTask(queue.TaskSendURL, queue.SendURLPayload{
		URL:       url,
		FileID:    fileid,
		Email:     email,
		Debug:     s.cfg.Debug,
		Truncated: truncated,
	})
	if err == nil {
		_, err = s.broker.Enqueue(r.Context(), queue.TierLow, task)
	}
	if err != nil {
		log.Printf("queue ready mail for %s: %v", fileid, err)
	}
}

// decodeDimensions reads just the image header.
func decodeDimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// normalizeContentType validates the probed type, falling back to guessing
// from the URL path when the server sent something generic.
func normalizeContentType(contentType, source string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	switch contentType {
	case "image/jpeg", "image/png":
		return contentType
	}
	switch strings.ToLower(filepath.Ext(strippedPath(source))) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	return ""
}

func strippedPath(source string) string {
	if i := strings.IndexAny(source, "?#"); i >= 0 {
		return source[:i]
	}
	return source
}
