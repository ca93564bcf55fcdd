// Package server exposes the HTTP surface: the thumbnail grid, image pages,
// URL-based ingest, and the on-demand tile/thumbnail synthesizers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/gigapix/gigapix/internal/cache"
	"github.com/gigapix/gigapix/internal/config"
	"github.com/gigapix/gigapix/internal/model"
	"github.com/gigapix/gigapix/internal/offload"
	"github.com/gigapix/gigapix/internal/pyramid"
	"github.com/gigapix/gigapix/internal/queue"
	"github.com/gigapix/gigapix/internal/signing"
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

// ImageStore is the slice of the image repository the handlers use. Satisfied
// by *repository.ImageRepository.
type ImageStore interface {
	CreateWithUniqueFileID(ctx context.Context, img *model.Image) error
	Get(ctx context.Context, fileid string) (*model.Image, error)
	SetDimensions(ctx context.Context, fileid string, width, height int, size int64) error
	SetRanges(ctx context.Context, fileid string, ranges []int) error
	UpdateMetadata(ctx context.Context, fileid, title, description string) error
	Delete(ctx context.Context, fileid string) error
	List(ctx context.Context, owner string, page, pageSize int) ([]*model.Image, int, error)
}

// Server hosts the HTTP handlers. It stitches together the repository, the
// Redis cache, the job broker/awaiter pair, the pyramid orchestrator and the
// offload scheduler.
type Server struct {
	cfg          *config.Config
	repo         ImageStore
	cache        *cache.Cache
	broker       Enqueuer
	awaiter      Waiter
	orchestrator *pyramid.Orchestrator
	offloader    *offload.Scheduler
	signer       *signing.Signer

	fetcher *http.Client

	// tiles coalesces concurrent requests for the same missing tile so
	// only one generation job is enqueued per coordinate.
	tiles singleflight.Group

	httpServer *http.Server
	once       sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo ImageStore, c *cache.Cache,
	broker Enqueuer, awaiter Waiter, orchestrator *pyramid.Orchestrator,
	offloader *offload.Scheduler, signer *signing.Signer) *Server {
	return &Server{
		cfg:          cfg,
		repo:         repo,
		cache:        c,
		broker:       broker,
		awaiter:      awaiter,
		orchestrator: orchestrator,
		offloader:    offloader,
		signer:       signer,
		fetcher:      &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// Routes builds the router. Exposed for handler tests.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/", s.handleHome).Methods(http.MethodGet)

	r.HandleFunc("/upload/preview", s.handleUploadPreview).Methods(http.MethodPost)
	r.HandleFunc("/upload/download", s.handleUploadDownload).Methods(http.MethodPost)
	r.HandleFunc("/upload/progress", s.handleUploadProgress).Methods(http.MethodGet)

	r.HandleFunc("/preload-urls/{fileid:[0-9a-z]{9}}", s.handlePreloadURLs).Methods(http.MethodGet)

	r.HandleFunc("/tiles/{shard:[0-9a-z]/[0-9a-z]{2}/[0-9a-z]{6}}/{size:[0-9]+}/{zoom:[0-9]+}/{row:[0-9]+},{col:[0-9]+}.{extension:jpg|png}",
		s.handleTile).Methods(http.MethodGet)
	r.HandleFunc("/thumbnails/{shard:[0-9a-z]/[0-9a-z]{2}/[0-9a-z]{6}}/{width:[0-9]{1,3}}.{extension:jpg|png}",
		s.handleThumbnail).Methods(http.MethodGet)

	r.HandleFunc("/auth/signout", s.handleSignout).Methods(http.MethodPost)
	if s.cfg.Debug {
		r.HandleFunc("/auth/login", s.handleDevLogin).Methods(http.MethodPost)
	}

	r.HandleFunc("/{fileid:[0-9a-z]{9}}", s.handleImage).Methods(http.MethodGet)
	r.HandleFunc("/{fileid:[0-9a-z]{9}}/hit", s.handleHit).Methods(http.MethodPost)
	r.HandleFunc("/{fileid:[0-9a-z]{9}}/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/{fileid:[0-9a-z]{9}}/edit", s.handleEdit).Methods(http.MethodPost)
	r.HandleFunc("/{fileid:[0-9a-z]{9}}/delete", s.handleDelete).Methods(http.MethodPost)

	r.Use(metricsMiddleware, loggingMiddleware)
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.httpServer = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	log.Printf("gigapix listening on %s", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// currentUser returns the signed-in user's identity, or "" when anonymous.
// The cookie is issued by the external login collaborator using the same
// signing secret.
func (s *Server) currentUser(r *http.Request) string {
	cookie, err := r.Cookie("user")
	if err != nil {
		return ""
	}
	value, ok := s.signer.Decode(cookie.Value)
	if !ok {
		return ""
	}
	return value
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "user",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleDevLogin issues a signed cookie without any identity verification.
// Only routed in debug mode; production login lives in the external identity
// service.
func (s *Server) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	email := r.FormValue("email")
	if email == "" {
		http.Error(w, "missing email", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "user",
		Value:    s.signer.Encode(email),
		Path:     "/",
		MaxAge:   90 * 24 * 60 * 60,
		HttpOnly: true,
	})
	respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode json failed: %v", err)
	}
}
