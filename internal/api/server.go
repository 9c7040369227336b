package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/intake"
	"github.com/dharsanguruparan/cardvault/internal/listcache"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/media"
	"github.com/dharsanguruparan/cardvault/internal/metrics"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/uploadsession"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

// userHeader carries the caller's id. Authentication happens upstream.
const userHeader = "X-User-ID"

// Deps groups what the HTTP layer calls into.
type Deps struct {
	Config   *config.Config
	Repo     repository.Store
	Blobs    blobstore.Store
	Cache    listcache.Cache
	Intake   *intake.Service
	Versions *versioning.Service
	Sessions *uploadsession.Manager
	Media    *media.Resolver
	Trigger  media.Trigger
	Log      *logger.Logger
}

// Server exposes cards, collections and upload sessions over HTTP.
type Server struct {
	cfg      *config.Config
	repo     repository.Store
	blobs    blobstore.Store
	cache    listcache.Cache
	intake   *intake.Service
	versions *versioning.Service
	sessions *uploadsession.Manager
	media    *media.Resolver
	trigger  media.Trigger
	log      *logger.Logger
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:      d.Config,
		repo:     d.Repo,
		blobs:    d.Blobs,
		cache:    d.Cache,
		intake:   d.Intake,
		versions: d.Versions,
		sessions: d.Sessions,
		media:    d.Media,
		trigger:  d.Trigger,
		log:      log.With("component", "api"),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/cards", func(r chi.Router) {
		r.Get("/", s.handleListCards)
		r.Post("/", s.handleUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetCard)
			r.Delete("/", s.handleDeleteCard)
			r.Get("/versions", s.handleListVersions)
			r.Post("/versions", s.handleNewVersion)
			r.Post("/fork", s.handleFork)
			r.Get("/download", s.handleDownload)
		})
	})
	r.Route("/collections", func(r chi.Router) {
		r.Get("/", s.handleListCollections)
		r.Get("/{id}", s.handleGetCollection)
	})
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", s.handleBeginUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUpload)
			r.Delete("/", s.handleAbortUpload)
			r.Put("/parts/{n}", s.handleUploadPart)
			r.Post("/complete", s.handleCompleteUpload)
		})
	})
	r.Get("/blobs/*", s.handleBlob)
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

// requireUser writes 401 and returns "" when the caller is anonymous.
func requireUser(w http.ResponseWriter, r *http.Request) string {
	id := userID(r)
	if id == "" {
		respondError(w, &apiError{Status: http.StatusUnauthorized, Code: "unauthenticated", Err: errors.New(userHeader + " header required")})
	}
	return id
}

func intQuery(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already written; an encode error has nowhere to go.
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-User-ID,X-Upload-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter remembers the status code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func wrapWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// metricsMiddleware labels by route pattern rather than raw path so card ids
// do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
