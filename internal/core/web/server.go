package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seckatie/bookshot/internal/core/db"
	"github.com/seckatie/bookshot/internal/logger"
	"github.com/seckatie/bookshot/internal/metrics"
)

// Screenshots is the part of core.Service the API drives.
type Screenshots interface {
	Retry(ctx context.Context, id, ownerID string) (db.Bookmark, error)
	DeleteBookmark(ctx context.Context, id, ownerID string) error
}

type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
	// FilesDir, when set, is served under /files/ for the local storage backend.
	FilesDir string
}

type Server struct {
	db          *db.DB
	screenshots Screenshots
	log         logger.Logger
	metrics     *metrics.Metrics
	filesDir    string
	router      chi.Router
	http        *http.Server
}

// NewServer builds the HTTP API listening on addr.
func NewServer(addr string, database *db.DB, screenshots Screenshots, opts Options) *Server {
	ws := newServer(database, screenshots, opts)
	ws.http = &http.Server{
		Addr:              addr,
		Handler:           ws.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return ws
}

func newServer(database *db.DB, screenshots Screenshots, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	ws := &Server{
		db:          database,
		screenshots: screenshots,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		filesDir:    opts.FilesDir,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(ws.log))
	ws.registerRoutes(r)
	ws.router = r
	return ws
}

// Handler returns the routed handler, mostly for tests.
func (ws *Server) Handler() http.Handler { return ws.router }

func (ws *Server) registerRoutes(r chi.Router) {
	r.Get("/healthz", ws.handleHealthz)
	if ws.metrics != nil {
		r.Method(http.MethodGet, "/metrics", ws.metrics.Handler())
	}
	if ws.filesDir != "" {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(ws.filesDir))))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)

		r.Route("/bookmarks", func(r chi.Router) {
			r.Post("/", ws.createBookmark)
			r.Get("/", ws.listBookmarks)
			r.Get("/{id}", ws.getBookmark)
			r.Patch("/{id}", ws.updateBookmark)
			r.Delete("/{id}", ws.deleteBookmark)
			r.Post("/{id}/screenshot/retry", ws.retryScreenshot)
		})
		r.Get("/tags", ws.listTags)
	})
}

// Start serves until Shutdown is called.
func (ws *Server) Start() error {
	ws.log.Infof("HTTP server listening on %s", ws.http.Addr)
	err := ws.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains open connections until ctx expires.
func (ws *Server) Shutdown(ctx context.Context) error {
	ws.log.Info("HTTP server shutting down")
	return ws.http.Shutdown(ctx)
}

func (ws *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if err := ws.db.Ping(); err != nil {
		ws.log.Warn("health check failed", logger.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
