package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"collab-sync/pkg/cache"
	"collab-sync/pkg/config"
	"collab-sync/pkg/db"
	"collab-sync/pkg/handlers"
	"collab-sync/pkg/monitoring"
	"collab-sync/pkg/room"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server represents the application server
type Server struct {
	router      *mux.Router
	roomManager *room.RoomManager
	handlers    *handlers.Handlers
	store       db.Store
	config      *config.Config
	logger      *logrus.Logger
	httpServer  *http.Server
}

// NewLogger builds the process logger from the configured level and format.
func NewLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("value", cfg.LogLevel).Warn("invalid LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// OpenStore opens the store selected by STORE_DRIVER.
func OpenStore(cfg *config.Config) (db.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return db.NewPostgresStore(cfg.GetDatabaseConnectionString())
	case "bolt":
		if dir := filepath.Dir(cfg.BoltPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create %s", dir)
			}
		}
		return db.NewBoltStore(cfg.BoltPath)
	case "memory", "":
		return db.NewMemoryStore(), nil
	}
	return nil, errors.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// NewServer creates a new server instance
func NewServer() (*Server, error) {
	cfg := config.Load()
	logger := NewLogger(cfg)

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	logger.WithField("driver", cfg.StoreDriver).Info("store opened")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	opts := room.Options{
		LockTimeout:   cfg.LockTimeout,
		SnapshotEvery: cfg.SnapshotEvery,
		Cache: cache.Options{
			FlushInterval:    cfg.FlushInterval,
			CompactThreshold: cfg.CompactThreshold,
			MemoryCapacity:   cfg.MemoryCapacity,
		},
	}
	roomManager := room.NewRoomManager(store, opts, logger, metrics)

	h := handlers.NewHandlers(roomManager, logger)
	r := NewRouter(h, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		router:      r,
		roomManager: roomManager,
		handlers:    h,
		store:       store,
		config:      cfg,
		logger:      logger,
		httpServer: &http.Server{
			Addr:              cfg.GetServerAddr(),
			Handler:           corsMiddleware(r),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// NewRouter sets up the routes
func NewRouter(h *handlers.Handlers, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()

	// WebSocket endpoint for real-time collaboration
	r.HandleFunc("/ws/{docId}", h.HandleWebSocket)

	r.HandleFunc("/api/documents", h.ListDocuments).Methods("GET")
	r.HandleFunc("/api/documents/{id}", h.GetDocument).Methods("GET")
	r.HandleFunc("/api/documents/{id}", h.DeleteDocument).Methods("DELETE")
	r.HandleFunc("/api/documents/{id}/revisions", h.GetRevisions).Methods("GET")
	r.HandleFunc("/api/documents/{id}/sessions", h.GetRoomSessions).Methods("GET")

	r.Handle("/metrics", metricsHandler).Methods("GET")
	return r
}

// Start starts the server
func (s *Server) Start(addr string) error {
	if addr != "" {
		s.httpServer.Addr = addr
	}
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting collaborative sync server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// corsMiddleware handles CORS headers and responds to preflight requests
// at the outer layer so they don't get rejected by method-restricted routes.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")

		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Vary", "Access-Control-Request-Headers")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close stops the listener, closes every room and then the store
func (s *Server) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.roomManager.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
