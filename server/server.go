// Package server exposes the face embedding service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/Tutortoise/face-embedding-service/faceembed"
	"github.com/Tutortoise/face-embedding-service/models"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const DefaultMaxUploadBytes = 32 << 20

// Embedder runs the embedding pipeline on raw image bytes.
type Embedder interface {
	Handle(ctx context.Context, data []byte, timings *models.ProcessingTimings) (*faceembed.Result, error)
}

// ModelInfo describes the loaded model for /health and /metrics.
type ModelInfo interface {
	StatsProvider
	ModelName() string
	EmbeddingSize() int
}

type Config struct {
	Host string
	Port int
	// MaxUploadBytes caps request bodies. Zero disables the limit.
	MaxUploadBytes  int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// LogTimings logs per-stage processing times at debug level.
	LogTimings bool
}

type Server struct {
	cfg      Config
	embedder Embedder
	info     ModelInfo
	logger   *zap.Logger
	metrics  *Metrics
	router   *mux.Router
	handler  http.Handler
	http     *http.Server
}

func New(embedder Embedder, info ModelInfo, logger *zap.Logger, cfg Config) (*Server, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.MaxUploadBytes < 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	s := &Server{
		cfg:      cfg,
		embedder: embedder,
		info:     info,
		logger:   logger,
		router:   mux.NewRouter(),
	}

	var stats StatsProvider
	if info != nil {
		stats = info
	}
	s.metrics = NewMetrics(stats)

	s.registerRoutes()
	s.handler = s.wrap(s.router)

	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.metrics.Middleware)

	s.router.HandleFunc("/face-embedding", s.handleFaceEmbedding).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, MessageResponse{Message: MsgNotFound})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, MessageResponse{Message: MsgNotAllowed})
	})
}

// wrap applies the middleware that must also see requests the router
// rejects, such as CORS preflights.
func (s *Server) wrap(h http.Handler) http.Handler {
	h = s.recoverMiddleware(h)
	h = s.logMiddleware(h)
	h = requestIDMiddleware(h)

	return anyMethodCORS(h)
}

var corsMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodHead, http.MethodOptions,
}

func corsOptions(extra string) cors.Options {
	methods := corsMethods
	if extra != "" {
		methods = append(slices.Clone(corsMethods), extra)
	}
	return cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: methods,
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader},
	}
}

// anyMethodCORS allows every method. cors only matches listed methods, so
// requests for an unlisted one get a handler that also allows it.
func anyMethodCORS(h http.Handler) http.Handler {
	standard := cors.New(corsOptions("")).Handler(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		if r.Method == http.MethodOptions {
			if m := r.Header.Get("Access-Control-Request-Method"); m != "" {
				method = m
			}
		}
		if slices.Contains(corsMethods, method) {
			standard.ServeHTTP(w, r)
			return
		}
		cors.New(corsOptions(method)).Handler(h).ServeHTTP(w, r)
	})
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Addr() string {
	return s.http.Addr
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server",
		zap.String("addr", s.http.Addr),
		zap.Int64("max_upload_bytes", s.cfg.MaxUploadBytes),
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.http.Shutdown(ctx)
}
