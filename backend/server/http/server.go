package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/proctor-relay/backend/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultReadTimeout      = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	RoomStats(roomID string) (model.RoomStats, bool)
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	logger   zerolog.Logger
	svc      RoomService
	deadline time.Duration
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string

	// WebSocket handles relay sessions on /ws.
	WebSocket http.Handler
	// Metrics is served on /metrics when set.
	Metrics http.Handler

	AllowedOrigin    string
	StaticDir        string
	ReadTimeout      time.Duration
	ShutdownDeadline time.Duration
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "http-server").Logger(),
		svc:      cfg.RoomService,
		deadline: cfg.ShutdownDeadline,
	}
	if srv.deadline <= 0 {
		srv.deadline = defaultShutdownDeadline
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(cfg),
		ReadHeaderTimeout: readTimeout,
		IdleTimeout:       time.Minute,
	}
	if closer, ok := cfg.WebSocket.(interface{ Close() }); ok {
		// hijacked connections are not tracked by Shutdown
		srv.RegisterOnShutdown(closer.Close)
	}
	return srv
}

func (srv *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(&srv.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(cfg.AllowedOrigin))

	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}
	r.Get("/healthz", srv.health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms/{roomID}", srv.roomStats)
	})

	if cfg.StaticDir != "" {
		r.NotFound(spaHandler(cfg.StaticDir))
	}
	return r
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) roomStats(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	stats, ok := srv.svc.RoomStats(roomID)
	if !ok {
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: stats})
}

// spaHandler serves files from dir and falls back to index.html
// for client side routes.
func spaHandler(dir string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		name := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if fi, err := os.Stat(name); err == nil && !fi.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, index)
	}
}

func writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), srv.deadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
