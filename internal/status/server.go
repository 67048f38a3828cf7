// Package status serves the local diagnostics endpoint of the chat client:
// health, readiness, Prometheus metrics and read-only chat snapshots.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultOrigins 未配置时只允许本机页面读取状态
var defaultOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}

// NewRouter 创建状态路由
func NewRouter(checker *Checker, state ChatState, logger *slog.Logger, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/health", checker)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if checker.IsReady() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not Ready"))
	})

	r.Get("/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, state.Rooms())
	})
	r.Get("/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, state.Messages(chi.URLParam(r, "id")))
	})

	return r
}

// Server 状态 HTTP 服务
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer 创建状态服务
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: slog.Default(),
	}
}

// Start 启动服务（阻塞）
func (s *Server) Start() error {
	s.logger.Info("Status server started", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"latency", time.Since(start),
					"request_id", chimw.GetReqID(r.Context()))
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
