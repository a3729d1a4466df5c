// Package gateway exposes the scheduler over HTTP: REST introspection,
// NDJSON-streamed turns and a WebSocket lifecycle feed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/smallnest/clawrun/bus"
	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/scheduler"
	"go.uber.org/zap"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Server HTTP 网关
type Server struct {
	cfg           config.GatewayConfig
	sched         *scheduler.Scheduler
	history       RunHistory
	cron          CronJobs
	bus           *bus.MessageBus
	defaultSource string

	handler  *Handler
	upgrader websocket.Upgrader

	httpServer *http.Server
	connsMu    sync.Mutex
	conns      map[string]*wsConn

	log *logger.FieldLogger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRunHistory serves /v1/runs/history from h.
func WithRunHistory(h RunHistory) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithCron serves /v1/cron from c.
func WithCron(c CronJobs) ServerOption {
	return func(s *Server) { s.cron = c }
}

// WithBus feeds /v1/ws from b.
func WithBus(b *bus.MessageBus) ServerOption {
	return func(s *Server) { s.bus = b }
}

// WithDefaultSource sets the source of requests that name none.
func WithDefaultSource(src string) ServerOption {
	return func(s *Server) { s.defaultSource = src }
}

// NewServer 创建网关服务器
func NewServer(cfg config.GatewayConfig, sched *scheduler.Scheduler, opts ...ServerOption) *Server {
	s := &Server{
		cfg:           cfg,
		sched:         sched,
		defaultSource: "chat",
		conns:         make(map[string]*wsConn),
		log:           logger.Component("gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = NewHandler(sched, s.history)
	if s.cron != nil {
		s.handler.registerCronMethods(s.cron)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Post("/sessions/{sessionID}/runs", s.handleEnqueue)
		r.Post("/sessions/{sessionID}/cancel", s.handleCancel)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/history", s.handleRunHistory)
		r.Get("/runs/{runID}", s.handleGetRun)

		if s.cron != nil {
			r.Get("/cron/jobs", s.handleListCronJobs)
			r.Post("/cron/jobs/{jobID}/run", s.handleRunCronJob)
		}

		if s.cfg.WebSocket.Enabled {
			r.Get(wsRoute(s.cfg.WebSocket.Path), s.handleWebSocket)
		}
	})

	return r
}

// wsRoute turns the configured /v1/... path into a route under /v1.
func wsRoute(path string) string {
	if path == "" {
		return "/ws"
	}
	if len(path) > 3 && path[:3] == "/v1" {
		return path[3:]
	}
	return path
}

// Start 启动服务器，ctx 结束时优雅关闭
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: time.Duration(s.cfg.ReadTimeout) * time.Second,
		// Streaming responses outlive any fixed write timeout.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Gateway listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests and closes WebSocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeConns()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	s.log.Info("Gateway stopped")
	return nil
}

// ConnectionCount 当前 WebSocket 连接数
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Request(chimw.GetReqID(r.Context())).With(zap.String("component", "gateway")).Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
