package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"

	"AgentWallet/internal/agent"
	"AgentWallet/internal/auth"
	"AgentWallet/internal/observability/metrics"
	"AgentWallet/pkg/logger"
)

const (
	defaultRequestsPerMinute = 120
	defaultReadTimeout       = 10 * time.Second
	maxBodyBytes             = 64 << 10
)

// Server 负责暴露 REST 接口，供外部驱动智能体与付费网关。
type Server struct {
	addr              string
	agent             *agent.Agent
	metrics           *metrics.Recorder
	gatherer          prometheus.Gatherer
	auth              *auth.Service
	requestsPerMinute int
	readTimeout       time.Duration
	log               *slog.Logger
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithMetrics 注入指标记录器，并在 /metrics 暴露 gatherer 中的指标。
func WithMetrics(recorder *metrics.Recorder, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = recorder
		s.gatherer = gatherer
	}
}

// WithAuth 要求 /api/v1 下的请求携带有效的 API Key。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithRequestsPerMinute 设置 /api/v1 下每个客户端 IP 每分钟的请求上限。
func WithRequestsPerMinute(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.requestsPerMinute = n
		}
	}
}

// WithReadTimeout 设置读取请求的超时时间。
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		agent:             ag,
		requestsPerMinute: defaultRequestsPerMinute,
		readTimeout:       defaultReadTimeout,
		log:               logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Routes 返回完整的路由树。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(
			s.requestsPerMinute,
			time.Minute,
			httprate.WithKeyByIP(),
			httprate.WithLimitHandler(s.tooManyRequests),
		))
		if s.auth.Enabled() {
			r.Use(s.auth.Middleware)
		}
		r.Post("/query", s.handleQuery)
		r.Get("/services", s.handleServices)
		r.Post("/services/{name}/calls", s.handleCallService)
		r.Get("/transactions", s.handleTransactions)
		r.Get("/balance", s.handleBalance)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		// 付款中的请求需要完整结束，给足关闭时间。
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录每个请求的状态码与耗时。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(started))
		if status >= http.StatusInternalServerError {
			s.log.Warn("请求处理失败",
				slog.String("route", route),
				slog.Int("status", status),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}
	})
}

func (s *Server) tooManyRequests(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Retry-After", strconv.Itoa(60))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Code:  "RATE_LIMITED",
		Error: "Too many requests. Please try again later.",
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "UNAVAILABLE", Error: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
