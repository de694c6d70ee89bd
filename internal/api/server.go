package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"X402-Agent/internal/auth"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/internal/payments"
	"X402-Agent/internal/swarm"
	"X402-Agent/internal/task"
	"X402-Agent/internal/tools"
	"X402-Agent/pkg/logger"
)

// PaymentService 是单个代理付款处理器对外暴露的能力。
type PaymentService interface {
	History(ctx context.Context, filter payments.HistoryFilter) ([]payments.Payment, error)
	Analytics(ctx context.Context, agentID string, days int) (payments.Analytics, error)
	ForceFlush(ctx context.Context) (bool, error)
	AddDeferred(ctx context.Context, amount decimal.Decimal, recipient, tool string) error
	DebugInfo() payments.DebugInfo
}

// ToolCaller 是代理调用付费工具的能力，agent.Agent 实现了该接口。
type ToolCaller interface {
	CallTool(ctx context.Context, name string, params map[string]any) ([]byte, error)
	QueueToolCharge(ctx context.Context, name string, params map[string]any) (decimal.Decimal, error)
}

// SwarmView 是蜂群对外暴露的只读视图与费用分摊入口。
type SwarmView interface {
	ID() string
	Config() swarm.Config
	List(ctx context.Context) []swarm.MemberInfo
	Balance(ctx context.Context) (decimal.Decimal, error)
	SpendingSummary() swarm.SpendingSummary
	ExecuteCostSplit(ctx context.Context, total decimal.Decimal, method swarm.CostMethod) (map[string]string, error)
}

// Dependencies 汇总 API 需要的服务，未配置的部分对应接口返回 503。
type Dependencies struct {
	Collaborations *task.Service
	// Payments 与 Agents 以代理 ID 为键。
	Payments map[string]PaymentService
	Agents   map[string]ToolCaller
	Tools    *tools.Registry
	Swarm    SwarmView
}

// Option 配置 Server。
type Option func(*Server)

// WithAllowedOrigins 设置 CORS 允许的来源，默认允许全部。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithAuth 为写操作启用访问密钥校验。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// Server 负责暴露 REST 接口：提交协作、查询付款、管理工具与查看蜂群。
type Server struct {
	addr            string
	deps            Dependencies
	router          *mux.Router
	origins         []string
	shutdownTimeout time.Duration
	auth            *auth.Service
	log             *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		router:          mux.NewRouter(),
		origins:         []string{"*"},
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.observe)

	v1.Handle("/collaborations", s.guard(auth.PermCollaborationsWrite, s.handleCreateCollaboration)).Methods(http.MethodPost)
	v1.HandleFunc("/collaborations", s.handleListCollaborations).Methods(http.MethodGet)
	v1.HandleFunc("/collaborations/stats", s.handleCollaborationStats).Methods(http.MethodGet)
	v1.HandleFunc("/collaborations/{id}", s.handleCollaborationDetail).Methods(http.MethodGet)

	v1.HandleFunc("/payments", s.handlePaymentHistory).Methods(http.MethodGet)
	v1.HandleFunc("/payments/analytics", s.handlePaymentAnalytics).Methods(http.MethodGet)
	v1.Handle("/payments/flush", s.guard(auth.PermPaymentsWrite, s.handleFlush)).Methods(http.MethodPost)
	v1.Handle("/payments/deferred", s.guard(auth.PermPaymentsWrite, s.handleAddDeferred)).Methods(http.MethodPost)

	v1.Handle("/agents/{id}/tools/{name}/call", s.guard(auth.PermPaymentsWrite, s.handleCallTool)).Methods(http.MethodPost)

	v1.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	v1.Handle("/tools", s.guard(auth.PermToolsWrite, s.handleRegisterTool)).Methods(http.MethodPost)
	v1.Handle("/tools/{name}", s.guard(auth.PermToolsWrite, s.handleRemoveTool)).Methods(http.MethodDelete)

	v1.HandleFunc("/swarm", s.handleSwarm).Methods(http.MethodGet)
	v1.HandleFunc("/swarm/spending", s.handleSwarmSpending).Methods(http.MethodGet)
	v1.Handle("/swarm/split", s.guard(auth.PermSwarmWrite, s.handleCostSplit)).Methods(http.MethodPost)

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

func (s *Server) guard(perm string, h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(perm)(h)
}

// Handler 返回带 CORS 的根处理器。
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(s.router)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusRecorder 记录响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 记录每个请求的耗时与状态码，handler 标签使用路由模板。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, elapsed)
		s.log.Debug("request served", "method", r.Method, "route", route, "status", rec.status, "duration", elapsed)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
