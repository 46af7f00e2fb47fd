package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bbdfi/internal/lending"
	"bbdfi/internal/ledger"
	"bbdfi/internal/observability/metrics"
	"bbdfi/internal/position"
	"bbdfi/internal/sequencer"
	"bbdfi/pkg/logger"
)

// Sequencer 是 API 驱动的编排入口。
type Sequencer interface {
	Execute(ctx context.Context, intent sequencer.Intent) (*sequencer.Result, error)
	Deposit(ctx context.Context, assets ...string) (*sequencer.Result, error)
}

// Lending 执行单笔借贷操作。
type Lending interface {
	Execute(ctx context.Context, op lending.Operation, asset string, amount *big.Int) (*lending.Result, error)
}

// Ledger 提供交易记录的只读查询。
type Ledger interface {
	Get(ctx context.Context, id string) (*ledger.TransactionRecord, error)
	List(ctx context.Context, opts ...ledger.ListOption) ([]*ledger.TransactionRecord, error)
	Stats(ctx context.Context, opts ...ledger.ListOption) (ledger.Stats, error)
}

// Positions 读取借贷仓位。
type Positions interface {
	Snapshot(ctx context.Context, user common.Address) (position.AccountSnapshot, error)
}

// Server 负责暴露 REST 接口，供外部驱动编排与查询交易记录。
type Server struct {
	addr         string
	sequencer    Sequencer
	lending      Lending
	ledger       Ledger
	positions    Positions
	account      common.Address
	floor        float64
	metrics      *metrics.Registry
	metricsPath  string
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	router       chi.Router
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithSequencer 挂载编排接口。
func WithSequencer(seq Sequencer) Option {
	return func(s *Server) { s.sequencer = seq }
}

// WithLending 挂载借贷接口。
func WithLending(ops Lending) Option {
	return func(s *Server) { s.lending = ops }
}

// WithLedger 挂载交易记录查询接口。
func WithLedger(l Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithPositions 挂载仓位查询接口，account 为被查询的钱包地址。
func WithPositions(positions Positions, account common.Address, floor float64) Option {
	return func(s *Server) {
		s.positions = positions
		s.account = account
		if floor > 0 {
			s.floor = floor
		}
	}
}

// WithMetrics 配置指标注册表，并在 path 上暴露。
func WithMetrics(registry *metrics.Registry, path string) Option {
	return func(s *Server) {
		s.metrics = registry
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithTimeouts 覆盖 HTTP 读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.logger = log
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		floor:        1.5,
		metricsPath:  "/metrics",
		readTimeout:  15 * time.Second,
		writeTimeout: 5 * time.Minute,
		logger:       logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试直接驱动。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sequences", s.handleCreateSequence)
		r.Post("/deposits", s.handleDeposit)
		r.Post("/lending/{operation}", s.handleLending)
		r.Get("/transactions", s.handleListTransactions)
		r.Get("/transactions/stats", s.handleTransactionStats)
		r.Get("/transactions/{id}", s.handleTransactionDetail)
		r.Get("/position", s.handlePosition)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录访问日志与请求指标，路由标签取 chi 的路由模式以控制基数。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTPRequest(route, r.Method, status, elapsed)
		s.logger.Debug("处理请求",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
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
