package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"superdao-relay/internal/auth"
	"superdao-relay/internal/catalog"
	"superdao-relay/internal/fee"
	"superdao-relay/internal/job"
	"superdao-relay/internal/metadata"
	"superdao-relay/internal/metatx"
	"superdao-relay/internal/observability/metrics"
	"superdao-relay/internal/reward"
	"superdao-relay/internal/web3"
	"superdao-relay/internal/whitelist"
	"superdao-relay/pkg/logger"
)

// JobService 是 API 依赖的任务服务能力。
type JobService interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, opts ...job.ListOption) ([]*job.Job, error)
	Stats(ctx context.Context, opts ...job.ListOption) (job.Stats, error)
}

// ChainResolver 按名称查找链，空名称表示默认链。
type ChainResolver interface {
	Chain(name string) (web3.Chain, error)
}

// FeeSource 返回链当前的费用建议。
type FeeSource interface {
	Fees(ctx context.Context, chain web3.Chain) (fee.Fees, error)
}

// MetaTxChecker 在入队前同步校验 meta-transaction。
type MetaTxChecker interface {
	Check(ctx context.Context, chain web3.Chain, req metatx.ForwardRequest, sig []byte) (common.Address, error)
}

// RewardHandler 处理奖励 webhook。
type RewardHandler interface {
	Handle(ctx context.Context, req reward.Request) (reward.Response, error)
}

// Option 配置 Server。
type Option func(*Server)

// WithJobs 挂载任务接口。
func WithJobs(jobs JobService) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithChains 设置链解析与费用来源，启用 /gas 与 /meta-tx。
func WithChains(chains ChainResolver, fees FeeSource) Option {
	return func(s *Server) {
		s.chains = chains
		s.fees = fees
	}
}

// WithCatalog 挂载 DAO 目录与 metadata 构建器。
func WithCatalog(cat *catalog.Catalog, builder *metadata.Builder) Option {
	return func(s *Server) {
		s.catalog = cat
		s.metadata = builder
	}
}

// WithWhitelist 挂载白名单存储。
func WithWhitelist(store whitelist.Store) Option {
	return func(s *Server) { s.whitelist = store }
}

// WithMetaTx 挂载 meta-transaction 校验器。
func WithMetaTx(checker MetaTxChecker) Option {
	return func(s *Server) { s.metatx = checker }
}

// WithRewards 挂载奖励 webhook，key 为空时 webhook 拒绝所有请求。
func WithRewards(handler RewardHandler, apiKey string, rps float64, burst int) Option {
	return func(s *Server) {
		s.rewards = handler
		s.webhook = newWebhookGuard(apiKey, rps, burst)
	}
}

// WithAuth 设置运营接口使用的认证服务。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 控制是否暴露 /metrics 并记录 HTTP 指标。
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	jobs            JobService
	chains          ChainResolver
	fees            FeeSource
	catalog         *catalog.Catalog
	metadata        *metadata.Builder
	whitelist       whitelist.Store
	metatx          MetaTxChecker
	rewards         RewardHandler
	webhook         *webhookGuard
	auth            *auth.Service
	metrics         bool
	shutdownTimeout time.Duration
	log             *slog.Logger
	now             func() time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 构建路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.metrics {
		r.Use(observe)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/send-nft-reward", s.handleReward)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/gas/{chain}", s.handleGas)
		r.Post("/meta-tx", s.handleMetaTx)

		r.Route("/daos/{dao}", func(r chi.Router) {
			r.Get("/tiers/{tier}/sale-status", s.handleSaleStatus)
			r.Get("/tiers/{tier}/metadata", s.handleMetadata)

			r.With(s.auth.Require(auth.PermWhitelistRead)).Get("/whitelist", s.handleListWhitelist)
			r.With(s.auth.Require(auth.PermWhitelistWrite)).Put("/whitelist/{wallet}", s.handlePutWhitelist)
			r.With(s.auth.Require(auth.PermWhitelistWrite)).Delete("/whitelist/{wallet}", s.handleDeleteWhitelist)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.With(s.auth.Require(auth.PermJobsWrite)).Post("/", s.handleCreateJob)
			r.Group(func(r chi.Router) {
				r.Use(s.auth.Require(auth.PermJobsRead))
				r.Get("/", s.handleListJobs)
				r.Get("/stats", s.handleJobStats)
				r.Get("/{id}", s.handleGetJob)
			})
		})
	})
	return r
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
		s.log.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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
