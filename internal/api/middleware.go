package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/observability/metrics"
	"superdao-relay/pkg/logger"
)

// observe 以路由模板为维度记录请求指标，避免路径参数撑爆标签基数。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				pattern = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

// webhookGuard 校验合作方 API key，并按 key 限流。
type webhookGuard struct {
	key   []byte
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newWebhookGuard(key string, rps float64, burst int) *webhookGuard {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &webhookGuard{
		key:      []byte(strings.TrimSpace(key)),
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (g *webhookGuard) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(g.rps, g.burst)
		g.limiters[key] = l
	}
	return l
}

// admit 返回 nil 表示请求可以继续处理。
func (g *webhookGuard) admit(r *http.Request) error {
	if g == nil || len(g.key) == 0 {
		return xerrors.New(xerrors.CodeInitializationFailure, "webhook 未配置 API key", xerrors.WithAlert(false))
	}
	got := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if got == "" || subtle.ConstantTimeCompare([]byte(got), g.key) != 1 {
		logger.Audit().Warn("webhook_rejected",
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
		)
		return xerrors.New(xerrors.CodeUnauthenticated, "API key 无效")
	}
	if !g.limiter(got).Allow() {
		logger.Audit().Warn("rate_limit_exceeded",
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
		)
		return xerrors.New(xerrors.CodeRateLimited, "请求过于频繁")
	}
	return nil
}
