package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"go.uber.org/zap"
)

func NewRouter(h *Handler, issuer *auth.Issuer, rl config.RateLimitConfig, m *metrics.Metrics,
	gatherer prometheus.Gatherer, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log, m))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	RegisterHandlers(r, h, AuthMiddleware(issuer), BackpressureMiddleware())
	return r
}
