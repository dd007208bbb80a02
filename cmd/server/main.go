package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/chain"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/security"
	"github.com/richardliu001/custody-ledger/internal/service"
	httptransport "github.com/richardliu001/custody-ledger/internal/transport/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	// 1. load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. chain adapter, used here for deposit wallet generation
	adapter, err := chain.New(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatalf("chain adapter: %v", err)
	}

	sealer, err := security.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("sealer: %v", err)
	}
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatalf("jwt issuer: %v", err)
	}

	// 5. repo & services
	limits := service.Limits{
		MaxConcurrentWithdrawals: cfg.Ledger.MaxConcurrentWithdrawals,
		MaxConcurrentDebits:      cfg.Ledger.MaxConcurrentDebits,
		MaxSocketBackpressure:    cfg.Ledger.MaxSocketBackpressure,
	}
	repository := repo.NewRepository(gdb, log)
	ledger := service.NewLedgerService(repository, limits, cfg.Ledger.MaxLockRetries, log)
	accounts := service.NewAccountService(repository, adapter, sealer, issuer, limits, log)

	// 6. gin router
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	router := httptransport.NewRouter(httptransport.NewHandler(ledger, accounts, log), issuer,
		cfg.RateLimit, metrics.New(reg), reg, log)

	// 7. serve
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()
	log.Infof("ledger-server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}
