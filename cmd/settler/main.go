package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/custody-ledger/internal/chain"
	"github.com/richardliu001/custody-ledger/internal/checkpoint"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/events"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/security"
	"github.com/richardliu001/custody-ledger/internal/service"
	"github.com/richardliu001/custody-ledger/internal/settlement"
	"github.com/richardliu001/custody-ledger/internal/shard"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}
	log, err := logger.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()
	log = log.With("worker", cfg.Settlement.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	adapter, err := chain.New(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatalf("chain adapter: %v", err)
	}
	sealer, err := security.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("sealer: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repository := repo.NewRepository(gdb, log)
	ledger := service.NewLedgerService(repository, service.Limits{
		MaxConcurrentWithdrawals: cfg.Ledger.MaxConcurrentWithdrawals,
		MaxConcurrentDebits:      cfg.Ledger.MaxConcurrentDebits,
		MaxSocketBackpressure:    cfg.Ledger.MaxSocketBackpressure,
	}, cfg.Ledger.MaxLockRetries, log)

	sc := cfg.Settlement
	var cp checkpoint.Store
	switch sc.CheckpointStore {
	case "db":
		cp = checkpoint.NewDBStore(gdb, sc.WorkerID)
	default:
		cp = checkpoint.NewFileStore(sc.CheckpointPath)
	}

	scheduler := settlement.NewScheduler(sc.QueueSize, m, log)

	var membership shard.Membership
	switch sc.Membership {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		rm := shard.NewRedisMembership(rdb, sc.MembershipKey, sc.WorkerID, sc.MembershipTTL)
		if err := rm.Heartbeat(ctx); err != nil {
			log.Fatalf("join cluster: %v", err)
		}
		defer func() {
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rm.Leave(leaveCtx); err != nil {
				log.Warnf("leave cluster: %v", err)
			}
		}()
		scheduler.Add(settlement.Task{Name: "heartbeat", Interval: sc.MembershipTTL / 3, Run: rm.Heartbeat})
		membership = rm
	default:
		membership = shard.NewStatic(sc.ShardIndex, sc.ShardCount)
	}

	svc := settlement.New(settlement.Config{
		Network:               cfg.Chain.Network,
		MainWalletAddress:     cfg.Chain.MainWalletAddress,
		MainWalletSecret:      cfg.Chain.MainWalletSecret,
		BlockFetchLimit:       sc.BlockFetchLimit,
		RequiredConfirmations: sc.RequiredConfirmations,
		MaxWithdrawalAttempts: sc.MaxWithdrawalAttempts,
		BatchSize:             sc.BatchSize,
		StartHeight:           sc.StartHeight,
		RPCTimeout:            sc.RPCTimeout,
	}, adapter, ledger, cp, membership, sealer, m, log)
	for _, t := range svc.Tasks(sc.PollInterval, sc.BroadcastInterval, sc.SettleInterval) {
		scheduler.Add(t)
	}

	pub, err := events.NewPublisher(cfg, log)
	if err != nil {
		log.Fatalf("event publisher: %v", err)
	}
	defer pub.Close()
	relay := events.NewRelay(repository, pub, membership, sc.BatchSize, m, log)
	scheduler.Add(settlement.Task{Name: "outbox", Interval: sc.OutboxInterval, Run: relay.Pass})

	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		defer stop()
		return scheduler.Run(gctx)
	})

	log.Infow("ledger-settler started", "network", cfg.Chain.Network, "membership", sc.Membership,
		"checkpoint", sc.CheckpointStore, "metrics", cfg.Metrics.Addr)
	if err := g.Wait(); err != nil {
		log.Errorf("settler stopped: %v", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("settler stopped")
}
