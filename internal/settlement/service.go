// Package settlement reconciles the ledger with the chain: it sweeps deposit
// wallets, credits confirmed deposits, broadcasts withdrawals and settles
// transfers. Each worker acts only on records whose shard key lies in the
// range its membership currently assigns it.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/custody-ledger/internal/chain"
	"github.com/richardliu001/custody-ledger/internal/checkpoint"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/security"
	"github.com/richardliu001/custody-ledger/internal/service"
	"github.com/richardliu001/custody-ledger/internal/shard"
	"go.uber.org/zap"
)

var (
	// ErrAmbiguousDepositAddress means one deposit address is bound to more
	// than one account. Ownership cannot be decided automatically.
	ErrAmbiguousDepositAddress = errors.New("deposit address bound to multiple accounts")
	ErrNetworkMismatch         = errors.New("checkpoint belongs to another network")
)

type Config struct {
	Network               string
	MainWalletAddress     string
	MainWalletSecret      string
	BlockFetchLimit       int
	RequiredConfirmations int64
	MaxWithdrawalAttempts int
	BatchSize             int
	StartHeight           int64
	RPCTimeout            time.Duration
}

type Service struct {
	cfg        Config
	chain      chain.Adapter
	ledger     *service.LedgerService
	repo       repo.RepositoryInterface
	checkpoint checkpoint.Store
	membership shard.Membership
	sealer     *security.Sealer
	m          *metrics.Metrics
	log        *zap.SugaredLogger
}

func New(cfg Config, adapter chain.Adapter, ledger *service.LedgerService, cp checkpoint.Store,
	membership shard.Membership, sealer *security.Sealer, m *metrics.Metrics, log *zap.SugaredLogger) *Service {
	if cfg.BlockFetchLimit <= 0 {
		cfg.BlockFetchLimit = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 20 * time.Second
	}
	return &Service{
		cfg:        cfg,
		chain:      adapter,
		ledger:     ledger,
		repo:       ledger.Repo(),
		checkpoint: cp,
		membership: membership,
		sealer:     sealer,
		m:          m,
		log:        log,
	}
}

// rpc bounds one chain call. A timeout is a transient failure, never proof
// that a transaction failed.
func (s *Service) rpc(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RPCTimeout)
}

func (s *Service) chainHeight(ctx context.Context) (int64, error) {
	rctx, cancel := s.rpc(ctx)
	defer cancel()
	h, err := s.chain.FetchHeight(rctx)
	if err != nil {
		return 0, err
	}
	s.m.ChainHeight.Set(float64(h))
	return h, nil
}

// currentRange re-derives the owned range; membership may change between passes.
func (s *Service) currentRange(ctx context.Context) (shard.Range, error) {
	rng, err := shard.CurrentRange(ctx, s.membership)
	if err != nil {
		return shard.Range{}, err
	}
	s.m.ShardOwned.Set(float64(rng.End - rng.Start))
	return rng, nil
}

// SettlePass settles transfer rows in the owned range.
func (s *Service) SettlePass(ctx context.Context) error {
	rng, err := s.currentRange(ctx)
	if err != nil {
		return err
	}
	n, err := s.ledger.SettleTransfers(ctx, rng, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		s.m.TransfersSettled.Add(float64(n))
		s.log.Infow("transfers settled", "rows", n, "range", rng.String())
	}
	return nil
}

// Tasks returns the periodic passes of this worker.
func (s *Service) Tasks(poll, broadcast, settle time.Duration) []Task {
	return []Task{
		{Name: "sync", Interval: poll, Run: s.SyncPass},
		{Name: "broadcast", Interval: broadcast, Run: s.BroadcastPass},
		{Name: "settle", Interval: settle, Run: s.SettlePass},
	}
}
