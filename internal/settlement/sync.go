package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/richardliu001/custody-ledger/internal/chain/types"
	"github.com/richardliu001/custody-ledger/internal/checkpoint"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/service"
	"github.com/richardliu001/custody-ledger/internal/shard"
)

// SyncPass scans the next batch of blocks, sweeps deposit wallets in the
// owned range, then credits deposits that reached confirmation depth. Any
// chain or storage failure returns before the checkpoint moves, so the batch
// is scanned again on the next tick. A scan records what it sees for every
// known account, whatever the current range: the checkpoint passes those
// blocks for good, and the worker owning an account later may be another one.
func (s *Service) SyncPass(ctx context.Context) error {
	rng, err := s.currentRange(ctx)
	if err != nil {
		return err
	}
	state, err := s.checkpoint.Load(ctx)
	if err != nil {
		return err
	}
	if state.Network != "" && state.Network != s.cfg.Network {
		return Fatal(fmt.Errorf("%w: %s, running %s", ErrNetworkMismatch, state.Network, s.cfg.Network))
	}
	from := state.SyncFromBlockHeight
	if state.UpdatedAt.IsZero() && from < s.cfg.StartHeight {
		from = s.cfg.StartHeight
	}

	height, err := s.chainHeight(ctx)
	if err != nil {
		return fmt.Errorf("fetch height: %w", err)
	}
	if height >= from {
		if err := s.scan(ctx, from, height); err != nil {
			return err
		}
	}
	if err := s.sweepRequested(ctx, rng); err != nil {
		return err
	}
	return s.settleDeposits(ctx, rng, height)
}

func (s *Service) scan(ctx context.Context, from, height int64) error {
	limit := int64(s.cfg.BlockFetchLimit)
	if remaining := height - from + 1; remaining < limit {
		limit = remaining
	}
	rctx, cancel := s.rpc(ctx)
	blocks, err := s.chain.FetchBlocks(rctx, from, int(limit))
	cancel()
	if err != nil {
		return fmt.Errorf("fetch blocks %d+%d: %w", from, limit, err)
	}
	if len(blocks) == 0 {
		return nil
	}

	requested := make(map[string]bool)
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			if tx.Height == 0 {
				tx.Height = b.Height
			}
			if err := s.processTransaction(ctx, tx, requested); err != nil {
				return fmt.Errorf("block %d tx %s: %w", b.Height, tx.ID, err)
			}
		}
	}

	next := blocks[len(blocks)-1].Height + 1
	if err := s.checkpoint.Save(ctx, checkpoint.State{SyncFromBlockHeight: next, Network: s.cfg.Network}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.m.SyncHeight.Set(float64(next))
	s.log.Infow("blocks synced", "from", from, "next", next, "chain_height", height)
	return nil
}

// owner resolves the account bound to a deposit address. It returns nil for
// unknown addresses.
func (s *Service) owner(ctx context.Context, address string) (*model.Account, error) {
	accts, err := s.repo.FindAccountsByDepositAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	switch len(accts) {
	case 0:
		return nil, nil
	case 1:
	default:
		s.log.Errorw("deposit address bound to multiple accounts", "address", address,
			"account_id", accts[0].ID, "other_account_id", accts[1].ID)
		return nil, Fatal(fmt.Errorf("%w: %s", ErrAmbiguousDepositAddress, address))
	}
	return &accts[0], nil
}

func (s *Service) processTransaction(ctx context.Context, tx types.Transaction, requested map[string]bool) error {
	if strings.EqualFold(tx.Recipient, s.cfg.MainWalletAddress) {
		acct, err := s.owner(ctx, tx.Sender)
		if err != nil || acct == nil {
			return err
		}
		return s.recordDeposit(ctx, acct, tx)
	}

	acct, err := s.owner(ctx, tx.Recipient)
	if err != nil || acct == nil {
		return err
	}
	if requested[acct.ID] {
		return nil
	}
	if err := s.repo.RequestSweep(ctx, acct.ID); err != nil {
		return fmt.Errorf("request sweep: %w", err)
	}
	requested[acct.ID] = true
	return nil
}

// sweepRequested forwards the deposit wallets in rng that received funds.
// A request that arrives while a sweep is in flight keeps the account pending
// for the next pass.
func (s *Service) sweepRequested(ctx context.Context, rng shard.Range) error {
	accts, err := s.repo.PendingSweeps(ctx, rng, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("pending sweeps: %w", err)
	}
	for i := range accts {
		acct := &accts[i]
		if err := s.sweep(ctx, acct); err != nil {
			return err
		}
		err := s.repo.ClearSweep(ctx, acct.ID, acct.SweepRequests)
		if err != nil && !errors.Is(err, repo.ErrStateChanged) {
			return fmt.Errorf("clear sweep: %w", err)
		}
	}
	return nil
}

func (s *Service) recordDeposit(ctx context.Context, acct *model.Account, tx types.Transaction) error {
	d := &model.Deposit{
		ID:                 tx.ID,
		AccountID:          acct.ID,
		TransactionID:      service.DerivedID("deposit", tx.ID),
		Height:             tx.Height,
		Amount:             tx.Amount,
		SettlementShardKey: shard.KeyPtr(acct.ID),
	}
	created, err := s.repo.CreateDeposit(ctx, d)
	if err != nil {
		return fmt.Errorf("create deposit: %w", err)
	}
	if created {
		s.log.Infow("deposit observed", "account_id", acct.ID, "chain_tx", tx.ID,
			"height", tx.Height, "amount", tx.Amount.String())
	}
	return nil
}

// sweep forwards the whole deposit wallet balance, minus the network fee, to
// the custody wallet.
func (s *Service) sweep(ctx context.Context, acct *model.Account) error {
	rctx, cancel := s.rpc(ctx)
	defer cancel()

	addr := acct.DepositWalletAddress
	bal, err := s.chain.FetchWalletBalance(rctx, addr)
	if err != nil {
		return fmt.Errorf("wallet balance %s: %w", addr, err)
	}
	tx := types.Transaction{Sender: addr, Recipient: s.cfg.MainWalletAddress, Amount: bal}
	fee, err := s.chain.FetchFees(rctx, tx)
	if err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	tx.Amount, tx.Fee = bal.Sub(fee), fee
	if !tx.Amount.IsPositive() {
		s.log.Debugw("deposit wallet balance does not cover the sweep fee", "account_id", acct.ID,
			"address", addr, "balance", bal.String(), "fee", fee.String())
		return nil
	}

	secret, err := s.sealer.Open(acct.DepositWalletPrivateKey)
	if err != nil {
		s.log.Errorw("cannot unseal deposit wallet key", "account_id", acct.ID, "address", addr, "error", err)
		return Fatal(fmt.Errorf("unseal deposit key of %s: %w", acct.ID, err))
	}
	signed, err := s.chain.SignTransaction(rctx, tx, secret)
	if err != nil {
		return fmt.Errorf("sign sweep: %w", err)
	}
	if err := s.chain.SendTransaction(rctx, signed); err != nil {
		return fmt.Errorf("send sweep: %w", err)
	}
	s.m.SweepsSent.Inc()
	s.log.Infow("deposit wallet swept", "account_id", acct.ID, "address", addr,
		"chain_tx", signed.ID, "amount", signed.Amount.String(), "fee", signed.Fee.String())
	return nil
}

// settleDeposits credits pending deposits in rng mined at least
// RequiredConfirmations blocks below height.
func (s *Service) settleDeposits(ctx context.Context, rng shard.Range, height int64) error {
	maxHeight := height - s.cfg.RequiredConfirmations
	if maxHeight < 0 {
		return nil
	}
	pending, err := s.repo.PendingDeposits(ctx, rng, maxHeight, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("pending deposits: %w", err)
	}
	for i := range pending {
		d := &pending[i]
		settled, err := s.ledger.CreditDeposit(ctx, d)
		if errors.Is(err, service.ErrAccountNotFound) {
			s.log.Errorw("deposit references a missing account", "account_id", d.AccountID, "deposit", d.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("credit deposit %s: %w", d.ID, err)
		}
		if settled {
			s.m.DepositsSettled.Inc()
			s.log.Infow("deposit settled", "account_id", d.AccountID, "deposit", d.ID,
				"height", d.Height, "amount", d.Amount.String())
		}
	}
	return nil
}
