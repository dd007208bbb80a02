package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/custody-ledger/internal/chain/types"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo"
)

// BroadcastPass advances every pending withdrawal in the owned range by one
// step: settle it, wait for it, cancel it, or (re)broadcast it.
func (s *Service) BroadcastPass(ctx context.Context) error {
	rng, err := s.currentRange(ctx)
	if err != nil {
		return err
	}
	pending, err := s.repo.PendingWithdrawals(ctx, rng, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("pending withdrawals: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	height, err := s.chainHeight(ctx)
	if err != nil {
		return fmt.Errorf("fetch height: %w", err)
	}
	for i := range pending {
		if err := s.advance(ctx, &pending[i], height); err != nil {
			if errors.Is(err, repo.ErrStateChanged) {
				s.log.Warnw("withdrawal changed concurrently, skipped", "withdrawal", pending[i].ID)
				continue
			}
			return fmt.Errorf("withdrawal %s: %w", pending[i].ID, err)
		}
	}
	return nil
}

func (s *Service) advance(ctx context.Context, w *model.Withdrawal, height int64) error {
	if w.ChainTransactionID != nil {
		rctx, cancel := s.rpc(ctx)
		tx, err := s.chain.FetchTransaction(rctx, *w.ChainTransactionID)
		cancel()
		switch {
		case err == nil && tx.Height > 0:
			return s.confirm(ctx, w, tx.Height, height)
		case err == nil:
			// known to the node but not mined; it may still land, so never cancel here
			return nil
		case errors.Is(err, types.ErrTransactionNotFound):
		default:
			return fmt.Errorf("fetch transaction: %w", err)
		}
	}

	if w.AttemptCount >= s.cfg.MaxWithdrawalAttempts {
		return s.cancel(ctx, w, fmt.Sprintf("broadcast failed %d times", w.AttemptCount))
	}
	prevAttempts, prevSigned := w.AttemptCount, w.SignedTransaction
	if w.SignedTransaction == "" {
		done, err := s.sign(ctx, w)
		if err != nil || done {
			return err
		}
	}

	w.AttemptCount++
	// nothing is sent unless this copy of the row was still current
	if err := s.repo.SaveWithdrawalAttempt(ctx, w, prevAttempts, prevSigned); err != nil {
		return err
	}
	s.m.WithdrawalAttempts.Inc()

	rctx, cancel := s.rpc(ctx)
	defer cancel()
	err := s.chain.SendTransaction(rctx, &types.SignedTransaction{
		Transaction: types.Transaction{
			ID:        *w.ChainTransactionID,
			Sender:    w.FromWalletAddress,
			Recipient: w.ToWalletAddress,
			Amount:    w.Amount.Sub(w.Fee),
			Fee:       w.Fee,
		},
		Payload: w.SignedTransaction,
	})
	if err != nil {
		s.log.Warnw("withdrawal broadcast failed", "withdrawal", w.ID, "account_id", w.AccountID,
			"attempt", w.AttemptCount, "max_attempts", s.cfg.MaxWithdrawalAttempts, "error", err)
		return nil
	}
	s.log.Infow("withdrawal broadcast", "withdrawal", w.ID, "chain_tx", *w.ChainTransactionID, "attempt", w.AttemptCount)
	return nil
}

// sign prepares the transaction once. The network fee is paid out of the
// withdrawn amount. It reports true when the withdrawal was canceled instead.
func (s *Service) sign(ctx context.Context, w *model.Withdrawal) (bool, error) {
	rctx, cancel := s.rpc(ctx)
	defer cancel()
	tx := types.Transaction{Sender: s.cfg.MainWalletAddress, Recipient: w.ToWalletAddress, Amount: w.Amount}
	fee, err := s.chain.FetchFees(rctx, tx)
	if err != nil {
		return false, fmt.Errorf("fees: %w", err)
	}
	tx.Amount, tx.Fee = w.Amount.Sub(fee), fee
	if !tx.Amount.IsPositive() {
		return true, s.cancel(ctx, w, fmt.Sprintf("amount %s does not cover network fee %s", w.Amount, fee))
	}
	signed, err := s.chain.SignTransaction(rctx, tx, s.cfg.MainWalletSecret)
	if errors.Is(err, types.ErrInvalidSecret) {
		return false, Fatal(fmt.Errorf("main wallet secret: %w", err))
	}
	if err != nil {
		return false, fmt.Errorf("sign: %w", err)
	}
	id := signed.ID
	w.SignedTransaction = signed.Payload
	w.ChainTransactionID = &id
	w.FromWalletAddress = s.cfg.MainWalletAddress
	w.Fee = signed.Fee
	return false, nil
}

func (s *Service) confirm(ctx context.Context, w *model.Withdrawal, minedAt, height int64) error {
	if height-minedAt < s.cfg.RequiredConfirmations {
		if w.Height == nil || *w.Height != minedAt {
			w.Height = &minedAt
			return s.repo.SaveWithdrawalAttempt(ctx, w, w.AttemptCount, w.SignedTransaction)
		}
		return nil
	}
	if err := s.ledger.SettleWithdrawal(ctx, w, minedAt); err != nil {
		return err
	}
	s.m.WithdrawalsSettled.Inc()
	s.log.Infow("withdrawal settled", "withdrawal", w.ID, "account_id", w.AccountID, "height", minedAt)
	return nil
}

func (s *Service) cancel(ctx context.Context, w *model.Withdrawal, reason string) error {
	if _, err := s.ledger.CancelWithdrawal(ctx, w, reason); err != nil {
		return err
	}
	s.m.WithdrawalsCanceled.Inc()
	s.log.Warnw("withdrawal canceled and refunded", "withdrawal", w.ID, "account_id", w.AccountID,
		"amount", w.Amount.String(), "reason", reason)
	return nil
}
