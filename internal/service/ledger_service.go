package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/shard"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Limits are the service-wide defaults. Tokens may carry lower values.
type Limits struct {
	MaxConcurrentWithdrawals int
	MaxConcurrentDebits      int
	MaxSocketBackpressure    int
}

// Caller is the authenticated principal of an Attempt* call.
type Caller struct {
	AccountID string
	Admin     bool
}

// LedgerService is the only code allowed to move balances. Every balance
// change is one database transaction that locks the account row, checks
// limits and funds, bumps the row version and appends the ledger row.
type LedgerService struct {
	repo       repo.RepositoryInterface
	log        *zap.SugaredLogger
	limits     Limits
	maxRetries int
}

func NewLedgerService(r repo.RepositoryInterface, limits Limits, maxRetries int, logger *zap.SugaredLogger) *LedgerService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &LedgerService{repo: r, log: logger, limits: limits, maxRetries: maxRetries}
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface { return s.repo }

// DerivedID maps an external identifier to a stable ledger row id.
func DerivedID(kind, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(kind+":"+id)).String()
}

type TransferRequest struct {
	Amount        decimal.Decimal
	FromAccountID string
	ToAccountID   string
	Data          string
	// DebitID and CreditID are the idempotency keys of the two legs; random
	// ids are generated when empty.
	DebitID  string
	CreditID string
	// ConcurrencyLimit caps in-flight debits of the source account. Zero
	// means the service default; larger values are clamped to it.
	ConcurrencyLimit int
}

type TransferResult struct {
	Debit  model.Transaction
	Credit model.Transaction
}

type EntryRequest struct {
	ID               string
	AccountID        string
	Amount           decimal.Decimal
	Data             string
	ConcurrencyLimit int
}

type WithdrawalRequest struct {
	ID               string
	Amount           decimal.Decimal
	FromAccountID    string
	ToWalletAddress  string
	ConcurrencyLimit int
}

type limitKind int

const (
	noLimit limitKind = iota
	debitLimit
	withdrawalLimit
)

// entry describes one single-account ledger write.
type entry struct {
	row           model.Transaction
	limit         limitKind
	allowed       int
	checkFunds    bool
	requireActive bool
	event         string
	// note marks row.Data as free text that a replay may word differently.
	note bool
	// extra runs inside the same database transaction after the row was
	// inserted, or found already present when replay is true.
	extra func(tx *gorm.DB, row *model.Transaction, replay bool) error
}

var errNoop = errors.New("nothing to do")

func validAmount(a decimal.Decimal) error {
	if !a.IsPositive() || !a.IsInteger() {
		return ErrInvalidAmount
	}
	return nil
}

func authorize(c Caller, accountID string) error {
	if c.AccountID == "" {
		return ErrUnauthorized
	}
	if !c.Admin && c.AccountID != accountID {
		return ErrForbidden
	}
	return nil
}

func effective(requested, def int) int {
	if requested <= 0 || requested > def {
		return def
	}
	return requested
}

// apply runs e in its own transaction, retrying optimistic-lock and
// duplicate-key conflicts.
func (s *LedgerService) apply(ctx context.Context, e entry) (*model.Transaction, error) {
	var (
		out *model.Transaction
		err error
	)
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			out, txErr = s.applyTx(ctx, tx, e)
			return txErr
		})
		if !errors.Is(err, repo.ErrOptimisticLock) && !errors.Is(err, repo.ErrDuplicate) {
			break
		}
		s.log.Warnw("ledger write conflict", "account_id", e.row.AccountID, "tx_id", e.row.ID, "attempt", attempt)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LedgerService) applyTx(ctx context.Context, tx *gorm.DB, e entry) (*model.Transaction, error) {
	acct, err := s.repo.GetAccountForUpdate(ctx, tx, e.row.AccountID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetTransaction(ctx, tx, e.row.ID)
	switch {
	case err == nil:
		if !sameEntry(existing, &e.row, e.note) {
			return nil, ErrIdempotencyConflict
		}
		if e.extra != nil {
			if err := e.extra(tx, existing, true); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	if e.requireActive && !acct.Active {
		return nil, ErrAccountInactive
	}
	newBal := acct.Balance.Add(e.row.Signed())
	if e.row.RecordType == model.RecordDebit {
		if err := s.checkLimit(ctx, tx, acct.ID, e.limit, e.allowed); err != nil {
			return nil, err
		}
		if e.checkFunds && newBal.IsNegative() {
			return nil, ErrInsufficientFunds
		}
	}
	if err := s.repo.UpdateAccountBalance(ctx, tx, acct.ID, newBal, acct.Version); err != nil {
		return nil, err
	}
	row := e.row
	row.BalanceAfter = newBal
	if err := s.repo.CreateTransaction(ctx, tx, &row); err != nil {
		return nil, err
	}
	if e.extra != nil {
		if err := e.extra(tx, &row, false); err != nil {
			return nil, err
		}
	}
	if e.event != "" {
		if err := s.recordEvent(ctx, tx, e.event, &row); err != nil {
			return nil, err
		}
	}
	return &row, nil
}

func (s *LedgerService) checkLimit(ctx context.Context, tx *gorm.DB, accountID string, kind limitKind, allowed int) error {
	var (
		n   int64
		err error
	)
	switch kind {
	case debitLimit:
		n, err = s.repo.CountInFlightDebits(ctx, tx, accountID)
	case withdrawalLimit:
		n, err = s.repo.CountInFlightWithdrawals(ctx, tx, accountID)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if n >= int64(allowed) {
		return ErrConcurrencyLimitExceeded
	}
	return nil
}

// sameEntry reports whether b replays a. Data carries the withdrawal
// destination or the caller's reference, so it must match unless it is a note.
func sameEntry(a, b *model.Transaction, note bool) bool {
	return a.AccountID == b.AccountID &&
		a.Type == b.Type &&
		a.RecordType == b.RecordType &&
		a.Amount.Equal(b.Amount) &&
		samePtr(a.CounterpartyAccountID, b.CounterpartyAccountID) &&
		samePtr(a.CounterpartyTransactionID, b.CounterpartyTransactionID) &&
		(note || a.Data == b.Data)
}

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type eventPayload struct {
	TransactionID string  `json:"transaction_id"`
	AccountID     string  `json:"account_id"`
	Type          string  `json:"type"`
	RecordType    string  `json:"record_type"`
	Amount        string  `json:"amount"`
	Balance       string  `json:"balance"`
	Counterparty  *string `json:"counterparty_account_id,omitempty"`
}

func (s *LedgerService) recordEvent(ctx context.Context, tx *gorm.DB, eventType string, row *model.Transaction) error {
	payload, _ := json.Marshal(eventPayload{
		TransactionID: row.ID,
		AccountID:     row.AccountID,
		Type:          row.Type,
		RecordType:    row.RecordType,
		Amount:        row.Amount.String(),
		Balance:       row.BalanceAfter.String(),
		Counterparty:  row.CounterpartyAccountID,
	})
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate: "Account", AggregateID: row.AccountID, EventType: eventType, Payload: string(payload),
	})
}

// AttemptTransfer is ExecTransfer gated on the caller owning the source account.
func (s *LedgerService) AttemptTransfer(ctx context.Context, caller Caller, req TransferRequest) (*TransferResult, error) {
	if err := authorize(caller, req.FromAccountID); err != nil {
		return nil, err
	}
	return s.transfer(ctx, req, true)
}

// ExecTransfer moves funds between two accounts as two single-account writes
// sharing the debit/credit ids. A crash between the legs leaves the debit
// unmatched until SettleTransfers or a replay writes the credit.
func (s *LedgerService) ExecTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	return s.transfer(ctx, req, false)
}

func (s *LedgerService) transfer(ctx context.Context, req TransferRequest, requireActive bool) (*TransferResult, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSelfTransfer
	}
	if req.DebitID == "" {
		req.DebitID = uuid.NewString()
	}
	if req.CreditID == "" {
		req.CreditID = uuid.NewString()
	}
	// the credit leg must be writable before any funds leave the source
	if _, err := s.repo.GetAccount(ctx, req.ToAccountID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	debit, err := s.apply(ctx, entry{
		row: model.Transaction{
			ID:                        req.DebitID,
			AccountID:                 req.FromAccountID,
			Type:                      model.TxTypeTransfer,
			RecordType:                model.RecordDebit,
			Amount:                    req.Amount,
			CounterpartyAccountID:     &req.ToAccountID,
			CounterpartyTransactionID: &req.CreditID,
			Data:                      req.Data,
			SettlementShardKey:        shard.KeyPtr(req.FromAccountID),
		},
		limit:         debitLimit,
		allowed:       effective(req.ConcurrencyLimit, s.limits.MaxConcurrentDebits),
		checkFunds:    true,
		requireActive: requireActive,
		event:         model.EventTransferCreated,
	})
	if err != nil {
		return nil, err
	}
	credit, err := s.apply(ctx, creditLeg(debit))
	if err != nil {
		s.log.Errorw("transfer credit leg failed, left for reconciliation",
			"debit_id", debit.ID, "credit_id", req.CreditID, "error", err)
		return nil, fmt.Errorf("credit leg %s: %w", req.CreditID, err)
	}
	return &TransferResult{Debit: *debit, Credit: *credit}, nil
}

// creditLeg rebuilds the credit half of a transfer from its debit row.
func creditLeg(debit *model.Transaction) entry {
	debitID := debit.ID
	return entry{
		row: model.Transaction{
			ID:                        *debit.CounterpartyTransactionID,
			AccountID:                 *debit.CounterpartyAccountID,
			Type:                      model.TxTypeTransfer,
			RecordType:                model.RecordCredit,
			Amount:                    debit.Amount,
			CounterpartyAccountID:     &debit.AccountID,
			CounterpartyTransactionID: &debitID,
			Data:                      debit.Data,
			SettlementShardKey:        shard.KeyPtr(debit.AccountID),
		},
	}
}

func (s *LedgerService) AttemptDirectDebit(ctx context.Context, caller Caller, req EntryRequest) (*model.Transaction, error) {
	if err := authorize(caller, req.AccountID); err != nil {
		return nil, err
	}
	return s.directDebit(ctx, req, true)
}

// ExecDirectDebit debits one account without a counterparty, e.g. a fee or a
// manual adjustment.
func (s *LedgerService) ExecDirectDebit(ctx context.Context, req EntryRequest) (*model.Transaction, error) {
	return s.directDebit(ctx, req, false)
}

func (s *LedgerService) directDebit(ctx context.Context, req EntryRequest, requireActive bool) (*model.Transaction, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return s.apply(ctx, entry{
		row: model.Transaction{
			ID:                 req.ID,
			AccountID:          req.AccountID,
			Type:               model.TxTypeTransfer,
			RecordType:         model.RecordDebit,
			Amount:             req.Amount,
			Data:               req.Data,
			SettlementShardKey: shard.KeyPtr(req.AccountID),
		},
		limit:         debitLimit,
		allowed:       effective(req.ConcurrencyLimit, s.limits.MaxConcurrentDebits),
		checkFunds:    true,
		requireActive: requireActive,
		event:         model.EventDebitCreated,
	})
}

// ExecDirectCredit credits one account without a counterparty.
func (s *LedgerService) ExecDirectCredit(ctx context.Context, req EntryRequest) (*model.Transaction, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return s.apply(ctx, entry{
		row: model.Transaction{
			ID:                 req.ID,
			AccountID:          req.AccountID,
			Type:               model.TxTypeTransfer,
			RecordType:         model.RecordCredit,
			Amount:             req.Amount,
			Data:               req.Data,
			SettlementShardKey: shard.KeyPtr(req.AccountID),
		},
		event: model.EventCreditCreated,
	})
}

func (s *LedgerService) AttemptWithdrawal(ctx context.Context, caller Caller, req WithdrawalRequest) (*model.Withdrawal, error) {
	if err := authorize(caller, req.FromAccountID); err != nil {
		return nil, err
	}
	return s.withdraw(ctx, req, true)
}

// ExecWithdrawal skips the caller check but keeps the balance and
// concurrency checks.
func (s *LedgerService) ExecWithdrawal(ctx context.Context, req WithdrawalRequest) (*model.Withdrawal, error) {
	return s.withdraw(ctx, req, false)
}

func (s *LedgerService) withdraw(ctx context.Context, req WithdrawalRequest, requireActive bool) (*model.Withdrawal, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.ToWalletAddress == "" {
		return nil, ErrInvalidAddress
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	w := &model.Withdrawal{
		ID:                 req.ID,
		AccountID:          req.FromAccountID,
		TransactionID:      DerivedID("withdrawal", req.ID),
		ToWalletAddress:    req.ToWalletAddress,
		Amount:             req.Amount,
		Fee:                decimal.Zero,
		SettlementShardKey: shard.KeyPtr(req.FromAccountID),
	}
	_, err := s.apply(ctx, entry{
		row: model.Transaction{
			ID:         w.TransactionID,
			AccountID:  req.FromAccountID,
			Type:       model.TxTypeWithdrawal,
			RecordType: model.RecordDebit,
			Amount:     req.Amount,
			Data:       req.ToWalletAddress,
		},
		limit:         withdrawalLimit,
		allowed:       effective(req.ConcurrencyLimit, s.limits.MaxConcurrentWithdrawals),
		checkFunds:    true,
		requireActive: requireActive,
		event:         model.EventWithdrawalRequested,
		extra: func(tx *gorm.DB, _ *model.Transaction, replay bool) error {
			if replay {
				return nil
			}
			return s.repo.CreateWithdrawal(ctx, tx, w)
		},
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetWithdrawal(ctx, req.ID)
}

// SettleWithdrawal finalizes a confirmed withdrawal and its debit row.
func (s *LedgerService) SettleWithdrawal(ctx context.Context, w *model.Withdrawal, height int64) error {
	now := time.Now()
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.FinishWithdrawal(ctx, tx, w.ID, map[string]interface{}{
			"settled": true, "settled_date": &now, "height": height,
		}); err != nil {
			return err
		}
		if err := s.repo.MarkTransactionsSettled(ctx, tx, []string{w.TransactionID}); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"withdrawal_id": w.ID, "account_id": w.AccountID, "amount": w.Amount.String(),
			"height": height, "chain_tx": w.ChainTransactionID,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Withdrawal", AggregateID: w.ID, EventType: model.EventWithdrawalSettled, Payload: string(payload),
		})
	})
}

// CancelWithdrawal marks a pending withdrawal canceled and credits its amount
// back in the same database transaction. A withdrawal that is no longer
// pending yields repo.ErrStateChanged and no refund.
func (s *LedgerService) CancelWithdrawal(ctx context.Context, w *model.Withdrawal, reason string) (*model.Transaction, error) {
	now := time.Now()
	debitID := w.TransactionID
	return s.apply(ctx, entry{
		row: model.Transaction{
			ID:                        DerivedID("withdrawal-refund", w.ID),
			AccountID:                 w.AccountID,
			Type:                      model.TxTypeWithdrawal,
			RecordType:                model.RecordCredit,
			Amount:                    w.Amount,
			CounterpartyTransactionID: &debitID,
			Data:                      reason,
			Settled:                   true,
			SettledDate:               &now,
		},
		note:  true,
		event: model.EventWithdrawalCanceled,
		extra: func(tx *gorm.DB, _ *model.Transaction, replay bool) error {
			if replay {
				return nil
			}
			if err := s.repo.FinishWithdrawal(ctx, tx, w.ID, map[string]interface{}{"canceled": true}); err != nil {
				return err
			}
			return s.repo.CancelTransaction(ctx, tx, w.TransactionID)
		},
	})
}

// CreditDeposit writes the deposit's credit row and settles the deposit in
// one transaction. It reports false when the deposit was already settled.
// A credit row left without a settled deposit is repaired by marking the
// deposit settled.
func (s *LedgerService) CreditDeposit(ctx context.Context, d *model.Deposit) (bool, error) {
	now := time.Now()
	_, err := s.apply(ctx, entry{
		row: model.Transaction{
			ID:          d.TransactionID,
			AccountID:   d.AccountID,
			Type:        model.TxTypeDeposit,
			RecordType:  model.RecordCredit,
			Amount:      d.Amount,
			Data:        d.ID,
			Settled:     true,
			SettledDate: &now,
		},
		event: model.EventDepositSettled,
		extra: func(tx *gorm.DB, _ *model.Transaction, replay bool) error {
			err := s.repo.MarkDepositSettled(ctx, tx, d.ID)
			if replay && errors.Is(err, repo.ErrStateChanged) {
				return errNoop
			}
			return err
		},
	})
	if errors.Is(err, errNoop) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SettleTransfers settles transfer rows whose shard key lies in rng. Debits
// whose credit leg is missing get it written first. It returns the number of
// rows settled.
func (s *LedgerService) SettleTransfers(ctx context.Context, rng shard.Range, limit int) (int, error) {
	rows, err := s.repo.PendingTransfers(ctx, rng, limit)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(rows)*2)
	for i := range rows {
		row := &rows[i]
		ids = append(ids, row.ID)
		if row.RecordType != model.RecordDebit || row.CounterpartyTransactionID == nil || row.CounterpartyAccountID == nil {
			continue
		}
		credit, err := s.apply(ctx, creditLeg(row))
		if err != nil {
			return 0, fmt.Errorf("repair credit leg of %s: %w", row.ID, err)
		}
		ids = append(ids, credit.ID)
	}
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.MarkTransactionsSettled(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *LedgerService) FetchAccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := s.repo.GetAccount(ctx, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// FetchTransactions fetches recent transactions, oldest first.
func (s *LedgerService) FetchTransactions(ctx context.Context, accountID string, limit int, since time.Time) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListTransactions(ctx, accountID, limit, since)
}
