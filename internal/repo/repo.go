package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/shard"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrOptimisticLock is returned when an account row changed since it was read.
	ErrOptimisticLock = errors.New("optimistic lock conflict")
	// ErrStateChanged is returned when a conditional status update matched no row.
	ErrStateChanged = errors.New("record state changed concurrently")
	// ErrDuplicate is returned when an insert hits a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// RepositoryInterface restricts Repo methods so services can be tested against it.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*model.Account, error)
	GetAccountForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Account, error)
	UpdateAccountBalance(ctx context.Context, tx *gorm.DB, id string, newBalance decimal.Decimal, oldVersion uint64) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	FindAccountsByDepositAddress(ctx context.Context, address string) ([]model.Account, error)
	RequestSweep(ctx context.Context, accountID string) error
	PendingSweeps(ctx context.Context, r shard.Range, limit int) ([]model.Account, error)
	ClearSweep(ctx context.Context, accountID string, seen int64) error

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	CountInFlightDebits(ctx context.Context, tx *gorm.DB, accountID string) (int64, error)
	CountInFlightWithdrawals(ctx context.Context, tx *gorm.DB, accountID string) (int64, error)
	ListTransactions(ctx context.Context, accountID string, limit int, since time.Time) ([]model.Transaction, error)
	PendingTransfers(ctx context.Context, r shard.Range, limit int) ([]model.Transaction, error)
	MarkTransactionsSettled(ctx context.Context, tx *gorm.DB, ids []string) error
	CancelTransaction(ctx context.Context, tx *gorm.DB, id string) error

	CreateDeposit(ctx context.Context, d *model.Deposit) (bool, error)
	GetDepositForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Deposit, error)
	PendingDeposits(ctx context.Context, r shard.Range, maxHeight int64, limit int) ([]model.Deposit, error)
	MarkDepositSettled(ctx context.Context, tx *gorm.DB, id string) error

	CreateWithdrawal(ctx context.Context, tx *gorm.DB, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	PendingWithdrawals(ctx context.Context, r shard.Range, limit int) ([]model.Withdrawal, error)
	SaveWithdrawalAttempt(ctx context.Context, w *model.Withdrawal, prevAttempts int, prevSigned string) error
	FinishWithdrawal(ctx context.Context, tx *gorm.DB, id string, fields map[string]interface{}) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// duplicate needs the dialector's error translation (gorm.Config.TranslateError).
func duplicate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// CreateAccount inserts account.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	return duplicate(tx.WithContext(ctx).Create(a).Error)
}

func (r *Repository) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *Repository) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// GetAccountForUpdate locks account row.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpdateAccountBalance with optimistic lock.
func (r *Repository) UpdateAccountBalance(ctx context.Context, tx *gorm.DB, id string, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (r *Repository) SetAccountActive(ctx context.Context, id string, active bool) error {
	res := r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindAccountsByDepositAddress returns every account bound to address. More
// than one result is a data-integrity problem the caller must handle.
func (r *Repository) FindAccountsByDepositAddress(ctx context.Context, address string) ([]model.Account, error) {
	var accts []model.Account
	err := r.db.WithContext(ctx).Where("deposit_wallet_address = ?", address).Limit(2).Find(&accts).Error
	return accts, err
}

// RequestSweep marks the account's deposit wallet as holding funds to forward.
func (r *Repository) RequestSweep(ctx context.Context, accountID string) error {
	return r.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("sweep_requests", gorm.Expr("sweep_requests + ?", 1)).Error
}

// PendingSweeps returns accounts in rng whose deposit wallet awaits a sweep.
func (r *Repository) PendingSweeps(ctx context.Context, rng shard.Range, limit int) ([]model.Account, error) {
	var accts []model.Account
	err := r.db.WithContext(ctx).
		Where("sweep_requests > ? AND shard_key >= ? AND shard_key < ?", 0, rng.Start, rng.End).
		Order("id asc").
		Limit(limit).
		Find(&accts).Error
	return accts, err
}

// ClearSweep resets the request counter unless new requests arrived since it
// was read as seen, in which case ErrStateChanged is returned.
func (r *Repository) ClearSweep(ctx context.Context, accountID string, seen int64) error {
	res := r.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ? AND sweep_requests = ?", accountID, seen).
		UpdateColumn("sweep_requests", 0)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateChanged
	}
	return nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return duplicate(tx.WithContext(ctx).Create(t).Error)
}

func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CountInFlightDebits counts debits that are neither settled nor canceled.
func (r *Repository) CountInFlightDebits(ctx context.Context, tx *gorm.DB, accountID string) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("account_id = ? AND record_type = ? AND settled = ? AND canceled = ?",
			accountID, model.RecordDebit, false, false).
		Count(&n).Error
	return n, err
}

// CountInFlightWithdrawals counts withdrawals that are neither settled nor canceled.
func (r *Repository) CountInFlightWithdrawals(ctx context.Context, tx *gorm.DB, accountID string) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("account_id = ? AND settled = ? AND canceled = ?", accountID, false, false).
		Count(&n).Error
	return n, err
}

// ListTransactions fetches recent transactions, oldest first.
func (r *Repository) ListTransactions(ctx context.Context, accountID string, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND created_at >= ?", accountID, since).
		Order("created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// PendingTransfers returns unsettled transfer rows (both legs and direct
// debits/credits) whose settlement shard key lies in r.
func (r *Repository) PendingTransfers(ctx context.Context, rng shard.Range, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND settled = ? AND canceled = ? AND settlement_shard_key >= ? AND settlement_shard_key < ?",
			model.TxTypeTransfer, false, false, rng.Start, rng.End).
		Order("settlement_shard_key asc, created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *Repository) MarkTransactionsSettled(ctx context.Context, tx *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	return tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("id IN ? AND settled = ?", ids, false).
		Updates(map[string]interface{}{"settled": true, "settled_date": &now, "settlement_shard_key": nil}).Error
}

// CancelTransaction flags a row canceled. Rows are never deleted.
func (r *Repository) CancelTransaction(ctx context.Context, tx *gorm.DB, id string) error {
	res := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND canceled = ?", id, false).
		Updates(map[string]interface{}{"canceled": true, "settlement_shard_key": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateChanged
	}
	return nil
}

// CreateDeposit inserts d unless a deposit with the same chain transaction id
// exists. It reports whether a row was created.
func (r *Repository) CreateDeposit(ctx context.Context, d *model.Deposit) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(d)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) GetDepositForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Deposit, error) {
	var d model.Deposit
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// PendingDeposits returns unsettled deposits in rng mined at or below maxHeight.
func (r *Repository) PendingDeposits(ctx context.Context, rng shard.Range, maxHeight int64, limit int) ([]model.Deposit, error) {
	var ds []model.Deposit
	err := r.db.WithContext(ctx).
		Where("settled = ? AND canceled = ? AND height <= ? AND settlement_shard_key >= ? AND settlement_shard_key < ?",
			false, false, maxHeight, rng.Start, rng.End).
		Order("height asc, id asc").
		Limit(limit).
		Find(&ds).Error
	return ds, err
}

// MarkDepositSettled settles the deposit and drops it from the pending index.
func (r *Repository) MarkDepositSettled(ctx context.Context, tx *gorm.DB, id string) error {
	now := time.Now()
	res := tx.WithContext(ctx).Model(&model.Deposit{}).
		Where("id = ? AND settled = ?", id, false).
		Updates(map[string]interface{}{"settled": true, "settled_date": &now, "settlement_shard_key": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateChanged
	}
	return nil
}

func (r *Repository) CreateWithdrawal(ctx context.Context, tx *gorm.DB, w *model.Withdrawal) error {
	return duplicate(tx.WithContext(ctx).Create(w).Error)
}

func (r *Repository) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	var w model.Withdrawal
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// PendingWithdrawals returns withdrawals awaiting broadcast or confirmation in rng.
func (r *Repository) PendingWithdrawals(ctx context.Context, rng shard.Range, limit int) ([]model.Withdrawal, error) {
	var ws []model.Withdrawal
	err := r.db.WithContext(ctx).
		Where("settled = ? AND canceled = ? AND settlement_shard_key >= ? AND settlement_shard_key < ?",
			false, false, rng.Start, rng.End).
		Order("created_at asc").
		Limit(limit).
		Find(&ws).Error
	return ws, err
}

// SaveWithdrawalAttempt persists broadcast bookkeeping of a still pending
// withdrawal. The write only lands if the stored attempt count and signed
// payload still equal prevAttempts and prevSigned, so a worker holding a
// stale copy cannot replace a transaction another worker already signed.
func (r *Repository) SaveWithdrawalAttempt(ctx context.Context, w *model.Withdrawal, prevAttempts int, prevSigned string) error {
	res := r.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND settled = ? AND canceled = ? AND attempt_count = ? AND signed_transaction = ?",
			w.ID, false, false, prevAttempts, prevSigned).
		Updates(map[string]interface{}{
			"attempt_count":        w.AttemptCount,
			"signed_transaction":   w.SignedTransaction,
			"chain_transaction_id": w.ChainTransactionID,
			"from_wallet_address":  w.FromWalletAddress,
			"fee":                  w.Fee,
			"height":               w.Height,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateChanged
	}
	return nil
}

// FinishWithdrawal moves a pending withdrawal to a terminal state.
func (r *Repository) FinishWithdrawal(ctx context.Context, tx *gorm.DB, id string, fields map[string]interface{}) error {
	fields["settlement_shard_key"] = nil
	res := tx.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND settled = ? AND canceled = ?", id, false, false).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateChanged
	}
	return nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}
