package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeTransfer   = "transfer"

	RecordCredit = "credit"
	RecordDebit  = "debit"
)

// Transaction is an append-only ledger entry. Cancellation is a flag.
type Transaction struct {
	ID                        string          `gorm:"primaryKey;size:64"`
	AccountID                 string          `gorm:"size:36;not null;index"`
	Type                      string          `gorm:"size:16;not null"`
	RecordType                string          `gorm:"size:8;not null"`
	Amount                    decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	BalanceAfter              decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	CounterpartyAccountID     *string         `gorm:"size:36"`
	CounterpartyTransactionID *string         `gorm:"size:64"`
	Data                      string          `gorm:"size:1024"`
	Settled                   bool            `gorm:"not null;default:false"`
	SettledDate               *time.Time
	SettlementShardKey        *int64    `gorm:"index"`
	Canceled                  bool      `gorm:"not null;default:false"`
	CreatedAt                 time.Time `gorm:"autoCreateTime;index"`
}

func (Transaction) TableName() string { return "transaction" }

// Signed returns the amount with the sign of its effect on the balance.
func (t Transaction) Signed() decimal.Decimal {
	if t.RecordType == RecordDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
