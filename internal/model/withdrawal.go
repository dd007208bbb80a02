package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Withdrawal struct {
	ID                 string          `gorm:"primaryKey;size:36"`
	AccountID          string          `gorm:"size:36;not null;index"`
	TransactionID      string          `gorm:"size:64;not null;uniqueIndex"`
	Height             *int64          // set once the broadcast transaction is seen in a block
	AttemptCount       int             `gorm:"not null;default:0"`
	SignedTransaction  string          `gorm:"type:text;not null;default:''"`
	ChainTransactionID *string         `gorm:"size:128"`
	FromWalletAddress  string          `gorm:"size:128"`
	ToWalletAddress    string          `gorm:"size:128;not null"`
	Amount             decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	Fee                decimal.Decimal `gorm:"type:numeric(78,0);not null;default:'0'"`
	Settled            bool            `gorm:"not null;default:false"`
	SettledDate        *time.Time
	SettlementShardKey *int64    `gorm:"index"`
	Canceled           bool      `gorm:"not null;default:false"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (Withdrawal) TableName() string { return "withdrawal" }

// Pending reports whether the withdrawal still awaits broadcast or confirmation.
func (w Withdrawal) Pending() bool { return !w.Settled && !w.Canceled }
