package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is keyed by the id of the chain transaction that delivered the funds
// to the custody wallet.
type Deposit struct {
	ID                 string          `gorm:"primaryKey;size:128"`
	AccountID          string          `gorm:"size:36;not null;index"`
	TransactionID      string          `gorm:"size:64;not null;uniqueIndex"`
	Height             int64           `gorm:"not null"`
	Amount             decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	Settled            bool            `gorm:"not null;default:false"`
	SettledDate        *time.Time
	SettlementShardKey *int64    `gorm:"index"`
	Canceled           bool      `gorm:"not null;default:false"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
}

func (Deposit) TableName() string { return "deposit" }
