package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a ledger holder. Balance is in the smallest currency unit and is
// only ever changed together with an appended Transaction row.
type Account struct {
	ID                      string          `gorm:"primaryKey;size:36"`
	Username                string          `gorm:"size:64;uniqueIndex;not null"`
	PasswordHash            string          `gorm:"size:100;not null"`
	DepositWalletAddress    string          `gorm:"size:128;index"`
	DepositWalletPublicKey  string          `gorm:"size:256"`
	DepositWalletPrivateKey string          `gorm:"size:512"` // sealed, see internal/security
	Balance                 decimal.Decimal `gorm:"type:numeric(78,0);not null;default:'0'"`
	Version                 uint64          `gorm:"not null;default:0"`
	Active                  bool            `gorm:"not null;default:true"`
	Admin                   bool            `gorm:"not null;default:false"`
	ShardKey                int64           `gorm:"not null;index"`
	// SweepRequests is non-zero while inbound funds on the deposit wallet
	// wait to be forwarded to the custody wallet.
	SweepRequests int64 `gorm:"not null;default:0;index"`

	MaxConcurrentWithdrawals *int
	MaxConcurrentDebits      *int
	MaxSocketBackpressure    *int

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "account" }
