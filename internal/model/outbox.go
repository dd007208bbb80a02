package model

import "time"

const (
	EventTransferCreated     = "TransferCreated"
	EventDebitCreated        = "DebitCreated"
	EventCreditCreated       = "CreditCreated"
	EventWithdrawalRequested = "WithdrawalRequested"
	EventWithdrawalSettled   = "WithdrawalSettled"
	EventWithdrawalCanceled  = "WithdrawalCanceled"
	EventDepositSettled      = "DepositSettled"
)

type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID string    `gorm:"size:128;not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
