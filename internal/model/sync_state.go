package model

import "time"

// SyncState is the database form of a settlement worker's chain cursor.
type SyncState struct {
	Name                string `gorm:"primaryKey;size:64"`
	Network             string `gorm:"size:32"`
	SyncFromBlockHeight int64  `gorm:"not null;default:0"`
	UpdatedAt           time.Time
}

func (SyncState) TableName() string { return "sync_state" }

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Account{}, &Transaction{}, &Deposit{}, &Withdrawal{}, &OutboxEvent{}, &SyncState{},
	}
}
