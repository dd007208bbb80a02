// Package types holds the network-neutral values exchanged with chain adapters.
// Amounts are integers in the network's smallest unit.
package types

import (
	"errors"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	Address    string
	PublicKey  string
	PrivateKey string
	Passphrase string // empty for networks keyed by raw private keys
}

// Transaction is a simplified single-transfer transaction. Height is 0 while
// the transaction is not yet included in a block.
type Transaction struct {
	ID        string
	Sender    string
	Recipient string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Height    int64
	Data      string
}

type Block struct {
	ID           string
	Height       int64
	Transactions []Transaction
}

// SignedTransaction is ready for broadcast. Payload is the network encoding and
// is stored so a retry rebroadcasts the same transaction.
type SignedTransaction struct {
	Transaction
	Payload string
}

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidSecret       = errors.New("signing secret does not match sender")
	ErrInsufficientBalance = errors.New("wallet balance does not cover amount and fee")
)
