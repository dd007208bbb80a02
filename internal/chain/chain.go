// Package chain defines the capability set the settlement engine needs from a
// blockchain network and selects an implementation from configuration.
package chain

import (
	"context"
	"fmt"

	"github.com/richardliu001/custody-ledger/internal/chain/ethereum"
	"github.com/richardliu001/custody-ledger/internal/chain/simchain"
	"github.com/richardliu001/custody-ledger/internal/chain/types"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Adapter is implemented once per supported network.
type Adapter interface {
	GenerateWallet(ctx context.Context) (*types.Wallet, error)
	FetchHeight(ctx context.Context) (int64, error)
	// FetchBlocks returns up to limit consecutive blocks starting at offset, in height order.
	FetchBlocks(ctx context.Context, offset int64, limit int) ([]types.Block, error)
	FetchTransaction(ctx context.Context, id string) (*types.Transaction, error)
	FetchWalletBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SignTransaction(ctx context.Context, tx types.Transaction, secret string) (*types.SignedTransaction, error)
	SendTransaction(ctx context.Context, signed *types.SignedTransaction) error
	FetchFees(ctx context.Context, tx types.Transaction) (decimal.Decimal, error)
}

var (
	_ Adapter = (*ethereum.Ethereum)(nil)
	_ Adapter = (*simchain.Network)(nil)
)

// New connects to the network named in cfg.
func New(ctx context.Context, cfg config.ChainConfig, log *zap.SugaredLogger) (Adapter, error) {
	switch cfg.Network {
	case "ethereum":
		return ethereum.Dial(ctx, cfg.RPCURL, log)
	case "simulated":
		log.Warnf("using simulated chain, balances are not real")
		return simchain.New(decimal.NewFromInt(cfg.SimulatedFee)), nil
	default:
		return nil, fmt.Errorf("chain: network %q not supported", cfg.Network)
	}
}
