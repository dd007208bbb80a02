package simchain

import (
	"context"
	"errors"
	"testing"

	"github.com/richardliu001/custody-ledger/internal/chain/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetwork_TransferLifecycle(t *testing.T) {
	ctx := context.Background()
	n := New(decimal.NewFromInt(10))

	w, err := n.GenerateWallet(ctx)
	require.NoError(t, err)
	assert.Equal(t, AddressFor(w.PrivateKey), w.Address)

	n.Credit(w.Address, decimal.NewFromInt(1000))
	h := n.Mine()
	assert.Equal(t, int64(1), h)

	bal, err := n.FetchWalletBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(1000)))

	signed, err := n.SignTransaction(ctx, types.Transaction{Sender: w.Address, Recipient: "sim1dest", Amount: decimal.NewFromInt(500)}, w.PrivateKey)
	require.NoError(t, err)
	require.NoError(t, n.SendTransaction(ctx, signed))
	require.NoError(t, n.SendTransaction(ctx, signed), "rebroadcast is a no-op")
	assert.Equal(t, 1, n.Sent())

	tx, err := n.FetchTransaction(ctx, signed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tx.Height)

	mined := n.Mine()
	tx, err = n.FetchTransaction(ctx, signed.ID)
	require.NoError(t, err)
	assert.Equal(t, mined, tx.Height)

	blocks, err := n.FetchBlocks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, signed.ID, blocks[1].Transactions[0].ID)

	bal, _ = n.FetchWalletBalance(ctx, w.Address)
	assert.True(t, bal.Equal(decimal.NewFromInt(490)))
}

func TestNetwork_Failures(t *testing.T) {
	ctx := context.Background()
	n := New(decimal.NewFromInt(1))
	w, _ := n.GenerateWallet(ctx)

	_, err := n.SignTransaction(ctx, types.Transaction{Sender: w.Address, Recipient: "x", Amount: decimal.NewFromInt(1)}, "wrong")
	assert.ErrorIs(t, err, types.ErrInvalidSecret)

	signed, err := n.SignTransaction(ctx, types.Transaction{Sender: w.Address, Recipient: "x", Amount: decimal.NewFromInt(1)}, w.PrivateKey)
	require.NoError(t, err)
	assert.ErrorIs(t, n.SendTransaction(ctx, signed), types.ErrInsufficientBalance)

	boom := errors.New("node down")
	n.FailSends(1, boom)
	assert.ErrorIs(t, n.SendTransaction(ctx, signed), boom)

	n.FailRPC(boom)
	_, err = n.FetchHeight(ctx)
	assert.ErrorIs(t, err, boom)
	n.FailRPC(nil)

	_, err = n.FetchTransaction(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrTransactionNotFound)
}
