// Package simchain is a deterministic in-memory network. It backs local runs
// with network "simulated" and drives the settlement tests.
package simchain

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/richardliu001/custody-ledger/internal/chain/types"
	"github.com/shopspring/decimal"
)

// Faucet is the sender of funds injected with Credit.
const Faucet = "sim1faucet"

type Network struct {
	mu       sync.Mutex
	fee      decimal.Decimal
	blocks   []types.Block
	mempool  []types.Transaction
	balances map[string]decimal.Decimal
	nonces   map[string]int

	rpcErr    error
	sendErr   error
	failSends int
	sent      int
}

// New starts a network holding only the genesis block (height 0).
func New(fee decimal.Decimal) *Network {
	return &Network{
		fee:      fee,
		blocks:   []types.Block{{ID: blockID(0), Height: 0}},
		balances: make(map[string]decimal.Decimal),
		nonces:   make(map[string]int),
	}
}

// AddressFor derives the address controlled by a private key.
func AddressFor(privateKey string) string {
	sum := sha256.Sum256([]byte(privateKey))
	return "sim1" + hex.EncodeToString(sum[:])[:40]
}

func blockID(height int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("block-%d", height)))
	return hex.EncodeToString(sum[:])
}

func (n *Network) GenerateWallet(context.Context) (*types.Wallet, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	priv := hex.EncodeToString(raw)
	pub := sha256.Sum256([]byte("pub:" + priv))
	return &types.Wallet{Address: AddressFor(priv), PublicKey: hex.EncodeToString(pub[:]), PrivateKey: priv}, nil
}

func (n *Network) FetchHeight(context.Context) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rpcErr != nil {
		return 0, n.rpcErr
	}
	return int64(len(n.blocks) - 1), nil
}

func (n *Network) FetchBlocks(_ context.Context, offset int64, limit int) ([]types.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rpcErr != nil {
		return nil, n.rpcErr
	}
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("simchain: bad block range %d+%d", offset, limit)
	}
	var out []types.Block
	for h := offset; h < offset+int64(limit) && h < int64(len(n.blocks)); h++ {
		b := n.blocks[h]
		b.Transactions = append([]types.Transaction(nil), b.Transactions...)
		out = append(out, b)
	}
	return out, nil
}

func (n *Network) FetchTransaction(_ context.Context, id string) (*types.Transaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rpcErr != nil {
		return nil, n.rpcErr
	}
	if tx, ok := n.find(id); ok {
		return &tx, nil
	}
	return nil, types.ErrTransactionNotFound
}

func (n *Network) find(id string) (types.Transaction, bool) {
	for _, tx := range n.mempool {
		if tx.ID == id {
			return tx, true
		}
	}
	for _, b := range n.blocks {
		for _, tx := range b.Transactions {
			if tx.ID == id {
				return tx, true
			}
		}
	}
	return types.Transaction{}, false
}

func (n *Network) FetchWalletBalance(_ context.Context, address string) (decimal.Decimal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rpcErr != nil {
		return decimal.Zero, n.rpcErr
	}
	return n.balances[address], nil
}

func (n *Network) FetchFees(context.Context, types.Transaction) (decimal.Decimal, error) {
	return n.fee, nil
}

// SignTransaction assigns the next sender nonce, so signing the same transfer
// twice yields two distinct transactions.
func (n *Network) SignTransaction(_ context.Context, tx types.Transaction, secret string) (*types.SignedTransaction, error) {
	if AddressFor(secret) != tx.Sender {
		return nil, types.ErrInvalidSecret
	}
	n.mu.Lock()
	n.nonces[tx.Sender]++
	nonce := n.nonces[tx.Sender]
	n.mu.Unlock()

	if tx.Fee.IsZero() {
		tx.Fee = n.fee
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", tx.Sender, tx.Recipient, tx.Amount, tx.Fee, nonce)))
	tx.ID = hex.EncodeToString(sum[:])
	tx.Height = 0
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return &types.SignedTransaction{Transaction: tx, Payload: string(payload)}, nil
}

// SendTransaction accepts the transaction into the mempool. Rebroadcasting a
// known transaction is a no-op.
func (n *Network) SendTransaction(_ context.Context, signed *types.SignedTransaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failSends > 0 {
		n.failSends--
		return n.sendErr
	}
	var tx types.Transaction
	if err := json.Unmarshal([]byte(signed.Payload), &tx); err != nil {
		return fmt.Errorf("simchain: decode payload: %w", err)
	}
	if _, ok := n.find(tx.ID); ok {
		return nil
	}
	cost := tx.Amount.Add(tx.Fee)
	if n.balances[tx.Sender].LessThan(cost) {
		return types.ErrInsufficientBalance
	}
	n.balances[tx.Sender] = n.balances[tx.Sender].Sub(cost)
	n.mempool = append(n.mempool, tx)
	n.sent++
	return nil
}

// Credit queues a transfer from the faucet to address.
func (n *Network) Credit(address string, amount decimal.Decimal) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces[Faucet]++
	sum := sha256.Sum256([]byte(fmt.Sprintf("faucet|%s|%s|%d", address, amount, n.nonces[Faucet])))
	id := hex.EncodeToString(sum[:])
	n.mempool = append(n.mempool, types.Transaction{ID: id, Sender: Faucet, Recipient: address, Amount: amount})
	return id
}

// Mine seals the mempool into a new block and returns its height.
func (n *Network) Mine() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := int64(len(n.blocks))
	b := types.Block{ID: blockID(h), Height: h}
	for _, tx := range n.mempool {
		tx.Height = h
		n.balances[tx.Recipient] = n.balances[tx.Recipient].Add(tx.Amount)
		b.Transactions = append(b.Transactions, tx)
	}
	n.mempool = nil
	n.blocks = append(n.blocks, b)
	return h
}

// MineEmpty mines count blocks and returns the new height.
func (n *Network) MineEmpty(count int) int64 {
	var h int64
	for i := 0; i < count; i++ {
		h = n.Mine()
	}
	return h
}

// FailSends makes the next count broadcasts fail with err.
func (n *Network) FailSends(count int, err error) {
	n.mu.Lock()
	n.failSends, n.sendErr = count, err
	n.mu.Unlock()
}

// FailRPC makes read calls fail with err until called again with nil.
func (n *Network) FailRPC(err error) {
	n.mu.Lock()
	n.rpcErr = err
	n.mu.Unlock()
}

// Sent is the number of accepted broadcasts.
func (n *Network) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}
