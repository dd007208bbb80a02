// Package ethereum implements the chain adapter for ethereum-type networks on
// top of go-ethereum's JSON-RPC client. Amounts are wei.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/richardliu001/custody-ledger/internal/chain/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// gasLimitTransfer is the gas of a plain value transfer.
const gasLimitTransfer = uint64(21000)

type Ethereum struct {
	client  *ethclient.Client
	chainID *big.Int
	signer  ethtypes.Signer
	log     *zap.SugaredLogger
}

// Dial connects to the node at rpcURL and reads its chain id.
func Dial(ctx context.Context, rpcURL string, log *zap.SugaredLogger) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connect ethereum node: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	log.Infow("ethereum adapter connected", "rpc", rpcURL, "chain_id", chainID.String())
	return &Ethereum{
		client:  client,
		chainID: chainID,
		signer:  ethtypes.LatestSignerForChainID(chainID),
		log:     log,
	}, nil
}

func (e *Ethereum) Close() { e.client.Close() }

func (e *Ethereum) GenerateWallet(context.Context) (*types.Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not of type *ecdsa.PublicKey")
	}
	return &types.Wallet{
		Address:    crypto.PubkeyToAddress(*pub).Hex(),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(pub)),
		PrivateKey: strings.TrimPrefix(hexutil.Encode(crypto.FromECDSA(key)), "0x"),
	}, nil
}

func (e *Ethereum) FetchHeight(ctx context.Context) (int64, error) {
	h, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return int64(h), nil
}

func (e *Ethereum) FetchBlocks(ctx context.Context, offset int64, limit int) ([]types.Block, error) {
	blocks := make([]types.Block, 0, limit)
	for h := offset; h < offset+int64(limit); h++ {
		blk, err := e.client.BlockByNumber(ctx, big.NewInt(h))
		if errors.Is(err, ethereum.NotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", h, err)
		}
		b := types.Block{ID: blk.Hash().Hex(), Height: h}
		for _, tx := range blk.Transactions() {
			t, ok := e.convert(tx, h)
			if !ok {
				continue
			}
			b.Transactions = append(b.Transactions, t)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// convert drops contract creations and transactions whose sender cannot be recovered.
func (e *Ethereum) convert(tx *ethtypes.Transaction, height int64) (types.Transaction, bool) {
	if tx.To() == nil {
		return types.Transaction{}, false
	}
	from, err := ethtypes.Sender(e.signer, tx)
	if err != nil {
		e.log.Warnw("cannot recover sender", "tx", tx.Hash().Hex(), "error", err)
		return types.Transaction{}, false
	}
	return types.Transaction{
		ID:        tx.Hash().Hex(),
		Sender:    from.Hex(),
		Recipient: tx.To().Hex(),
		Amount:    decimal.NewFromBigInt(tx.Value(), 0),
		Fee:       decimal.NewFromBigInt(new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas())), 0),
		Height:    height,
		Data:      hexutil.Encode(tx.Data()),
	}, true
}

func (e *Ethereum) FetchTransaction(ctx context.Context, id string) (*types.Transaction, error) {
	hash := common.HexToHash(id)
	tx, pending, err := e.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, types.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}
	var height int64
	if !pending {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", id, err)
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			// reverted transfers moved no value; treat as never landed
			return nil, types.ErrTransactionNotFound
		}
		height = receipt.BlockNumber.Int64()
	}
	t, ok := e.convert(tx, height)
	if !ok {
		return nil, types.ErrTransactionNotFound
	}
	return &t, nil
}

// FetchWalletBalance reports the pending balance so a sweep still in the
// mempool is not sent twice.
func (e *Ethereum) FetchWalletBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	bal, err := e.client.PendingBalanceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", address, err)
	}
	return decimal.NewFromBigInt(bal, 0), nil
}

func (e *Ethereum) FetchFees(ctx context.Context, _ types.Transaction) (decimal.Decimal, error) {
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("suggest gas price: %w", err)
	}
	return decimal.NewFromBigInt(new(big.Int).Mul(price, new(big.Int).SetUint64(gasLimitTransfer)), 0), nil
}

// SignTransaction builds a legacy value transfer. The gas price is derived
// from tx.Fee when set so the recorded fee matches what is paid.
func (e *Ethereum) SignTransaction(ctx context.Context, tx types.Transaction, secret string) (*types.SignedTransaction, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSecret, err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(from.Hex(), tx.Sender) {
		return nil, types.ErrInvalidSecret
	}
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice := new(big.Int).Div(tx.Fee.BigInt(), new(big.Int).SetUint64(gasLimitTransfer))
	if gasPrice.Sign() == 0 {
		if gasPrice, err = e.client.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
	}
	raw := ethtypes.NewTransaction(nonce, common.HexToAddress(tx.Recipient), tx.Amount.BigInt(), gasLimitTransfer, gasPrice, nil)
	signed, err := ethtypes.SignTx(raw, e.signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	tx.ID = signed.Hash().Hex()
	tx.Fee = decimal.NewFromBigInt(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimitTransfer)), 0)
	tx.Height = 0
	return &types.SignedTransaction{Transaction: tx, Payload: hexutil.Encode(payload)}, nil
}

func (e *Ethereum) SendTransaction(ctx context.Context, signed *types.SignedTransaction) error {
	raw, err := hexutil.Decode(signed.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := e.client.SendTransaction(ctx, &tx); err != nil {
		// a rebroadcast of a transaction the node already has is not a failure
		if strings.Contains(err.Error(), "already known") {
			return nil
		}
		return fmt.Errorf("send %s: %w", signed.ID, err)
	}
	e.log.Infow("transaction broadcast", "tx", signed.ID, "to", signed.Recipient, "amount", signed.Amount.String())
	return nil
}
