package ethereum

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWallet(t *testing.T) {
	e := &Ethereum{}
	w, err := e.GenerateWallet(context.Background())
	require.NoError(t, err)

	key, err := crypto.HexToECDSA(w.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), w.Address)
	assert.Len(t, w.PrivateKey, 64)
	assert.Equal(t, "0x04", w.PublicKey[:4])
}
