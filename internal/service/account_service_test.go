package service

import (
	"context"
	"testing"
	"time"

	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/chain/simchain"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/repo/repotest"
	"github.com/richardliu001/custody-ledger/internal/security"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccountService(t *testing.T) (*AccountService, *auth.Issuer, *security.Sealer) {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	sealer, err := security.NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	issuer, err := auth.NewIssuer("test-secret", "custody-ledger", time.Hour)
	require.NoError(t, err)
	r := repo.NewRepository(repotest.Open(t), log)
	return NewAccountService(r, simchain.New(decimal.NewFromInt(1)), sealer, issuer, testLimits, log), issuer, sealer
}

func TestAccountService_CreateAndLogin(t *testing.T) {
	svc, issuer, sealer := newAccountService(t)
	ctx := context.Background()

	lowDebits := 2
	a, err := svc.CreateAccount(ctx, CreateAccountRequest{Username: "alice", Password: "correct horse", MaxConcurrentDebits: &lowDebits})
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.True(t, a.Balance.IsZero())
	assert.NotEmpty(t, a.DepositWalletAddress)

	key, err := sealer.Open(a.DepositWalletPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, a.DepositWalletAddress, simchain.AddressFor(key))
	assert.NotEqual(t, key, a.DepositWalletPrivateKey)

	_, err = svc.CreateAccount(ctx, CreateAccountRequest{Username: "alice", Password: "another pass"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = svc.CreateAccount(ctx, CreateAccountRequest{Username: "bob", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = svc.Login(ctx, "alice", "wrong password")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = svc.Login(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, ErrUnauthorized)

	token, _, err := svc.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)
	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, a.ID, claims.AccountID)
	assert.False(t, claims.Admin)
	assert.Equal(t, 2, claims.MaxConcurrentDebits)
	assert.Equal(t, testLimits.MaxConcurrentWithdrawals, claims.MaxConcurrentWithdrawals)
}

func TestAccountService_OverridesOnlyLower(t *testing.T) {
	svc, _, _ := newAccountService(t)
	ctx := context.Background()

	high := 1000
	a, err := svc.CreateAccount(ctx, CreateAccountRequest{Username: "carol", Password: "password1", MaxConcurrentWithdrawals: &high})
	require.NoError(t, err)
	assert.Equal(t, testLimits.MaxConcurrentWithdrawals, svc.EffectiveLimits(a).MaxConcurrentWithdrawals)
}

func TestAccountService_SetAccountActive(t *testing.T) {
	svc, _, _ := newAccountService(t)
	ctx := context.Background()

	a, err := svc.CreateAccount(ctx, CreateAccountRequest{Username: "dave", Password: "password1"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SetAccountActive(ctx, Caller{AccountID: a.ID}, a.ID, false), ErrForbidden)
	assert.ErrorIs(t, svc.SetAccountActive(ctx, Caller{}, a.ID, false), ErrUnauthorized)
	assert.ErrorIs(t, svc.SetAccountActive(ctx, Caller{AccountID: "root", Admin: true}, "missing", false), ErrAccountNotFound)

	require.NoError(t, svc.SetAccountActive(ctx, Caller{AccountID: "root", Admin: true}, a.ID, false))
	_, _, err = svc.Login(ctx, "dave", "password1")
	assert.ErrorIs(t, err, ErrAccountInactive)
}
