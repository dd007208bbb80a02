package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/chain/simchain"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/repo/repotest"
	"github.com/richardliu001/custody-ledger/internal/security"
	"github.com/richardliu001/custody-ledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	t        *testing.T
	router   *gin.Engine
	accounts *service.AccountService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger()
	require.NoError(t, err)
	sealer, err := security.NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	issuer, err := auth.NewIssuer("test-secret", "custody-ledger", time.Hour)
	require.NoError(t, err)
	limits := service.Limits{MaxConcurrentWithdrawals: 2, MaxConcurrentDebits: 5, MaxSocketBackpressure: 10}

	r := repo.NewRepository(repotest.Open(t), log)
	ledger := service.NewLedgerService(r, limits, 3, log)
	accounts := service.NewAccountService(r, simchain.New(decimal.NewFromInt(1)), sealer, issuer, limits, log)

	reg := prometheus.NewRegistry()
	router := NewRouter(NewHandler(ledger, accounts, log), issuer,
		config.RateLimitConfig{RPS: 1000, Burst: 1000}, metrics.New(reg), reg, log)
	return &testAPI{t: t, router: router, accounts: accounts}
}

func (a *testAPI) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	out := map[string]interface{}{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func (a *testAPI) signup(username string) (id, token string) {
	a.t.Helper()
	code, body := a.do(http.MethodPost, "/v1/accounts", "", gin.H{"username": username, "password": "password-" + username})
	require.Equal(a.t, http.StatusCreated, code, body)
	code, body = a.do(http.MethodPost, "/v1/login", "", gin.H{"username": username, "password": "password-" + username})
	require.Equal(a.t, http.StatusOK, code, body)
	return body["account_id"].(string), body["token"].(string)
}

func TestAPI_TransferFlow(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceTok := api.signup("alice")
	bob, bobTok := api.signup("bob")

	_, err := api.accounts.CreateAccount(context.Background(), service.CreateAccountRequest{
		Username: "root", Password: "password-root", Admin: true,
	})
	require.NoError(t, err)
	code, body := api.do(http.MethodPost, "/v1/login", "", gin.H{"username": "root", "password": "password-root"})
	require.Equal(t, http.StatusOK, code)
	rootTok := body["token"].(string)

	code, _ = api.do(http.MethodPost, "/v1/admin/accounts/"+alice+"/credit", aliceTok, gin.H{"amount": "100"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = api.do(http.MethodPost, "/v1/admin/accounts/"+alice+"/credit", rootTok, gin.H{"amount": "1000000000"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "1000000000", body["balance"])

	code, body = api.do(http.MethodPost, "/v1/transfers", aliceTok, gin.H{
		"to_account_id": bob, "amount": "300000000", "debit_id": "d-1", "credit_id": "c-1",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "700000000", body["balance"])

	// same ids again: no second movement
	code, _ = api.do(http.MethodPost, "/v1/transfers", aliceTok, gin.H{
		"to_account_id": bob, "amount": "300000000", "debit_id": "d-1", "credit_id": "c-1",
	})
	require.Equal(t, http.StatusOK, code)

	code, body = api.do(http.MethodGet, "/v1/balance", bobTok, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "300000000", body["balance"])
	code, body = api.do(http.MethodGet, "/v1/admin/accounts/"+alice+"/balance", rootTok, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "700000000", body["balance"])

	code, _ = api.do(http.MethodPost, "/v1/transfers", bobTok, gin.H{"to_account_id": alice, "amount": "300000001"})
	assert.Equal(t, http.StatusConflict, code)
	code, _ = api.do(http.MethodPost, "/v1/transfers", bobTok, gin.H{"to_account_id": alice, "amount": "abc"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = api.do(http.MethodPost, "/v1/transfers", bobTok, gin.H{"to_account_id": "missing", "amount": "1"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_WithdrawalLimitAndAuth(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceTok := api.signup("alice")
	_, err := api.accounts.CreateAccount(context.Background(), service.CreateAccountRequest{
		Username: "root", Password: "password-root", Admin: true,
	})
	require.NoError(t, err)
	_, body := api.do(http.MethodPost, "/v1/login", "", gin.H{"username": "root", "password": "password-root"})
	rootTok := body["token"].(string)
	code, _ := api.do(http.MethodPost, "/v1/admin/accounts/"+alice+"/credit", rootTok, gin.H{"amount": "1000"})
	require.Equal(t, http.StatusOK, code)

	for i := 0; i < 2; i++ {
		code, body = api.do(http.MethodPost, "/v1/withdrawals", aliceTok, gin.H{"amount": "10", "to_wallet_address": "sim1dest"})
		require.Equal(t, http.StatusAccepted, code, body)
	}
	code, _ = api.do(http.MethodPost, "/v1/withdrawals", aliceTok, gin.H{"amount": "10", "to_wallet_address": "sim1dest"})
	assert.Equal(t, http.StatusTooManyRequests, code)

	code, _ = api.do(http.MethodGet, "/v1/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = api.do(http.MethodGet, "/v1/balance", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = api.do(http.MethodPost, "/v1/admin/accounts/"+alice+"/active", rootTok, gin.H{"active": false})
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodPost, "/v1/withdrawals", aliceTok, gin.H{"amount": "10", "to_wallet_address": "sim1dest"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = api.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
}
