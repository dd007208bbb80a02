package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/custody-ledger/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	ledger   *service.LedgerService
	accounts *service.AccountService
	log      *zap.SugaredLogger
}

func NewHandler(ledger *service.LedgerService, accounts *service.AccountService, log *zap.SugaredLogger) *Handler {
	return &Handler{ledger: ledger, accounts: accounts, log: log}
}

func RegisterHandlers(r *gin.Engine, h *Handler, authed ...gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	{
		v1.POST("/accounts", h.createAccount)
		v1.POST("/login", h.login)
	}
	user := v1.Group("", authed...)
	{
		user.GET("/balance", h.balance)
		user.GET("/transactions", h.history)
		user.POST("/transfers", h.transfer)
		user.POST("/withdrawals", h.withdraw)
	}
	admin := user.Group("/admin/accounts/:id", RequireAdmin())
	{
		admin.GET("/balance", h.adminBalance)
		admin.POST("/debit", h.adminDebit)
		admin.POST("/credit", h.adminCredit)
		admin.POST("/withdraw", h.adminWithdraw)
		admin.POST("/active", h.adminSetActive)
	}
}

// fail maps ledger errors to HTTP codes. Unknown errors are not echoed.
func (h *Handler) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidAddress), errors.Is(err, service.ErrSelfTransfer):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrAccountInactive):
		code = http.StatusForbidden
	case errors.Is(err, service.ErrAccountNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientFunds), errors.Is(err, service.ErrIdempotencyConflict),
		errors.Is(err, service.ErrUsernameTaken):
		code = http.StatusConflict
	case errors.Is(err, service.ErrConcurrencyLimitExceeded):
		code = http.StatusTooManyRequests
	}
	if code == http.StatusInternalServerError {
		h.log.Errorw("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func caller(c *gin.Context) service.Caller {
	cl := claimsFrom(c)
	if cl == nil {
		return service.Caller{}
	}
	return service.Caller{AccountID: cl.AccountID, Admin: cl.Admin}
}

func parseAmount(s string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, service.ErrInvalidAmount
	}
	return amt, nil
}

type createAccountReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) createAccount(c *gin.Context) {
	var req createAccountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.accounts.CreateAccount(c, service.CreateAccountRequest{Username: req.Username, Password: req.Password})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": a.ID, "username": a.Username, "deposit_address": a.DepositWalletAddress})
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, a, err := h.accounts.Login(c, req.Username, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "account_id": a.ID, "admin": a.Admin})
}

func (h *Handler) balance(c *gin.Context) {
	bal, err := h.ledger.FetchAccountBalance(c, caller(c).AccountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
}

func (h *Handler) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	txs, err := h.ledger.FetchTransactions(c, caller(c).AccountID, limit, since)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

type transferReq struct {
	ToAccountID string `json:"to_account_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Data        string `json:"data"`
	DebitID     string `json:"debit_id"`
	CreditID    string `json:"credit_id"`
}

func (h *Handler) transfer(c *gin.Context) {
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	who := caller(c)
	res, err := h.ledger.AttemptTransfer(c, who, service.TransferRequest{
		Amount:           amt,
		FromAccountID:    who.AccountID,
		ToAccountID:      req.ToAccountID,
		Data:             req.Data,
		DebitID:          req.DebitID,
		CreditID:         req.CreditID,
		ConcurrencyLimit: claimsFrom(c).MaxConcurrentDebits,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"debit_id":  res.Debit.ID,
		"credit_id": res.Credit.ID,
		"balance":   res.Debit.BalanceAfter.String(),
	})
}

type withdrawReq struct {
	ID              string `json:"id"`
	Amount          string `json:"amount" binding:"required"`
	ToWalletAddress string `json:"to_wallet_address" binding:"required"`
}

func (h *Handler) withdraw(c *gin.Context) {
	var req withdrawReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	who := caller(c)
	w, err := h.ledger.AttemptWithdrawal(c, who, service.WithdrawalRequest{
		ID:               req.ID,
		Amount:           amt,
		FromAccountID:    who.AccountID,
		ToWalletAddress:  req.ToWalletAddress,
		ConcurrencyLimit: claimsFrom(c).MaxConcurrentWithdrawals,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"withdrawal_id": w.ID, "transaction_id": w.TransactionID, "status": "pending"})
}

func (h *Handler) adminBalance(c *gin.Context) {
	bal, err := h.ledger.FetchAccountBalance(c, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
}

type entryReq struct {
	ID     string `json:"id"`
	Amount string `json:"amount" binding:"required"`
	Data   string `json:"data"`
}

func (h *Handler) adminEntry(c *gin.Context, debit bool) {
	var req entryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	er := service.EntryRequest{ID: req.ID, AccountID: c.Param("id"), Amount: amt, Data: req.Data}
	exec := h.ledger.ExecDirectCredit
	if debit {
		exec = h.ledger.ExecDirectDebit
	}
	tx, err := exec(c, er)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction_id": tx.ID, "balance": tx.BalanceAfter.String()})
}

func (h *Handler) adminDebit(c *gin.Context)  { h.adminEntry(c, true) }
func (h *Handler) adminCredit(c *gin.Context) { h.adminEntry(c, false) }

func (h *Handler) adminWithdraw(c *gin.Context) {
	var req withdrawReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	w, err := h.ledger.ExecWithdrawal(c, service.WithdrawalRequest{
		ID: req.ID, Amount: amt, FromAccountID: c.Param("id"), ToWalletAddress: req.ToWalletAddress,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"withdrawal_id": w.ID, "transaction_id": w.TransactionID, "status": "pending"})
}

type activeReq struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) adminSetActive(c *gin.Context) {
	var req activeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.accounts.SetAccountActive(c, caller(c), c.Param("id"), *req.Active); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": *req.Active})
}
