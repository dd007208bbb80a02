package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/chain/types"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/security"
	"github.com/richardliu001/custody-ledger/internal/shard"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// WalletGenerator is the part of the chain adapter account creation needs.
type WalletGenerator interface {
	GenerateWallet(ctx context.Context) (*types.Wallet, error)
}

type AccountService struct {
	repo    repo.RepositoryInterface
	wallets WalletGenerator
	sealer  *security.Sealer
	issuer  *auth.Issuer
	limits  Limits
	log     *zap.SugaredLogger
}

func NewAccountService(r repo.RepositoryInterface, wallets WalletGenerator, sealer *security.Sealer,
	issuer *auth.Issuer, limits Limits, logger *zap.SugaredLogger) *AccountService {
	return &AccountService{repo: r, wallets: wallets, sealer: sealer, issuer: issuer, limits: limits, log: logger}
}

type CreateAccountRequest struct {
	Username string
	Password string
	Admin    bool

	MaxConcurrentWithdrawals *int
	MaxConcurrentDebits      *int
	MaxSocketBackpressure    *int
}

// CreateAccount registers a holder with a fresh deposit wallet. The wallet's
// private key is stored sealed.
func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*model.Account, error) {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 8 {
		return nil, fmt.Errorf("%w: username and a password of at least 8 characters are required", ErrInvalidRequest)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	w, err := s.wallets.GenerateWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate deposit wallet: %w", err)
	}
	sealed, err := s.sealer.Seal(w.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("seal deposit key: %w", err)
	}
	id := uuid.NewString()
	a := &model.Account{
		ID:                       id,
		Username:                 req.Username,
		PasswordHash:             string(hash),
		DepositWalletAddress:     w.Address,
		DepositWalletPublicKey:   w.PublicKey,
		DepositWalletPrivateKey:  sealed,
		Balance:                  decimal.Zero,
		Active:                   true,
		Admin:                    req.Admin,
		ShardKey:                 shard.Key(id),
		MaxConcurrentWithdrawals: req.MaxConcurrentWithdrawals,
		MaxConcurrentDebits:      req.MaxConcurrentDebits,
		MaxSocketBackpressure:    req.MaxSocketBackpressure,
	}
	if err := s.repo.CreateAccount(ctx, s.repo.DB(ctx), a); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	s.log.Infow("account created", "account_id", a.ID, "deposit_address", a.DepositWalletAddress, "admin", a.Admin)
	return a, nil
}

// Login checks the password and issues a token carrying the account's
// effective limits.
func (s *AccountService) Login(ctx context.Context, username, password string) (string, *model.Account, error) {
	a, err := s.repo.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil, ErrUnauthorized
	}
	if err != nil {
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrUnauthorized
	}
	if !a.Active {
		return "", nil, ErrAccountInactive
	}
	l := s.EffectiveLimits(a)
	token, err := s.issuer.Issue(auth.Claims{
		AccountID:                a.ID,
		Admin:                    a.Admin,
		MaxConcurrentWithdrawals: l.MaxConcurrentWithdrawals,
		MaxConcurrentDebits:      l.MaxConcurrentDebits,
		MaxSocketBackpressure:    l.MaxSocketBackpressure,
	})
	if err != nil {
		return "", nil, fmt.Errorf("issue token: %w", err)
	}
	return token, a, nil
}

// EffectiveLimits applies the account's overrides. Overrides only lower the
// service defaults.
func (s *AccountService) EffectiveLimits(a *model.Account) Limits {
	return Limits{
		MaxConcurrentWithdrawals: lower(s.limits.MaxConcurrentWithdrawals, a.MaxConcurrentWithdrawals),
		MaxConcurrentDebits:      lower(s.limits.MaxConcurrentDebits, a.MaxConcurrentDebits),
		MaxSocketBackpressure:    lower(s.limits.MaxSocketBackpressure, a.MaxSocketBackpressure),
	}
}

func lower(def int, override *int) int {
	if override != nil && *override > 0 && *override < def {
		return *override
	}
	return def
}

// SetAccountActive enables or disables an account. Admin only.
func (s *AccountService) SetAccountActive(ctx context.Context, caller Caller, id string, active bool) error {
	if caller.AccountID == "" {
		return ErrUnauthorized
	}
	if !caller.Admin {
		return ErrForbidden
	}
	if err := s.repo.SetAccountActive(ctx, id, active); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	s.log.Infow("account active flag changed", "account_id", id, "active", active, "by", caller.AccountID)
	return nil
}
