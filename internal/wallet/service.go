package wallet

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

type Balance struct {
	UserID   string `json:"user_id"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
}

// Balance reads a user's balance. A user without a wallet has zero.
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	w, err := s.repo.FindByUserID(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Balance{UserID: userID, Balance: w.Balance, Currency: w.Currency}, nil
}

// Currency reports the currency the wallet is fixed to, "" if none exists.
func (s *Service) Currency(ctx context.Context, userID string) (string, error) {
	w, err := s.repo.FindByUserID(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return w.Currency, nil
}

func (s *Service) Debit(ctx context.Context, req DebitRequest) (*LedgerEntry, error) {
	return Debit(ctx, s.repo, req)
}

func (s *Service) Entries(ctx context.Context, userID string, limit, offset int) ([]LedgerEntry, int64, error) {
	w, err := s.repo.FindByUserID(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return []LedgerEntry{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListEntries(ctx, w.ID, limit, offset)
}

type AuditResult struct {
	WalletID uuid.UUID `json:"wallet_id"`
	Balance  int64     `json:"balance"`
	Ledger   int64     `json:"ledger"`
}

func (a AuditResult) Consistent() bool {
	return a.Balance == a.Ledger
}

// Audit compares the stored balance with the signed sum of the wallet's entries.
func (s *Service) Audit(ctx context.Context, w Wallet) (*AuditResult, error) {
	sum, err := s.repo.SumEntries(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	return &AuditResult{WalletID: w.ID, Balance: w.Balance, Ledger: sum}, nil
}

func (s *Service) ListWallets(ctx context.Context, limit, offset int) ([]Wallet, error) {
	return s.repo.ListWallets(ctx, limit, offset)
}
