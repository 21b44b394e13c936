package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/id"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/money"
)

type Settings struct {
	SupportedCurrencies []string
	// Routes picks a gateway per currency when the caller does not name one.
	Routes    map[string]string
	MinAmount int64
}

// WalletCurrencies reports the currency a user's wallet is fixed to, or ""
// when the user has no wallet yet.
type WalletCurrencies interface {
	Currency(ctx context.Context, userID string) (string, error)
}

// Reconciler applies a gateway outcome to the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, ev gateway.TransactionEvent) error
}

type Service struct {
	repo       Repository
	gateways   *gateway.Registry
	settings   Settings
	wallets    WalletCurrencies
	reconciler Reconciler
}

func NewService(repo Repository, gateways *gateway.Registry, settings Settings, wallets WalletCurrencies, reconciler Reconciler) *Service {
	return &Service{
		repo:       repo,
		gateways:   gateways,
		settings:   settings,
		wallets:    wallets,
		reconciler: reconciler,
	}
}

type InitiateInput struct {
	UserID   string
	Amount   int64
	Currency string
	Purpose  string
	Gateway  string
	Payer    string
}

type InitiateOutput struct {
	TransactionID     uuid.UUID    `json:"transaction_id"`
	MerchantReference string       `json:"merchant_reference"`
	ExternalReference string       `json:"external_reference"`
	Gateway           gateway.Name `json:"gateway"`
	Status            Status       `json:"status"`
	Instructions      string       `json:"instructions,omitempty"`
	RedirectURL       string       `json:"redirect_url,omitempty"`
}

// InitiatePayment validates the request, starts the payment at the chosen
// gateway, and records it as PENDING. The transaction id is generated first
// so it travels to the gateway as metadata and idempotency key.
func (s *Service) InitiatePayment(ctx context.Context, in InitiateInput) (*InitiateOutput, error) {
	currency := money.Normalize(in.Currency)
	if !money.Known(currency) || !s.supported(currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, in.Currency)
	}
	if in.Amount <= 0 || in.Amount < s.settings.MinAmount {
		return nil, fmt.Errorf("%w: must be at least %d", ErrInvalidAmount, max(s.settings.MinAmount, 1))
	}

	adapter, err := s.selectGateway(in.Gateway, currency)
	if err != nil {
		return nil, err
	}

	if s.wallets != nil {
		walletCurrency, err := s.wallets.Currency(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		if walletCurrency != "" && walletCurrency != currency {
			return nil, fmt.Errorf("%w: wallet is held in %s", ErrUnsupportedCurrency, walletCurrency)
		}
	}

	txn := &Transaction{
		ID:                id.Generate(),
		UserID:            in.UserID,
		Gateway:           adapter.Name(),
		MerchantReference: id.Reference("PAY"),
		Amount:            in.Amount,
		Currency:          currency,
		Status:            StatusPending,
		Purpose:           in.Purpose,
		PayerContext:      in.Payer,
	}

	res, err := adapter.Initiate(ctx, gateway.InitiateRequest{
		TransactionID:     txn.ID.String(),
		MerchantReference: txn.MerchantReference,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		Payer:             in.Payer,
		Purpose:           in.Purpose,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidAmount) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		}
		return nil, err
	}

	txn.ExternalReference = res.ExternalReference
	txn.RawGatewayState = RawJSON(res.Raw)
	if err := s.repo.Create(ctx, txn); err != nil {
		// the gateway holds a payment we could not record; it carries our id
		logger.Error("failed to record initiated payment", logger.Merge(logger.WithError(err), logger.Fields{
			logger.TransactionKey: txn.ID.String(),
			logger.GatewayKey:     string(txn.Gateway),
			logger.ReferenceKey:   txn.ExternalReference,
		}))
		return nil, err
	}

	logger.Info("payment initiated", logger.Fields{
		logger.TransactionKey: txn.ID.String(),
		logger.GatewayKey:     string(txn.Gateway),
		logger.ReferenceKey:   txn.ExternalReference,
		logger.UserIdKey:      txn.UserID,
		"amount":              txn.Amount,
		"currency":            txn.Currency,
	})

	return &InitiateOutput{
		TransactionID:     txn.ID,
		MerchantReference: txn.MerchantReference,
		ExternalReference: txn.ExternalReference,
		Gateway:           txn.Gateway,
		Status:            txn.Status,
		Instructions:      res.Instructions,
		RedirectURL:       res.RedirectURL,
	}, nil
}

func (s *Service) GetTransactionStatus(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	return s.repo.FindByID(ctx, txID)
}

func (s *Service) History(ctx context.Context, txID uuid.UUID) ([]Transition, error) {
	if _, err := s.repo.FindByID(ctx, txID); err != nil {
		return nil, err
	}
	return s.repo.Transitions(ctx, txID)
}

// Verify polls the gateway for the transaction and feeds the answer through
// reconciliation. Repeating it is harmless: an outcome that is already
// recorded comes back as a duplicate and the stored row is returned.
func (s *Service) Verify(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	txn, err := s.repo.FindByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if txn.Status == StatusRefunded {
		return txn, nil
	}

	adapter, ok := s.gateways.Get(txn.Gateway)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", gateway.ErrGatewayUnavailable, txn.Gateway)
	}

	st, err := adapter.Verify(ctx, txn.ExternalReference)
	if err != nil {
		return nil, err
	}

	if err := s.reconciler.Reconcile(ctx, st.Event(txn.Gateway, gateway.SourceVerify)); err != nil {
		if !errors.Is(err, ErrDuplicateNotification) && !errors.Is(err, ErrStateViolation) {
			return nil, err
		}
	}

	return s.repo.FindByID(ctx, txID)
}

func (s *Service) supported(currency string) bool {
	if len(s.settings.SupportedCurrencies) == 0 {
		return true
	}
	for _, c := range s.settings.SupportedCurrencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// selectGateway honours an explicit choice, else the currency route. The
// chosen gateway must be configured and collect the currency.
func (s *Service) selectGateway(requested, currency string) (gateway.Adapter, error) {
	raw := requested
	if raw == "" {
		raw = s.settings.Routes[currency]
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no gateway routes %s", ErrUnsupportedCurrency, currency)
	}

	name, ok := gateway.ParseName(raw)
	if !ok {
		return nil, fmt.Errorf("%w: unknown gateway %q", gateway.ErrInvalidPayerContext, raw)
	}
	if !s.gateways.Supports(name, currency) {
		return nil, fmt.Errorf("%w: %s does not collect %s", ErrUnsupportedCurrency, name, currency)
	}

	adapter, _ := s.gateways.Get(name)
	return adapter, nil
}
