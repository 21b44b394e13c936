package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/store"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/metrics"
)

const sweepBatch = 100

type SweeperConfig struct {
	Interval time.Duration
	// VerifyAfter is how long a PENDING payment waits for its webhook
	// before the gateway is polled.
	VerifyAfter time.Duration
}

// Sweeper periodically catches what webhooks missed. PENDING payments are
// polled, never expired.
type Sweeper struct {
	store    store.Store
	gateways *gateway.Registry
	engine   *Engine
	wallets  *wallet.Service
	cfg      SweeperConfig
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(s store.Store, gateways *gateway.Registry, engine *Engine, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		store:    s,
		gateways: gateways,
		engine:   engine,
		wallets:  wallet.NewService(s.Wallets()),
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		logger.Info("Sweeper started", logger.Fields{"interval": s.cfg.Interval.String(), "verify_after": s.cfg.VerifyAfter.String()})
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	logger.Info("Sweeper stopped")
}

// RunOnce performs one pass of every sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.VerifyPending(ctx)
	s.RecoverCredits(ctx)
	s.AuditBalances(ctx)
}

// VerifyPending polls the gateway for PENDING payments older than VerifyAfter
// and feeds definitive answers to the engine.
func (s *Sweeper) VerifyPending(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.VerifyAfter)
	resolved := 0

	// every due row is visited, so payments that stay pending cannot crowd out newer ones
	var after *payment.Cursor
	for ctx.Err() == nil {
		txns, err := s.store.Payments().ListByStatus(ctx, payment.StatusPending, cutoff, after, sweepBatch)
		if err != nil {
			logger.Error("Sweeper: failed to list pending transactions", logger.WithError(err))
			break
		}
		for i := range txns {
			if ctx.Err() != nil {
				break
			}
			if s.verify(ctx, &txns[i]) {
				resolved++
			}
		}
		if len(txns) < sweepBatch {
			break
		}
		after = txns[len(txns)-1].Cursor()
	}
	return resolved
}

// verify polls one payment and reports whether the answer was applied.
func (s *Sweeper) verify(ctx context.Context, txn *payment.Transaction) bool {
	fields := logger.Fields{
		logger.TransactionKey: txn.ID.String(),
		logger.GatewayKey:     string(txn.Gateway),
		logger.ReferenceKey:   txn.ExternalReference,
	}

	adapter, ok := s.gateways.Get(txn.Gateway)
	if !ok {
		logger.Warn("Sweeper: gateway not configured, skipping", fields)
		metrics.SweepRecoveries.WithLabelValues("verify", "unconfigured").Inc()
		return false
	}

	st, err := adapter.Verify(ctx, txn.ExternalReference)
	if err != nil {
		logger.Warn("Sweeper: verify failed", logger.Merge(fields, logger.WithError(err)))
		metrics.SweepRecoveries.WithLabelValues("verify", "error").Inc()
		return false
	}
	if st.Kind == gateway.KindPending {
		metrics.SweepRecoveries.WithLabelValues("verify", "pending").Inc()
		return false
	}

	ev := st.Event(txn.Gateway, gateway.SourceSweep)
	if ev.ExternalReference == "" {
		ev.ExternalReference = txn.ExternalReference
	}
	outcome, err := s.engine.Handle(ctx, ev)
	metrics.SweepRecoveries.WithLabelValues("verify", string(outcome)).Inc()
	if err != nil {
		logger.Warn("Sweeper: reconciliation failed", logger.Merge(fields, logger.WithError(err)))
		return false
	}
	return outcome == Applied
}

// RecoverCredits credits COMPLETED payments that have no credit entry.
func (s *Sweeper) RecoverCredits(ctx context.Context) int {
	cutoff := s.now()
	recovered := 0

	var after *payment.Cursor
	for ctx.Err() == nil {
		txns, err := s.store.Payments().ListUncredited(ctx, cutoff, after, sweepBatch)
		if err != nil {
			logger.Error("Sweeper: failed to list uncredited transactions", logger.WithError(err))
			break
		}

		for i := range txns {
			txn := &txns[i]
			fields := logger.Fields{logger.TransactionKey: txn.ID.String(), logger.UserIdKey: txn.UserID}
			if _, err := s.engine.RecoverCredit(ctx, txn); err != nil {
				logger.Error("Sweeper: credit recovery failed", logger.Merge(fields, logger.WithError(err)))
				metrics.SweepRecoveries.WithLabelValues("credit", "error").Inc()
				continue
			}
			logger.Audit("Sweeper: recovered missing wallet credit", fields)
			metrics.SweepRecoveries.WithLabelValues("credit", "recovered").Inc()
			recovered++
		}

		if len(txns) < sweepBatch {
			break
		}
		after = txns[len(txns)-1].Cursor()
	}
	return recovered
}

// AuditBalances checks every wallet's balance against its entries and
// returns the ids that disagree. It only reports.
func (s *Sweeper) AuditBalances(ctx context.Context) []string {
	var inconsistent []string
	for offset := 0; ctx.Err() == nil; offset += sweepBatch {
		wallets, err := s.wallets.ListWallets(ctx, sweepBatch, offset)
		if err != nil {
			logger.Error("Sweeper: failed to list wallets", logger.WithError(err))
			break
		}

		for _, w := range wallets {
			res, err := s.wallets.Audit(ctx, w)
			if err != nil {
				logger.Error("Sweeper: wallet audit failed", logger.Merge(logger.WithError(err), logger.Fields{logger.WalletKey: w.ID.String()}))
				continue
			}
			if !res.Consistent() {
				inconsistent = append(inconsistent, w.ID.String())
				metrics.SweepRecoveries.WithLabelValues("audit", "inconsistent").Inc()
				logger.Audit("wallet balance does not match ledger", logger.Fields{
					logger.WalletKey: w.ID.String(),
					logger.UserIdKey: w.UserID,
					"balance":        res.Balance,
					"ledger":         res.Ledger,
				})
			}
		}

		if len(wallets) < sweepBatch {
			break
		}
	}
	return inconsistent
}
