// Package reconcile turns gateway outcomes into ledger state. Webhooks,
// manual verification and the sweeper all end up in Engine.Handle, which is
// the only code that credits a wallet.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/store"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/pkg/events"
	"github.com/zjoart/go-payment-ledger/pkg/id"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/metrics"
	"github.com/zjoart/go-payment-ledger/pkg/money"
)

type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Rejected  Outcome = "rejected"
	// Ignored is a pending report; there is nothing to record yet.
	Ignored Outcome = "ignored"
)

var errUnknownKind = errors.New("unknown event kind")

type Publisher interface {
	Publish(ctx context.Context, s events.Settlement) error
}

type Engine struct {
	store     store.Store
	publisher Publisher
	gateways  *gateway.Registry
	now       func() time.Time
}

func NewEngine(s store.Store, publisher Publisher) *Engine {
	return &Engine{store: s, publisher: publisher, now: time.Now}
}

// WithGateways lets the engine collect approved payments.
func (e *Engine) WithGateways(r *gateway.Registry) *Engine {
	e.gateways = r
	return e
}

// Handle applies one event. Redelivery of an outcome that is already
// recorded returns Duplicate with a nil error.
func (e *Engine) Handle(ctx context.Context, ev gateway.TransactionEvent) (Outcome, error) {
	var (
		txn *payment.Transaction
		err error
	)
	switch ev.Kind {
	case gateway.KindSucceeded:
		txn, err = e.complete(ctx, ev)
	case gateway.KindFailed:
		txn, err = e.fail(ctx, ev)
	case gateway.KindRefunded:
		txn, err = e.refund(ctx, ev)
	case gateway.KindApproved:
		var polled gateway.TransactionEvent
		if polled, err = e.collect(ctx, ev); err == nil {
			return e.Handle(ctx, polled)
		}
	case gateway.KindPending:
		metrics.Reconciliations.WithLabelValues(string(ev.Kind), string(Ignored)).Inc()
		return Ignored, nil
	default:
		err = fmt.Errorf("%w: %q", errUnknownKind, ev.Kind)
	}

	outcome := Applied
	switch {
	case errors.Is(err, payment.ErrDuplicateNotification):
		outcome, err = Duplicate, nil
	case err != nil:
		outcome = Rejected
	}
	metrics.Reconciliations.WithLabelValues(string(ev.Kind), string(outcome)).Inc()

	fields := eventFields(ev)
	switch {
	case outcome == Applied:
		logger.Info("transaction event applied", logger.Merge(fields, logger.Fields{logger.TransactionKey: txn.ID.String(), "status": string(txn.Status)}))
		e.publish(ctx, txn)
	case outcome == Duplicate:
		logger.Info("duplicate transaction event", fields)
	default:
		logger.Warn("transaction event rejected", logger.Merge(fields, logger.WithError(err), logger.Fields{"permanent": IsPermanent(err)}))
	}
	return outcome, err
}

// Reconcile is Handle without the outcome.
func (e *Engine) Reconcile(ctx context.Context, ev gateway.TransactionEvent) error {
	_, err := e.Handle(ctx, ev)
	return err
}

func (e *Engine) complete(ctx context.Context, ev gateway.TransactionEvent) (*payment.Transaction, error) {
	txn, err := e.lookup(ctx, ev)
	if err != nil {
		return nil, err
	}
	if txn.Status == payment.StatusPending {
		if err := e.checkReported(ctx, txn, ev); err != nil {
			return nil, err
		}
	}

	var done *payment.Transaction
	err = e.store.Atomic(ctx, func(s store.Store) error {
		current, err := s.Payments().FindByID(ctx, txn.ID)
		if err != nil {
			return err
		}
		if err := payment.Advance(ctx, s.Payments(), current, payment.StatusCompleted, change(ev)); err != nil {
			return err
		}
		if _, err := wallet.Credit(ctx, s.Wallets(), creditFor(current)); err != nil {
			return err
		}
		done = current
		return nil
	})
	if errors.Is(err, wallet.ErrCurrencyMismatch) {
		e.flag(ctx, txn, payment.ReviewCurrencyMismatch, ev)
	}
	return done, err
}

// collect asks the gateway to settle an approved payment and returns what
// it reports, which may still be pending.
func (e *Engine) collect(ctx context.Context, ev gateway.TransactionEvent) (gateway.TransactionEvent, error) {
	txn, err := e.lookup(ctx, ev)
	if err != nil {
		return ev, err
	}
	switch txn.Status {
	case payment.StatusPending:
	case payment.StatusCompleted:
		return ev, payment.ErrDuplicateNotification
	default:
		return ev, &payment.StateViolationError{From: txn.Status, To: payment.StatusCompleted}
	}

	var adapter gateway.Adapter
	if e.gateways != nil {
		adapter, _ = e.gateways.Get(ev.Gateway)
	}
	if adapter == nil {
		return ev, fmt.Errorf("%w: %s is not configured", gateway.ErrGatewayUnavailable, ev.Gateway)
	}

	st, err := adapter.Verify(ctx, txn.ExternalReference)
	if err != nil {
		return ev, err
	}
	polled := st.Event(ev.Gateway, ev.Source)
	if polled.ExternalReference == "" {
		polled.ExternalReference = txn.ExternalReference
	}
	if polled.Kind == gateway.KindApproved {
		polled.Kind = gateway.KindPending
	}
	polled.EventID = ev.EventID
	return polled, nil
}

func (e *Engine) fail(ctx context.Context, ev gateway.TransactionEvent) (*payment.Transaction, error) {
	txn, err := e.lookup(ctx, ev)
	if err != nil {
		return nil, err
	}
	if err := payment.Advance(ctx, e.store.Payments(), txn, payment.StatusFailed, change(ev)); err != nil {
		return nil, err
	}
	return txn, nil
}

// refund moves the row to REFUNDED and takes back what was credited. A
// wallet that no longer holds the amount leaves the row untouched and the
// transaction flagged.
func (e *Engine) refund(ctx context.Context, ev gateway.TransactionEvent) (*payment.Transaction, error) {
	txn, err := e.lookup(ctx, ev)
	if err != nil {
		return nil, err
	}
	if txn.Status == payment.StatusCompleted {
		// only a full refund reverses the credit; anything less goes to review
		if ev.Partial {
			e.flag(ctx, txn, payment.ReviewAmountMismatch, ev)
			return nil, fmt.Errorf("%w: partial refund of %s", payment.ErrAmountMismatch, txn.MerchantReference)
		}
		if err := e.checkReported(ctx, txn, ev); err != nil {
			return nil, err
		}
	}

	var done *payment.Transaction
	err = e.store.Atomic(ctx, func(s store.Store) error {
		current, err := s.Payments().FindByID(ctx, txn.ID)
		if err != nil {
			return err
		}
		if err := payment.Advance(ctx, s.Payments(), current, payment.StatusRefunded, change(ev)); err != nil {
			return err
		}
		if _, err := wallet.Reverse(ctx, s.Wallets(), current.UserID, current.ID, "refund "+current.MerchantReference); err != nil {
			return err
		}
		done = current
		return nil
	})
	if errors.Is(err, wallet.ErrInsufficientBalance) {
		e.flag(ctx, txn, payment.ReviewRefundUncovered, ev)
	}
	return done, err
}

func (e *Engine) lookup(ctx context.Context, ev gateway.TransactionEvent) (*payment.Transaction, error) {
	txn, err := e.store.Payments().FindByReference(ctx, ev.Gateway, ev.ExternalReference)
	if errors.Is(err, payment.ErrTransactionNotFound) {
		return nil, fmt.Errorf("%w: %s %s", payment.ErrUnknownTransaction, ev.Gateway, ev.ExternalReference)
	}
	return txn, err
}

// checkReported compares what the gateway says it collected with the row.
// Zero and "" mean the gateway did not report the value.
func (e *Engine) checkReported(ctx context.Context, txn *payment.Transaction, ev gateway.TransactionEvent) error {
	if ev.Currency != "" && money.Normalize(ev.Currency) != txn.Currency {
		e.flag(ctx, txn, payment.ReviewCurrencyMismatch, ev)
		return fmt.Errorf("%w: currency %s, expected %s", payment.ErrAmountMismatch, ev.Currency, txn.Currency)
	}
	if ev.Amount != 0 && ev.Amount != txn.Amount {
		e.flag(ctx, txn, payment.ReviewAmountMismatch, ev)
		return fmt.Errorf("%w: amount %d, expected %d", payment.ErrAmountMismatch, ev.Amount, txn.Amount)
	}
	return nil
}

func (e *Engine) flag(ctx context.Context, txn *payment.Transaction, reason payment.ReviewReason, ev gateway.TransactionEvent) {
	review := &payment.Review{
		ID:               id.Generate(),
		TransactionID:    txn.ID,
		Reason:           reason,
		ExpectedAmount:   txn.Amount,
		ReportedAmount:   ev.Amount,
		ExpectedCurrency: txn.Currency,
		ReportedCurrency: ev.Currency,
		Payload:          payment.RawJSON(ev.Raw),
	}

	created, err := e.store.Payments().Flag(ctx, review)
	if err != nil {
		logger.Error("failed to flag transaction for review", logger.Merge(eventFields(ev), logger.WithError(err), logger.Fields{logger.TransactionKey: txn.ID.String()}))
		return
	}
	if created {
		logger.Audit("transaction flagged for review", logger.Merge(eventFields(ev), logger.Fields{
			logger.TransactionKey: txn.ID.String(),
			"reason":              string(reason),
			"expected_amount":     txn.Amount,
			"reported_amount":     ev.Amount,
			"expected_currency":   txn.Currency,
			"reported_currency":   ev.Currency,
		}))
	}
}

func (e *Engine) publish(ctx context.Context, txn *payment.Transaction) {
	if e.publisher == nil {
		return
	}

	var kind string
	switch txn.Status {
	case payment.StatusCompleted:
		kind = events.PaymentCompleted
	case payment.StatusFailed:
		kind = events.PaymentFailed
	case payment.StatusRefunded:
		kind = events.PaymentRefunded
	default:
		return
	}

	err := e.publisher.Publish(ctx, events.Settlement{
		Type:              kind,
		TransactionID:     txn.ID.String(),
		MerchantReference: txn.MerchantReference,
		ExternalReference: txn.ExternalReference,
		Gateway:           string(txn.Gateway),
		UserID:            txn.UserID,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		Status:            string(txn.Status),
		OccurredAt:        e.now().UTC(),
	})
	if err != nil {
		logger.Error("failed to publish settlement event", logger.Merge(logger.WithError(err), logger.Fields{
			logger.TransactionKey: txn.ID.String(),
			"type":                kind,
		}))
	}
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	for _, target := range []error{
		payment.ErrStateViolation,
		payment.ErrUnknownTransaction,
		payment.ErrAmountMismatch,
		payment.ErrDuplicateNotification,
		gateway.ErrAuthenticity,
		wallet.ErrInsufficientBalance,
		wallet.ErrCurrencyMismatch,
		wallet.ErrInvalidAmount,
		errUnknownKind,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func change(ev gateway.TransactionEvent) payment.Change {
	return payment.Change{
		Source:            string(ev.Source),
		Reason:            ev.ResultCode,
		ExternalReference: ev.ExternalReference,
		Raw:               ev.Raw,
	}
}

func creditFor(txn *payment.Transaction) wallet.CreditRequest {
	return wallet.CreditRequest{
		UserID:        txn.UserID,
		Currency:      txn.Currency,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Purpose:       txn.Purpose,
	}
}

func eventFields(ev gateway.TransactionEvent) logger.Fields {
	f := logger.Fields{
		logger.GatewayKey:   string(ev.Gateway),
		logger.ReferenceKey: ev.ExternalReference,
		"kind":              string(ev.Kind),
		"source":            string(ev.Source),
	}
	if ev.EventID != "" {
		f["event_id"] = ev.EventID
	}
	return f
}

// RecoverCredit credits a COMPLETED transaction whose credit never landed.
// Crediting is keyed by transaction id, so this is safe to repeat.
func (e *Engine) RecoverCredit(ctx context.Context, txn *payment.Transaction) (*wallet.LedgerEntry, error) {
	if txn.Status != payment.StatusCompleted {
		return nil, &payment.StateViolationError{From: txn.Status, To: payment.StatusCompleted, Detail: "credit recovery needs a completed transaction"}
	}
	return wallet.Credit(ctx, e.store.Wallets(), creditFor(txn))
}
