// Package webhook accepts gateway callbacks, authenticates them through the
// gateway's adapter and hands the normalized event on for reconciliation.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/metrics"
	"github.com/zjoart/go-payment-ledger/pkg/utils"
)

const maxBody = 1 << 20

// Dispatcher takes an accepted event off the request path.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev gateway.TransactionEvent) error
}

// SeenSet remembers delivered notification ids.
type SeenSet interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type Receiver struct {
	gateways   *gateway.Registry
	payments   payment.Repository
	dispatcher Dispatcher
	seen       SeenSet
}

// NewReceiver builds a receiver. seen may be nil, in which case redelivered
// notifications are left to the engine's idempotency.
func NewReceiver(gateways *gateway.Registry, payments payment.Repository, dispatcher Dispatcher, seen SeenSet) *Receiver {
	return &Receiver{gateways: gateways, payments: payments, dispatcher: dispatcher, seen: seen}
}

// Handler serves the callback endpoint of one gateway.
func (rc *Receiver) Handler(name gateway.Name) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapter, ok := rc.gateways.Get(name)
		if !ok {
			utils.BuildErrorResponse(w, http.StatusNotFound, "Gateway not configured", nil)
			return
		}
		rc.receive(w, r, adapter)
	}
}

func (rc *Receiver) receive(w http.ResponseWriter, r *http.Request, adapter gateway.Adapter) {
	ctx := r.Context()
	name := adapter.Name()
	fields := logger.Fields{logger.GatewayKey: string(name), "remote_addr": r.RemoteAddr}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		metrics.Notifications.WithLabelValues(string(name), "too_large").Inc()
		utils.BuildErrorResponse(w, http.StatusRequestEntityTooLarge, "Payload too large", nil)
		return
	}

	ev, err := adapter.ParseNotification(ctx, gateway.Notification{Body: body, Header: r.Header, Query: r.URL.Query()})
	switch {
	case errors.Is(err, gateway.ErrAuthenticity):
		metrics.Notifications.WithLabelValues(string(name), "forged").Inc()
		logger.Audit("rejected unauthenticated gateway notification", logger.Merge(fields, logger.WithError(err)))
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	case errors.Is(err, gateway.ErrUnhandledEvent):
		metrics.Notifications.WithLabelValues(string(name), "unhandled").Inc()
		logger.Debug("ignoring unhandled gateway notification", logger.Merge(fields, logger.WithError(err)))
		rc.ack(w, adapter)
		return
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		metrics.Notifications.WithLabelValues(string(name), "unavailable").Inc()
		logger.Warn("gateway unavailable while reading notification", logger.Merge(fields, logger.WithError(err)))
		utils.BuildErrorResponse(w, http.StatusServiceUnavailable, "Gateway unavailable, retry later", nil)
		return
	case err != nil:
		metrics.Notifications.WithLabelValues(string(name), "malformed").Inc()
		logger.Warn("malformed gateway notification", logger.Merge(fields, logger.WithError(err)))
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Malformed notification", nil)
		return
	}

	fields[logger.ReferenceKey] = ev.ExternalReference
	fields["kind"] = string(ev.Kind)

	txn, err := rc.payments.FindByReference(ctx, name, ev.ExternalReference)
	if errors.Is(err, payment.ErrTransactionNotFound) {
		metrics.Notifications.WithLabelValues(string(name), "unknown").Inc()
		logger.Warn("notification for unknown transaction", fields)
		rc.ack(w, adapter)
		return
	}
	if err != nil {
		logger.Error("failed to look up notified transaction", logger.Merge(fields, logger.WithError(err)))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	fields[logger.TransactionKey] = txn.ID.String()

	target, final := targetStatus(ev.Kind)
	if !final {
		metrics.Notifications.WithLabelValues(string(name), "pending").Inc()
		rc.ack(w, adapter)
		return
	}
	if txn.Status == target {
		metrics.Notifications.WithLabelValues(string(name), "duplicate").Inc()
		logger.Info("duplicate gateway notification", fields)
		rc.ack(w, adapter)
		return
	}
	if !payment.CanTransition(txn.Status, target) {
		metrics.Notifications.WithLabelValues(string(name), "violation").Inc()
		logger.Warn("notification conflicts with recorded status", logger.Merge(fields, logger.WithError(&payment.StateViolationError{From: txn.Status, To: target})))
		rc.ack(w, adapter)
		return
	}

	key := seenKey(ev)
	if rc.seen != nil {
		fresh, err := rc.seen.MarkSeen(ctx, key)
		if err != nil {
			// reconciliation is idempotent on its own; carry on
			logger.Warn("failed to record notification id", logger.Merge(fields, logger.WithError(err)))
		} else if !fresh {
			metrics.Notifications.WithLabelValues(string(name), "duplicate").Inc()
			logger.Info("notification already delivered", logger.Merge(fields, logger.Fields{"event_id": ev.EventID}))
			rc.ack(w, adapter)
			return
		}
	}

	if err := rc.dispatcher.Dispatch(ctx, *ev); err != nil {
		if rc.seen != nil {
			if ferr := rc.seen.Forget(ctx, key); ferr != nil {
				logger.Error("failed to clear notification id", logger.Merge(fields, logger.WithError(ferr)))
			}
		}
		metrics.Notifications.WithLabelValues(string(name), "dispatch_failed").Inc()
		logger.Error("failed to dispatch gateway notification", logger.Merge(fields, logger.WithError(err)))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Could not accept notification", nil)
		return
	}

	metrics.Notifications.WithLabelValues(string(name), "accepted").Inc()
	logger.Info("gateway notification accepted", fields)
	rc.ack(w, adapter)
}

func (rc *Receiver) ack(w http.ResponseWriter, adapter gateway.Adapter) {
	utils.WriteJSON(w, http.StatusOK, adapter.AckBody())
}

func targetStatus(kind gateway.Kind) (payment.Status, bool) {
	switch kind {
	case gateway.KindSucceeded, gateway.KindApproved:
		return payment.StatusCompleted, true
	case gateway.KindFailed:
		return payment.StatusFailed, true
	case gateway.KindRefunded:
		return payment.StatusRefunded, true
	}
	return "", false
}

func seenKey(ev *gateway.TransactionEvent) string {
	if ev.EventID != "" {
		return string(ev.Gateway) + ":" + ev.EventID
	}
	return string(ev.Gateway) + ":" + ev.ExternalReference + ":" + string(ev.Kind)
}
