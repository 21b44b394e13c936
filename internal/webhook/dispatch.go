package webhook

import (
	"context"

	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/reconcile"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, v interface{}) error
}

// QueueDispatcher hands events to the background worker.
type QueueDispatcher struct {
	Queue Enqueuer
}

func (d QueueDispatcher) Dispatch(ctx context.Context, ev gateway.TransactionEvent) error {
	return d.Queue.Enqueue(ctx, ev)
}

// EngineDispatcher reconciles in the request. Errors that a redelivery
// cannot fix are acknowledged; anything else makes the gateway retry.
type EngineDispatcher struct {
	Engine reconcile.Handler
}

func (d EngineDispatcher) Dispatch(ctx context.Context, ev gateway.TransactionEvent) error {
	_, err := d.Engine.Handle(ctx, ev)
	if err != nil && reconcile.IsPermanent(err) {
		return nil
	}
	return err
}
